package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/observability"
	"github.com/danmuck/clrtrace/internal/protocol/schema"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted    = errors.New("telemetry: session already started")
	ErrSessionRejected   = errors.New("telemetry: session rejected by collector")
	ErrConnectExhausted  = errors.New("telemetry: connect attempts exhausted")
	ErrShutdownRequested = errors.New("telemetry: shutdown requested")
)

// State is the session lifecycle position. It only moves forward.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is one connected collector channel. The session goroutine
// owns it exclusively.
type Transport interface {
	StartSession(ctx context.Context, start session.Start) (session.Ack, error)
	FinishSession(ctx context.Context, finish session.Finish) error
	Send(ctx context.Context, msg session.Message) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// ProcessMeta identifies the monitored process to the collector.
type ProcessMeta struct {
	PID  uint32
	Cmd  string
	Path string
}

// CurrentProcess captures the running process. Path is the PATH
// environment variable.
func CurrentProcess() ProcessMeta {
	return ProcessMeta{
		PID:  uint32(os.Getpid()),
		Cmd:  strings.Join(os.Args, " "),
		Path: os.Getenv("PATH"),
	}
}

type Option func(*Session)

// WithTransportConfig takes backoff and timeouts from cfg.
func WithTransportConfig(cfg session.Config) Option {
	return func(s *Session) {
		cfg = cfg.WithDefaults()
		s.backoff = cfg.Backoff
		s.connectTimeout = cfg.ConnectTimeout
		s.handshakeTimeout = cfg.HandshakeTimeout
		s.sendTimeout = cfg.WriteTimeout
	}
}

// WithMaxConnectAttempts bounds the Pending dial loop. Zero retries forever.
func WithMaxConnectAttempts(n int) Option {
	return func(s *Session) { s.maxAttempts = n }
}

// WithFlushWindow bounds how long a local shutdown spends sending events
// that were already queued. Zero disables the flush.
func WithFlushWindow(d time.Duration) Option {
	return func(s *Session) { s.flushWindow = d }
}

func WithStats(src StatsSource) Option {
	return func(s *Session) { s.stats = src }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.log = logger }
}

func WithRand(rng *rand.Rand) Option {
	return func(s *Session) { s.rng = rng }
}

// Session moves queued events to the collector. It is Pending until the
// handshake is acknowledged, Running while it forwards events, and
// Stopped after at most one Finish.
type Session struct {
	meta   ProcessMeta
	queue  *Queue
	dialer Dialer
	stats  StatsSource
	log    zerolog.Logger
	rng    *rand.Rand

	backoff          session.BackoffConfig
	maxAttempts      int
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	sendTimeout      time.Duration
	flushWindow      time.Duration

	state    atomic.Int32
	started  atomic.Bool
	finished atomic.Bool
	reason   atomic.Uint32
	sent     atomic.Uint64
	failed   atomic.Uint64

	transport Transport
	done      chan struct{}
	doneOnce  sync.Once
}

func NewSession(meta ProcessMeta, queue *Queue, dialer Dialer, opts ...Option) *Session {
	defaults := session.DefaultConfig()
	s := &Session{
		meta:             meta,
		queue:            queue,
		dialer:           dialer,
		log:              logging.Component("telemetry"),
		backoff:          defaults.Backoff,
		connectTimeout:   defaults.ConnectTimeout,
		handshakeTimeout: defaults.HandshakeTimeout,
		sendTimeout:      defaults.WriteTimeout,
		flushWindow:      time.Second,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session is Stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// FinishReason reports which Finish was sent. ok is false when the
// session stopped without sending one.
func (s *Session) FinishReason() (session.FinishReason, bool) {
	r := s.reason.Load()
	return session.FinishReason(r), r != 0
}

func (s *Session) Sent() uint64   { return s.sent.Load() }
func (s *Session) Failed() uint64 { return s.failed.Load() }

// Run drives the session until it stops. It returns nil after an orderly
// stop (local shutdown, producer loss, shutdown while Pending) and an
// error when the collector was unreachable or refused the session, or
// when ctx ended the session.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.stop()
	s.setState(StatePending)

	tr, err := s.connect(ctx)
	if err != nil {
		if errors.Is(err, ErrShutdownRequested) {
			s.log.Info().Msg("shutdown before session start")
			return nil
		}
		s.log.Warn().Err(err).Msg("session not started")
		return err
	}
	s.transport = tr
	s.setState(StateRunning)
	s.log.Info().Uint32("pid", s.meta.PID).Msg("session running")
	return s.loop(ctx, tr)
}

func (s *Session) connect(ctx context.Context) (Transport, error) {
	b := session.NewBackoff(s.backoff, s.rng)
	for {
		if err := s.interrupted(ctx); err != nil {
			return nil, err
		}
		dctx, cancel := withTimeout(ctx, s.connectTimeout)
		tr, err := s.dialer.Dial(dctx)
		cancel()
		if err == nil {
			observability.RecordConnectAttempt("connected")
			return s.handshake(ctx, tr)
		}
		observability.RecordConnectAttempt("error")
		if s.maxAttempts > 0 && b.Attempt()+1 >= s.maxAttempts {
			return nil, fmt.Errorf("%w after %d: %w", ErrConnectExhausted, b.Attempt()+1, err)
		}
		delay := b.Next()
		s.log.Debug().Err(err).Int("attempt", b.Attempt()).Dur("retry_in", delay).Msg("collector dial failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.queue.Control():
			timer.Stop()
			return nil, ErrShutdownRequested
		case <-timer.C:
		}
	}
}

func (s *Session) handshake(ctx context.Context, tr Transport) (Transport, error) {
	hctx, cancel := withTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	ack, err := tr.StartSession(hctx, session.Start{PID: s.meta.PID, Cmd: s.meta.Cmd, Path: s.meta.Path})
	if err != nil {
		_ = tr.Close()
		observability.RecordMessage(schema.Name(schema.MsgSessionStart), false)
		return nil, fmt.Errorf("telemetry: session start: %w", err)
	}
	observability.RecordMessage(schema.Name(schema.MsgSessionStart), ack.OK)
	if !ack.OK {
		_ = tr.Close()
		return nil, fmt.Errorf("%w: code=%d %s", ErrSessionRejected, ack.Code, ack.Message)
	}
	return tr, nil
}

// interrupted polls control and ctx without blocking.
func (s *Session) interrupted(ctx context.Context) error {
	select {
	case <-s.queue.Control():
		return ErrShutdownRequested
	default:
	}
	return ctx.Err()
}

func (s *Session) loop(ctx context.Context, tr Transport) error {
	events := s.queue.Events()
	control := s.queue.Control()
	for {
		// control wins over buffered events
		select {
		case <-control:
			s.localShutdown(ctx, tr)
			return nil
		default:
		}

		select {
		case <-control:
			s.localShutdown(ctx, tr)
			return nil
		case ev, ok := <-events:
			if !ok {
				s.log.Info().Msg("event producer gone")
				s.finish(ctx, tr, session.FinishProducerLost)
				return nil
			}
			s.send(ctx, tr, ev)
		case <-ctx.Done():
			s.log.Info().Err(ctx.Err()).Msg("host interrupted session")
			s.finish(context.WithoutCancel(ctx), tr, session.FinishHostInterrupted)
			return ctx.Err()
		}
	}
}

func (s *Session) localShutdown(ctx context.Context, tr Transport) {
	s.flush(ctx, tr)
	s.finish(ctx, tr, session.FinishLocalRequest)
}

// flush sends at most the events buffered when it starts, within the
// flush window.
func (s *Session) flush(ctx context.Context, tr Transport) {
	if s.flushWindow <= 0 {
		return
	}
	pending := s.queue.Len()
	deadline := time.Now().Add(s.flushWindow)
	flushed := 0
drain:
	for flushed < pending && time.Now().Before(deadline) {
		select {
		case ev, ok := <-s.queue.Events():
			if !ok {
				break drain
			}
			s.send(ctx, tr, ev)
			flushed++
		default:
			break drain
		}
	}
	if flushed > 0 {
		s.log.Debug().Int("events", flushed).Msg("flushed queued events")
	}
}

func (s *Session) send(ctx context.Context, tr Transport, ev Event) {
	var stats *session.Stats
	if s.stats != nil {
		stats = s.stats.Sample()
	}
	msg, err := ToMessage(s.meta.PID, ev, stats)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn().Err(err).Msg("event not convertible")
		return
	}
	sctx, cancel := withTimeout(ctx, s.sendTimeout)
	defer cancel()
	name := schema.Name(msg.MessageType())
	if err := tr.Send(sctx, msg); err != nil {
		s.failed.Add(1)
		observability.RecordMessage(name, false)
		s.log.Warn().Err(err).Str("kind", string(ev.EventKind())).Msg("event send failed")
		return
	}
	s.sent.Add(1)
	observability.RecordMessage(name, true)
}

func (s *Session) finish(ctx context.Context, tr Transport, reason session.FinishReason) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	s.reason.Store(uint32(reason))
	fctx, cancel := withTimeout(ctx, s.sendTimeout)
	defer cancel()
	err := tr.FinishSession(fctx, session.Finish{PID: s.meta.PID, Reason: reason})
	observability.RecordMessage(schema.Name(schema.MsgSessionFinish), err == nil)
	if err != nil {
		s.log.Warn().Err(err).Str("reason", reason.String()).Msg("session finish failed")
		return
	}
	s.log.Info().Str("reason", reason.String()).Uint64("sent", s.sent.Load()).Msg("session finished")
}

func (s *Session) stop() {
	s.setState(StateStopped)
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Debug().Err(err).Msg("transport close")
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	observability.SetSessionState(int(st))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
