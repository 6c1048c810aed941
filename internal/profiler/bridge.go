package profiler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/observability"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/danmuck/clrtrace/internal/telemetry"
	"github.com/rs/zerolog"
)

const unknownName = "unknown"

// Config tunes the bridge and the session it starts.
type Config struct {
	EventMask          abi.EventMask
	QueueSize          int
	ShutdownWait       time.Duration
	FlushWindow        time.Duration
	MaxConnectAttempts int
	// TrackObjects bounds how many allocations are followed across
	// collections. Zero disables generation reports.
	TrackObjects int
	Transport    session.Config
}

func DefaultConfig() Config {
	return Config{
		EventMask:    abi.DefaultEventMask,
		QueueSize:    telemetry.DefaultQueueSize,
		ShutdownWait: 5 * time.Second,
		FlushWindow:  time.Second,
		Transport:    session.DefaultConfig(),
	}
}

type Option func(*Bridge)

func WithConfig(cfg Config) Option {
	return func(b *Bridge) { b.cfg = cfg }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) { b.log = logger }
}

// WithContext sets the parent context of the session. Canceling it ends
// the session as host-interrupted.
func WithContext(ctx context.Context) Option {
	return func(b *Bridge) { b.parent = ctx }
}

func WithProcess(meta telemetry.ProcessMeta) Option {
	return func(b *Bridge) { b.meta = &meta }
}

func WithStats(src telemetry.StatsSource) Option {
	return func(b *Bridge) {
		b.stats = src
		b.statsSet = true
	}
}

// Bridge turns host notifications into handler calls and queued events.
// It is the Dispatcher behind every abi.Object the agent hands out.
type Bridge struct {
	cfg      Config
	handler  Handler
	dialer   telemetry.Dialer
	log      zerolog.Logger
	parent   context.Context
	meta     *telemetry.ProcessMeta
	stats    telemetry.StatsSource
	statsSet bool

	info    atomic.Pointer[infoSlot]
	queue   atomic.Pointer[telemetry.Queue]
	sess    atomic.Pointer[telemetry.Session]
	tracker *allocTracker
	gcCount atomic.Uint64

	initMu    sync.Mutex
	closeOnce sync.Once
}

type infoSlot struct {
	p abi.InfoProvider
}

var _ abi.Dispatcher = (*Bridge)(nil)

func NewBridge(handler Handler, dialer telemetry.Dialer, opts ...Option) *Bridge {
	if handler == nil {
		handler = NopHandler{}
	}
	b := &Bridge{
		cfg:     DefaultConfig(),
		handler: handler,
		dialer:  dialer,
		log:     logging.Component("profiler"),
		parent:  context.Background(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.EventMask == abi.MonitorNone {
		b.cfg.EventMask = abi.DefaultEventMask
	}
	if b.cfg.TrackObjects > 0 {
		b.cfg.EventMask |= abi.MonitorObjectAllocated | abi.EnableObjectAllocated | abi.MonitorGC
	}
	b.tracker = newAllocTracker(b.cfg.TrackObjects)
	return b
}

// NewFactory returns a class factory whose objects are each backed by a
// fresh Bridge built with the same arguments.
func NewFactory(handler Handler, dialer telemetry.Dialer, opts ...Option) *abi.Factory {
	return abi.NewFactory(func() (abi.Dispatcher, error) {
		return NewBridge(handler, dialer, opts...), nil
	})
}

// Session returns the running session, nil before Initialize.
func (b *Bridge) Session() *telemetry.Session {
	return b.sess.Load()
}

func (b *Bridge) Queue() *telemetry.Queue {
	return b.queue.Load()
}

func (b *Bridge) Initialize(info abi.InfoProvider) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.queue.Load() != nil {
		return abi.Errorf(abi.StatusUnexpected, "profiler already initialized")
	}
	b.info.Store(&infoSlot{p: info})
	if err := info.SetEventMask(b.cfg.EventMask); err != nil {
		return err
	}

	meta := telemetry.CurrentProcess()
	if b.meta != nil {
		meta = *b.meta
	}
	stats := b.stats
	if !b.statsSet {
		stats = telemetry.NewProcessSampler(int32(meta.PID), b.log)
	}
	q := telemetry.NewQueue(b.cfg.QueueSize)
	s := telemetry.NewSession(meta, q, b.dialer,
		telemetry.WithTransportConfig(b.cfg.Transport),
		telemetry.WithMaxConnectAttempts(b.cfg.MaxConnectAttempts),
		telemetry.WithFlushWindow(b.cfg.FlushWindow),
		telemetry.WithStats(stats),
		telemetry.WithLogger(b.log.With().Str("component", "telemetry").Logger()),
	)
	b.queue.Store(q)
	b.sess.Store(s)
	go func() {
		if err := s.Run(b.parent); err != nil {
			b.log.Warn().Err(err).Msg("telemetry session ended")
		}
	}()

	b.log.Info().Uint32("pid", meta.PID).Uint32("mask", uint32(b.cfg.EventMask)).Msg("profiler initialized")
	return b.handler.OnInitialize(Init{Info: info, Emit: b, Mask: b.cfg.EventMask})
}

// Shutdown runs the handler hook, signals the session, and waits up to
// ShutdownWait for it to stop.
func (b *Bridge) Shutdown() error {
	err := b.handler.OnShutdown()
	q, s := b.queue.Load(), b.sess.Load()
	if q == nil || s == nil {
		return err
	}
	q.Shutdown()
	wait := b.cfg.ShutdownWait
	if wait <= 0 {
		wait = DefaultConfig().ShutdownWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.Done():
	case <-timer.C:
		b.log.Warn().Dur("wait", wait).Str("state", s.State().String()).Msg("session still stopping")
	}
	return err
}

// Close releases the producer side. A session that never got past
// Pending is told to stop, since nothing will be produced for it.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		q := b.queue.Load()
		if q == nil {
			return
		}
		q.CloseProducer()
		if s := b.sess.Load(); s != nil && s.State() == telemetry.StatePending {
			q.Shutdown()
		}
	})
	return nil
}

// Emit queues a handler-built event.
func (b *Bridge) Emit(ev telemetry.Event) error {
	return b.push(ev)
}

func (b *Bridge) ModuleLoadStarted(id abi.ModuleID) error {
	return b.module(id, PhaseStarted, abi.StatusOK, false)
}

func (b *Bridge) ModuleLoadFinished(id abi.ModuleID, hr abi.Status) error {
	return b.module(id, PhaseFinished, hr, false)
}

func (b *Bridge) ModuleUnloadStarted(id abi.ModuleID) error {
	return b.module(id, PhaseStarted, abi.StatusOK, true)
}

func (b *Bridge) ModuleUnloadFinished(id abi.ModuleID, hr abi.Status) error {
	return b.module(id, PhaseFinished, hr, true)
}

func (b *Bridge) module(id abi.ModuleID, phase Phase, hr abi.Status, unload bool) error {
	name := b.lookup("module", func(info abi.InfoProvider) (string, error) { return info.ModuleName(id) })
	kind, call := telemetry.KindModuleLoadFinished, b.handler.OnModuleLoad
	switch {
	case unload && phase == PhaseStarted:
		kind, call = telemetry.KindModuleUnloadStart, b.handler.OnModuleUnload
	case unload:
		kind, call = telemetry.KindModuleUnloadFinished, b.handler.OnModuleUnload
	case phase == PhaseStarted:
		kind = telemetry.KindModuleLoadStart
	}
	if err := call(ModuleEvent{ID: id, Name: name, Phase: phase, Status: hr}); err != nil {
		return b.handlerFailed(string(kind), err)
	}
	b.pushName(kind, name, hr)
	return nil
}

func (b *Bridge) ClassLoadStarted(id abi.ClassID) error {
	return b.class(id, PhaseStarted, abi.StatusOK, false)
}

func (b *Bridge) ClassLoadFinished(id abi.ClassID, hr abi.Status) error {
	return b.class(id, PhaseFinished, hr, false)
}

func (b *Bridge) ClassUnloadStarted(id abi.ClassID) error {
	return b.class(id, PhaseStarted, abi.StatusOK, true)
}

func (b *Bridge) ClassUnloadFinished(id abi.ClassID, hr abi.Status) error {
	return b.class(id, PhaseFinished, hr, true)
}

func (b *Bridge) class(id abi.ClassID, phase Phase, hr abi.Status, unload bool) error {
	name := b.className(id)
	kind, call := telemetry.KindClassLoadFinished, b.handler.OnClassLoad
	switch {
	case unload && phase == PhaseStarted:
		kind, call = telemetry.KindClassUnloadStart, b.handler.OnClassUnload
	case unload:
		kind, call = telemetry.KindClassUnloadFinished, b.handler.OnClassUnload
	case phase == PhaseStarted:
		kind = telemetry.KindClassLoadStart
	}
	if err := call(ClassEvent{ID: id, Name: name, Phase: phase, Status: hr}); err != nil {
		return b.handlerFailed(string(kind), err)
	}
	b.pushName(kind, name, hr)
	return nil
}

func (b *Bridge) JITCompilationStarted(id abi.FunctionID, safeToBlock bool) error {
	name := b.functionName(id)
	if err := b.handler.OnJITStart(JITEvent{ID: id, Name: name, SafeToBlock: safeToBlock}); err != nil {
		return b.handlerFailed(string(telemetry.KindJITCompilationStart), err)
	}
	b.pushName(telemetry.KindJITCompilationStart, name, abi.StatusOK)
	return nil
}

func (b *Bridge) JITCompilationFinished(id abi.FunctionID, hr abi.Status, safeToBlock bool) error {
	name := b.functionName(id)
	if err := b.handler.OnJITFinish(JITEvent{ID: id, Name: name, Status: hr, SafeToBlock: safeToBlock}); err != nil {
		return b.handlerFailed(string(telemetry.KindJITCompilationFinish), err)
	}
	b.pushName(telemetry.KindJITCompilationFinish, name, hr)
	return nil
}

func (b *Bridge) DynamicMethodUnloaded(id abi.FunctionID) error {
	if err := b.handler.OnDynamicMethodUnloaded(id); err != nil {
		return b.handlerFailed(string(telemetry.KindDynamicMethodUnloaded), err)
	}
	b.pushID(telemetry.KindDynamicMethodUnloaded, uint64(id))
	return nil
}

func (b *Bridge) ThreadCreated(id abi.ThreadID) error {
	return b.thread(telemetry.KindThreadCreated, id, b.handler.OnThreadCreated)
}

func (b *Bridge) ThreadDestroyed(id abi.ThreadID) error {
	return b.thread(telemetry.KindThreadDestroyed, id, b.handler.OnThreadDestroyed)
}

func (b *Bridge) RuntimeThreadSuspended(id abi.ThreadID) error {
	return b.thread(telemetry.KindThreadSuspended, id, b.handler.OnThreadSuspended)
}

func (b *Bridge) RuntimeThreadResumed(id abi.ThreadID) error {
	return b.thread(telemetry.KindThreadResumed, id, b.handler.OnThreadResumed)
}

func (b *Bridge) thread(kind telemetry.Kind, id abi.ThreadID, fn func(abi.ThreadID) error) error {
	if err := fn(id); err != nil {
		return b.handlerFailed(string(kind), err)
	}
	b.pushID(kind, uint64(id))
	return nil
}

func (b *Bridge) ThreadNameChanged(id abi.ThreadID, name string) error {
	if err := b.handler.OnThreadNameChanged(id, name); err != nil {
		return b.handlerFailed(string(telemetry.KindThreadNameChanged), err)
	}
	b.pushName(telemetry.KindThreadNameChanged, name, abi.StatusOK)
	return nil
}

func (b *Bridge) ExceptionThrown(id abi.ObjectID) error {
	name := unknownName
	if info := b.infoProvider(); info != nil {
		if class, err := info.ObjectClass(id); err == nil {
			name = b.className(class)
		} else {
			b.log.Debug().Err(err).Uint64("object", uint64(id)).Msg("exception class lookup failed")
		}
	}
	if err := b.handler.OnExceptionThrown(ExceptionEvent{ObjectID: id, ClassName: name}); err != nil {
		return b.handlerFailed(string(telemetry.KindExceptionThrown), err)
	}
	b.pushName(telemetry.KindExceptionThrown, name, abi.StatusOK)
	return nil
}

func (b *Bridge) ObjectAllocated(id abi.ObjectID, class abi.ClassID) error {
	name := b.className(class)
	ev := telemetry.AllocationEvent{Time: telemetry.Now(), ObjectID: uint64(id), ClassName: name}
	if info := b.infoProvider(); info != nil {
		if size, err := info.ObjectSize(id); err == nil {
			ev.Size = size
		}
		if gen, err := info.ObjectGeneration(id); err == nil {
			ev.Generation = session.Generation(gen)
		}
	}
	if err := b.handler.OnObjectAllocated(AllocationEvent{ObjectID: id, ClassID: class, ClassName: name, Size: ev.Size}); err != nil {
		return b.handlerFailed(string(telemetry.KindObjectAllocated), err)
	}
	b.tracker.track(id)
	_ = b.push(ev)
	return nil
}

// GarbageCollectionStarted reports the collected generations as a bit set
// in the event id, bit n for generation n.
func (b *Bridge) GarbageCollectionStarted(generations []bool, reason abi.GCReason) error {
	if err := b.handler.OnGCStarted(GCEvent{Generations: generations, Reason: reason}); err != nil {
		return b.handlerFailed(string(telemetry.KindGCStarted), err)
	}
	var collected uint64
	for i, g := range generations {
		if g && i < 64 {
			collected |= 1 << uint(i)
		}
	}
	b.pushID(telemetry.KindGCStarted, collected)
	return nil
}

func (b *Bridge) GarbageCollectionFinished() error {
	if err := b.handler.OnGCFinished(); err != nil {
		return b.handlerFailed(string(telemetry.KindGCFinished), err)
	}
	b.pushID(telemetry.KindGCFinished, b.gcCount.Add(1))
	if objects := b.tracker.generations(b.infoProvider()); len(objects) > 0 {
		_ = b.push(telemetry.GenerationsEvent{Time: telemetry.Now(), Objects: objects})
	}
	return nil
}

func (b *Bridge) infoProvider() abi.InfoProvider {
	if slot := b.info.Load(); slot != nil {
		return slot.p
	}
	return nil
}

// lookup resolves a name through the info provider. Any failure yields
// the placeholder; the notification itself still succeeds.
func (b *Bridge) lookup(what string, fn func(abi.InfoProvider) (string, error)) string {
	info := b.infoProvider()
	if info == nil {
		return unknownName
	}
	name, err := fn(info)
	if err != nil || name == "" {
		b.log.Debug().Err(err).Str("lookup", what).Msg("name lookup failed")
		return unknownName
	}
	return name
}

func (b *Bridge) className(id abi.ClassID) string {
	return b.lookup("class", func(info abi.InfoProvider) (string, error) { return info.ClassName(id) })
}

func (b *Bridge) functionName(id abi.FunctionID) string {
	return b.lookup("function", func(info abi.InfoProvider) (string, error) { return info.FunctionName(id) })
}

func (b *Bridge) handlerFailed(op string, err error) error {
	observability.RecordHandlerFailure(op)
	b.log.Debug().Err(err).Str("op", op).Msg("handler failed notification")
	return err
}

func (b *Bridge) pushName(kind telemetry.Kind, name string, hr abi.Status) {
	_ = b.push(telemetry.NameEvent{Kind: kind, Time: telemetry.Now(), Name: name, Status: int32(hr)})
}

func (b *Bridge) pushID(kind telemetry.Kind, id uint64) {
	_ = b.push(telemetry.IDEvent{Kind: kind, Time: telemetry.Now(), ID: id})
}

// push never blocks. Rejected events are counted and logged; the
// notification that produced them still succeeds.
func (b *Bridge) push(ev telemetry.Event) error {
	kind := string(ev.EventKind())
	q := b.queue.Load()
	if q == nil {
		observability.RecordEvent(kind, observability.EventClosed)
		return telemetry.ErrQueueClosed
	}
	err := q.Push(ev)
	switch {
	case err == nil:
		observability.RecordEvent(kind, observability.EventQueued)
	case errors.Is(err, telemetry.ErrQueueFull):
		observability.RecordEvent(kind, observability.EventDropped)
		b.log.Debug().Str("kind", kind).Uint64("dropped", q.Dropped()).Msg("event queue full")
	default:
		observability.RecordEvent(kind, observability.EventClosed)
		b.log.Debug().Err(err).Str("kind", kind).Msg("event not queued")
	}
	return err
}
