package collector

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/protocol/frame"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired = errors.New("collector: address required")
	ErrRejected        = errors.New("collector: request rejected")
	ErrAckMismatch     = errors.New("collector: ack does not match request")
	ErrClosed          = errors.New("collector: transport closed")
)

const (
	TransportTCP  = "tcp"
	TransportGRPC = "grpc"
	TransportWS   = "ws"
)

// TCPTransport speaks binary frames over one TCP or TLS connection. Each
// request waits for its Ack before the next is written.
type TCPTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    session.Config
	limits frame.Limits
	nextID uint64
	mu     sync.Mutex
}

// DialTCP connects to a tcp collector, running the TLS handshake when
// the config enables it.
func DialTCP(ctx context.Context, addr string, cfg session.Config) (*TCPTransport, error) {
	if addr == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	var conn net.Conn = rawConn
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ClientTLSConfig(addr)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return &TCPTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		limits: cfg.Limits(),
		nextID: uint64(time.Now().UnixNano()),
	}, nil
}

func (t *TCPTransport) StartSession(ctx context.Context, start session.Start) (session.Ack, error) {
	return t.roundTrip(ctx, start)
}

func (t *TCPTransport) FinishSession(ctx context.Context, finish session.Finish) error {
	return ackError(t.roundTrip(ctx, finish))
}

func (t *TCPTransport) Send(ctx context.Context, msg session.Message) error {
	return ackError(t.roundTrip(ctx, msg))
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) roundTrip(ctx context.Context, msg session.Message) (session.Ack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return session.Ack{}, ErrClosed
	}
	t.nextID++
	id := t.nextID
	payload, err := session.EncodeMessageFrame(id, msg, t.limits)
	if err != nil {
		return session.Ack{}, err
	}
	ack, err := t.exchange(ctx, id, payload)
	if err != nil {
		// a late ack would answer the next request, so the stream is unusable
		_ = t.conn.Close()
		t.conn = nil
	}
	return ack, err
}

func (t *TCPTransport) exchange(ctx context.Context, id uint64, payload []byte) (session.Ack, error) {
	if err := t.conn.SetWriteDeadline(deadline(ctx, t.cfg.WriteTimeout)); err != nil {
		return session.Ack{}, err
	}
	if _, err := t.conn.Write(payload); err != nil {
		return session.Ack{}, err
	}
	if err := t.conn.SetReadDeadline(deadline(ctx, t.cfg.ReadTimeout)); err != nil {
		return session.Ack{}, err
	}
	fr, err := session.ReadFrame(t.reader, t.limits)
	if err != nil {
		return session.Ack{}, err
	}
	if fr.Header.MessageID != id {
		return session.Ack{}, fmt.Errorf("%w: sent=%d got=%d", ErrAckMismatch, id, fr.Header.MessageID)
	}
	return session.DecodeAckFrame(fr)
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

func ackError(ack session.Ack, err error) error {
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: code=%d %s", ErrRejected, ack.Code, ack.Message)
	}
	return nil
}

// TCPServer accepts framed agent sessions.
type TCPServer struct {
	cfg  session.Config
	sink Sink
	log  zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

func NewTCPServer(cfg session.Config, sink Sink) *TCPServer {
	return &TCPServer{
		cfg:   cfg.WithDefaults(),
		sink:  sink,
		log:   logging.Component("collector.tcp"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen opens a plain or TLS listener according to the transport policy.
func (s *TCPServer) Listen(addr string) (net.Listener, error) {
	if err := s.cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := s.cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Serve accepts connections until ctx is done or ln is closed.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *TCPServer) Active() int64 {
	return s.active.Load()
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	s.log.Debug().Str("remote", remote).Int64("active", active).Msg("agent connected")
	defer func() {
		remaining := s.active.Add(-1)
		s.log.Debug().Str("remote", remote).Int64("active", remaining).Msg("agent disconnected")
	}()

	identity, err := s.authenticate(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("transport auth failed")
		return
	}
	b := &binding{sink: s.sink, peer: Peer{Transport: TransportTCP, Remote: remote, Identity: identity}}
	defer b.close()

	reader := bufio.NewReader(conn)
	limits := s.cfg.Limits()
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	for {
		fr, err := session.ReadFrame(reader, limits)
		if err != nil {
			return
		}
		var ack session.Ack
		msg, err := session.DecodeMessage(fr)
		switch {
		case errors.Is(err, session.ErrUnknownMessage):
			ack = reject(AckCodeUnsupported, err.Error())
		case err != nil:
			ack = reject(AckCodeInvalid, err.Error())
		default:
			ack = b.handle(msg)
		}
		out, err := session.EncodeAckFrame(fr.Header.MessageID, ack, limits)
		if err != nil {
			s.log.Warn().Err(err).Msg("encode ack")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := conn.Write(out); err != nil {
			s.log.Warn().Err(err).Str("remote", remote).Msg("write ack")
			return
		}
		if !b.started {
			if !ack.OK {
				return
			}
			continue
		}
		// agents may idle between notifications
		_ = conn.SetReadDeadline(time.Time{})
	}
}

func (s *TCPServer) authenticate(conn net.Conn) (string, error) {
	mode := session.NormalizeSecurityMode(s.cfg.SecurityMode)
	if !s.cfg.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return "", session.ErrTLSRequired
		}
		return "", nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("collector: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	state := tlsConn.ConnectionState()
	needPeer := s.cfg.TLS.Mutual || mode == session.SecurityModeProduction
	if len(state.PeerCertificates) == 0 {
		if needPeer {
			return "", session.ErrMTLSRequired
		}
		return "", nil
	}
	return session.PeerIdentity(state.PeerCertificates[0]), nil
}

func (s *TCPServer) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *TCPServer) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *TCPServer) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
