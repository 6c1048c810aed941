package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/protocol/schema"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const WSPath = "/ws"

// Envelope is one JSON text frame. Requests carry the schema name of the
// body; replies use type "ack" and echo the request id.
type Envelope struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id"`
	Body json.RawMessage `json:"body"`
}

func encodeEnvelope(id uint64, msg session.Message) (Envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: schema.Name(msg.MessageType()), ID: id, Body: body}, nil
}

func decodeEnvelope(env Envelope) (session.Message, error) {
	mt, ok := schema.TypeOf(env.Type)
	if !ok || mt == schema.MsgAck {
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownMessage, env.Type)
	}
	msg, err := session.NewMessage(mt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidMessage, err)
	}
	msg = session.Value(msg)
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// WSTransport sends envelopes over one websocket connection.
type WSTransport struct {
	conn   *websocket.Conn
	cfg    session.Config
	nextID uint64
	mu     sync.Mutex
	closed bool
}

// DialWS connects to ws://addr/ws, or wss:// when TLS is enabled.
func DialWS(ctx context.Context, addr string, cfg session.Config) (*WSTransport, error) {
	if addr == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: WSPath}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ClientTLSConfig(addr)
		if err != nil {
			return nil, err
		}
		u.Scheme = "wss"
		dialer.TLSClientConfig = tlsCfg
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(int64(cfg.MaxPayloadBytes))
	return &WSTransport{conn: conn, cfg: cfg, nextID: uint64(time.Now().UnixNano())}, nil
}

func (t *WSTransport) StartSession(ctx context.Context, start session.Start) (session.Ack, error) {
	return t.roundTrip(ctx, start)
}

func (t *WSTransport) FinishSession(ctx context.Context, finish session.Finish) error {
	return ackError(t.roundTrip(ctx, finish))
}

func (t *WSTransport) Send(ctx context.Context, msg session.Message) error {
	return ackError(t.roundTrip(ctx, msg))
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.Close()
}

func (t *WSTransport) roundTrip(ctx context.Context, msg session.Message) (session.Ack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return session.Ack{}, ErrClosed
	}
	msg = session.Value(msg)
	if err := msg.Validate(); err != nil {
		return session.Ack{}, err
	}
	t.nextID++
	env, err := encodeEnvelope(t.nextID, msg)
	if err != nil {
		return session.Ack{}, err
	}
	ack, err := t.exchange(ctx, env)
	if err != nil {
		// gorilla keeps read errors sticky, and a late ack would answer the
		// next request anyway
		t.closed = true
		_ = t.conn.Close()
	}
	return ack, err
}

func (t *WSTransport) exchange(ctx context.Context, env Envelope) (session.Ack, error) {
	_ = t.conn.SetWriteDeadline(deadline(ctx, t.cfg.WriteTimeout))
	if err := t.conn.WriteJSON(env); err != nil {
		return session.Ack{}, err
	}
	_ = t.conn.SetReadDeadline(deadline(ctx, t.cfg.ReadTimeout))
	var reply Envelope
	if err := t.conn.ReadJSON(&reply); err != nil {
		return session.Ack{}, err
	}
	if reply.Type != schema.Name(schema.MsgAck) || reply.ID != env.ID {
		return session.Ack{}, fmt.Errorf("%w: sent=%d got=%s/%d", ErrAckMismatch, env.ID, reply.Type, reply.ID)
	}
	var ack session.Ack
	if err := json.Unmarshal(reply.Body, &ack); err != nil {
		return session.Ack{}, err
	}
	return ack, nil
}

// WSServer upgrades agent connections on the collector's HTTP listener.
type WSServer struct {
	cfg      session.Config
	sink     Sink
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSServer(cfg session.Config, sink Sink) *WSServer {
	cfg = cfg.WithDefaults()
	return &WSServer{
		cfg:  cfg,
		sink: sink,
		log:  logging.Component("collector.ws"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Handle is the gin route for WSPath.
func (s *WSServer) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("ws upgrade")
		return
	}
	p := Peer{Transport: TransportWS, Remote: c.Request.RemoteAddr}
	if tlsState := c.Request.TLS; tlsState != nil && len(tlsState.PeerCertificates) > 0 {
		p.Identity = session.PeerIdentity(tlsState.PeerCertificates[0])
	}
	s.serveConn(conn, p)
}

func (s *WSServer) serveConn(conn *websocket.Conn, p Peer) {
	defer conn.Close()
	s.log.Debug().Str("remote", p.Remote).Msg("agent connected")
	defer s.log.Debug().Str("remote", p.Remote).Msg("agent disconnected")

	b := &binding{sink: s.sink, peer: p}
	defer b.close()

	conn.SetReadLimit(int64(s.cfg.MaxPayloadBytes))
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		var ack session.Ack
		msg, err := decodeEnvelope(env)
		switch {
		case err == nil:
			ack = b.handle(msg)
		case errors.Is(err, session.ErrUnknownMessage):
			ack = reject(AckCodeUnsupported, err.Error())
		default:
			ack = reject(AckCodeInvalid, err.Error())
		}
		reply, err := encodeEnvelope(env.ID, ack)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			s.log.Warn().Err(err).Str("remote", p.Remote).Msg("write ack")
			return
		}
		if !b.started {
			if !ack.OK {
				return
			}
			continue
		}
		_ = conn.SetReadDeadline(time.Time{})
	}
}
