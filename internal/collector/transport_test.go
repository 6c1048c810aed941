package collector

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/danmuck/clrtrace/internal/telemetry"
	"github.com/danmuck/clrtrace/internal/testutil/testlog"
	"github.com/danmuck/clrtrace/internal/testutil/tlstest"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func fastConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	return cfg
}

// startCarrier serves one transport on loopback and returns its address.
func startCarrier(t *testing.T, transport string, cfg session.Config) (string, *Store) {
	t.Helper()
	store := NewStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	switch transport {
	case TransportTCP:
		srv := NewTCPServer(cfg, store)
		ln, err := srv.Listen("127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen tcp: %v", err)
		}
		go func() { _ = srv.Serve(ctx, ln) }()
		return ln.Addr().String(), store
	case TransportGRPC:
		srv, err := NewGRPCServer(cfg, store)
		if err != nil {
			t.Fatalf("grpc server: %v", err)
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen grpc: %v", err)
		}
		go func() { _ = srv.Serve(ctx, ln) }()
		t.Cleanup(srv.Stop)
		return ln.Addr().String(), store
	case TransportWS:
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.GET(WSPath, NewWSServer(cfg, store).Handle)
		ts := httptest.NewServer(router)
		t.Cleanup(ts.Close)
		return strings.TrimPrefix(ts.URL, "http://"), store
	}
	t.Fatalf("unknown transport %q", transport)
	return "", nil
}

func TestSessionDeliversOverEveryTransport(t *testing.T) {
	for _, name := range []string{TransportTCP, TransportGRPC, TransportWS} {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			cfg := fastConfig()
			addr, store := startCarrier(t, name, cfg)

			dialer, err := NewDialer(ClientConfig{Transport: name, Addr: addr, Session: cfg})
			if err != nil {
				t.Fatalf("dialer: %v", err)
			}
			meta := telemetry.ProcessMeta{PID: 4100, Cmd: "dotnet app.dll", Path: "/usr/bin"}
			q := telemetry.NewQueue(16)
			s := telemetry.NewSession(meta, q, dialer, telemetry.WithTransportConfig(cfg))

			now := telemetry.Now()
			events := []telemetry.Event{
				telemetry.NameEvent{Kind: telemetry.KindModuleLoadStart, Time: now, Name: "System.Private.CoreLib.dll"},
				telemetry.IDEvent{Kind: telemetry.KindThreadCreated, Time: now, ID: 7},
				telemetry.AllocationEvent{Time: now, ObjectID: 0x10, Size: 24, ClassName: "System.String", Generation: session.Generation(0)},
				telemetry.GenerationsEvent{Time: now, Objects: []telemetry.ObjectGeneration{{ObjectID: 0x10, Generation: session.Generation(1)}}},
			}
			for _, ev := range events {
				if err := q.Push(ev); err != nil {
					t.Fatalf("push: %v", err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- s.Run(ctx) }()

			deadline := time.Now().Add(5 * time.Second)
			for s.Sent() < uint64(len(events)) && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			q.Shutdown()
			if err := <-errCh; err != nil {
				t.Fatalf("run: %v", err)
			}

			rec, ok := store.Get(meta.PID)
			if !ok {
				t.Fatalf("collector has no record for pid %d", meta.PID)
			}
			if rec.Transport != name || rec.Cmd != meta.Cmd {
				t.Fatalf("unexpected record header: %+v", rec)
			}
			if rec.Active || rec.FinishReason != "local_request" {
				t.Fatalf("expected finished session, got active=%v reason=%q", rec.Active, rec.FinishReason)
			}
			if rec.Messages != uint64(len(events))+1 {
				t.Fatalf("expected %d messages, got %d", len(events)+1, rec.Messages)
			}
			for _, kind := range []string{"module_load_start", "thread_created", "object_allocated", "generations_update"} {
				if rec.Kinds[kind] != 1 {
					t.Fatalf("expected one %s, got kinds=%v", kind, rec.Kinds)
				}
			}
			recent := store.Recent(0)
			alloc, ok := recent[2].(session.ObjectAllocated)
			if !ok || alloc.Generation == nil || *alloc.Generation != 0 || alloc.ClassName != "System.String" {
				t.Fatalf("allocation did not survive the wire: %#v", recent[2])
			}
		})
	}
}

func TestTCPRejectsEventBeforeStart(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	addr, _ := startCarrier(t, TransportTCP, cfg)
	tr, err := DialTCP(context.Background(), addr, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	err = tr.Send(context.Background(), session.TimestampEvent{PID: 1, Kind: "gc_started", Time: 1})
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "1004") {
		t.Fatalf("expected no-session rejection, got %v", err)
	}
	if _, err := tr.StartSession(context.Background(), session.Start{PID: 1, Cmd: "x", Path: "/"}); err == nil {
		t.Fatalf("expected connection to be closed after refused first request")
	}
}

func TestTCPDisconnectClosesSession(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	addr, store := startCarrier(t, TransportTCP, cfg)
	tr, err := DialTCP(context.Background(), addr, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ack, err := tr.StartSession(context.Background(), session.Start{PID: 12, Cmd: "x", Path: "/"})
	if err != nil || !ack.OK {
		t.Fatalf("start: ack=%+v err=%v", ack, err)
	}
	_ = tr.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := store.Get(12); !rec.Active {
			if rec.FinishReason != "disconnected" {
				t.Fatalf("unexpected reason %q", rec.FinishReason)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session still active after disconnect")
}

func TestTLSIdentityRecorded(t *testing.T) {
	for _, name := range []string{TransportTCP, TransportGRPC} {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			ca := tlstest.NewAuthority(t, "clrtrace-test-ca")
			serverCfg := fastConfig()
			serverCfg.TLS = ca.Collector(t, true)
			addr, store := startCarrier(t, name, serverCfg)

			clientCfg := fastConfig()
			clientCfg.TLS = ca.Agent(t, "agent-7")
			dialer, err := NewDialer(ClientConfig{Transport: name, Addr: addr, Session: clientCfg})
			if err != nil {
				t.Fatalf("dialer: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tr, err := dialer.Dial(ctx)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer tr.Close()
			ack, err := tr.StartSession(ctx, session.Start{PID: 77, Cmd: "x", Path: "/"})
			if err != nil || !ack.OK {
				t.Fatalf("start: ack=%+v err=%v", ack, err)
			}
			rec, _ := store.Get(77)
			if rec.Identity != "agent-7" {
				t.Fatalf("expected peer identity agent-7, got %q", rec.Identity)
			}
		})
	}
}

func TestTCPMutualTLSRequiresClientCert(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "clrtrace-test-ca")
	serverCfg := fastConfig()
	serverCfg.TLS = ca.Collector(t, true)
	addr, store := startCarrier(t, TransportTCP, serverCfg)

	clientCfg := fastConfig()
	clientCfg.TLS = ca.Agent(t, "")
	tr, err := DialTCP(context.Background(), addr, clientCfg)
	if err == nil {
		_, err = tr.StartSession(context.Background(), session.Start{PID: 78, Cmd: "x", Path: "/"})
		_ = tr.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake without client cert to fail")
	}
	if _, ok := store.Get(78); ok {
		t.Fatalf("session must not be recorded")
	}
}

func TestGRPCOverBufconnRejectsDuplicatePID(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	store := NewStore(0)
	srv, err := NewGRPCServer(cfg, store)
	if err != nil {
		t.Fatalf("grpc server: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(context.Background(), lis) }()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := DialGRPC(ctx, "passthrough:///bufnet", cfg,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	start := session.Start{PID: 55, Cmd: "x", Path: "/"}
	if ack, err := tr.StartSession(ctx, start); err != nil || !ack.OK {
		t.Fatalf("first start: ack=%+v err=%v", ack, err)
	}
	ack, err := tr.StartSession(ctx, start)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if ack.OK || ack.Code != AckCodeActive {
		t.Fatalf("expected active rejection, got %+v", ack)
	}
	err = tr.Send(ctx, session.TimestampIDEvent{PID: 56, Kind: "thread_created", Time: 1, ID: 2})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection for unknown pid, got %v", err)
	}
}

func TestGRPCDialGivesUpWhenUnreachable(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := DialGRPC(ctx, addr, fastConfig()); err == nil {
		t.Fatalf("expected dial to fail")
	}
}

func TestWSUnknownEnvelopeType(t *testing.T) {
	testlog.Start(t)
	addr, _ := startCarrier(t, TransportWS, fastConfig())
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+WSPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Envelope{Type: "heap_snapshot", ID: 3, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "ack" || reply.ID != 3 {
		t.Fatalf("unexpected reply envelope %+v", reply)
	}
	if !strings.Contains(string(reply.Body), `"code":1005`) {
		t.Fatalf("expected unsupported code, got %s", reply.Body)
	}
}

func TestNewDialerDefaultsAndRejectsUnknown(t *testing.T) {
	testlog.Start(t)
	cfg := ClientConfig{}.WithDefaults()
	if cfg.Transport != TransportGRPC || cfg.Addr != DefaultAddr {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := NewDialer(ClientConfig{Transport: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown transport error")
	}
	if !ValidTransport(TransportWS) || ValidTransport("udp") {
		t.Fatalf("ValidTransport mismatch")
	}
}

// slowAckCollector acks every frame, holding the ack of the second one
// past the client's read timeout.
func slowAckCollector(t *testing.T, hold time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		limits := session.DefaultConfig().Limits()
		reader := bufio.NewReader(conn)
		for n := 1; ; n++ {
			fr, err := session.ReadFrame(reader, limits)
			if err != nil {
				return
			}
			if n == 2 {
				time.Sleep(hold)
			}
			out, err := session.EncodeAckFrame(fr.Header.MessageID, session.Ack{OK: true}, limits)
			if err != nil {
				return
			}
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestTCPLateAckClosesTransport(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.ReadTimeout = 200 * time.Millisecond
	tr, err := DialTCP(context.Background(), slowAckCollector(t, 400*time.Millisecond), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()
	ctx := context.Background()

	if ack, err := tr.StartSession(ctx, session.Start{PID: 2, Cmd: "app", Path: "/"}); err != nil || !ack.OK {
		t.Fatalf("start: ack=%+v err=%v", ack, err)
	}
	err = tr.Send(ctx, session.TimestampEvent{PID: 2, Kind: "gc_started", Time: 1})
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	for i := 0; i < 3; i++ {
		err := tr.Send(ctx, session.TimestampEvent{PID: 2, Kind: "gc_finished", Time: float64(i + 2)})
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("send %d after timeout: expected ErrClosed, got %v", i, err)
		}
	}
	if err := tr.FinishSession(ctx, session.Finish{PID: 2, Reason: session.FinishLocalRequest}); !errors.Is(err, ErrClosed) {
		t.Fatalf("finish after timeout: expected ErrClosed, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close after failure: %v", err)
	}
}

func TestWSLateAckClosesTransport(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	upgrader := websocket.Upgrader{}
	router := gin.New()
	router.GET(WSPath, func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for n := 1; ; n++ {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if n == 2 {
				time.Sleep(400 * time.Millisecond)
			}
			reply, err := encodeEnvelope(env.ID, session.Ack{OK: true})
			if err != nil {
				return
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	cfg := fastConfig()
	cfg.ReadTimeout = 200 * time.Millisecond
	tr, err := DialWS(context.Background(), strings.TrimPrefix(ts.URL, "http://"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()
	ctx := context.Background()

	if ack, err := tr.StartSession(ctx, session.Start{PID: 3, Cmd: "app", Path: "/"}); err != nil || !ack.OK {
		t.Fatalf("start: ack=%+v err=%v", ack, err)
	}
	if err := tr.Send(ctx, session.TimestampEvent{PID: 3, Kind: "gc_started", Time: 1}); err == nil || errors.Is(err, ErrClosed) {
		t.Fatalf("expected the timed out send to report its own error, got %v", err)
	}
	if err := tr.Send(ctx, session.TimestampEvent{PID: 3, Kind: "gc_finished", Time: 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after timeout, got %v", err)
	}
	if err := tr.FinishSession(ctx, session.Finish{PID: 3, Reason: session.FinishLocalRequest}); !errors.Is(err, ErrClosed) {
		t.Fatalf("finish after timeout: expected ErrClosed, got %v", err)
	}
}
