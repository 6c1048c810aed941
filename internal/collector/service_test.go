package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/danmuck/clrtrace/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func serveRoute(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestServiceRoutesExposeStore(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewService(ServiceConfig{Name: "collector-test"})
	svc.Store().Start(testPeer, session.Start{PID: 31, Cmd: "app", Path: "/"})
	svc.Store().Record(testPeer, session.TimestampEvent{PID: 31, Kind: "exception_thrown", Time: 1, Payload: "System.Exception"})
	router := svc.Router()

	rr := serveRoute(t, router, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rr.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["service"] != "collector-test" || health["sessions"] != float64(1) {
		t.Fatalf("unexpected healthz body %v", health)
	}

	rr = serveRoute(t, router, "/sessions/31")
	if rr.Code != http.StatusOK {
		t.Fatalf("session status %d body=%s", rr.Code, rr.Body.String())
	}
	var rec SessionRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.PID != 31 || rec.Kinds["exception_thrown"] != 1 || !rec.Active {
		t.Fatalf("unexpected record %+v", rec)
	}

	if rr := serveRoute(t, router, "/sessions/32"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := serveRoute(t, router, "/sessions/abc"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = serveRoute(t, router, "/events/recent?limit=5")
	var recent struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent.Events) != 1 || recent.Events[0].Type != "timestamp_event" {
		t.Fatalf("unexpected recent events %+v", recent.Events)
	}

	if rr := serveRoute(t, router, "/metrics"); rr.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rr.Code)
	}
}

func TestServiceAdminTokenGuardsInspection(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	router := NewService(ServiceConfig{Name: "collector-test", AdminToken: "s3cret"}).Router()

	if rr := serveRoute(t, router, "/sessions"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := serveRoute(t, router, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/events/recent", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}

func TestServiceRunRequiresListener(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{})
	if err := svc.Run(context.Background()); err == nil {
		t.Fatalf("expected error with no listeners")
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg := ServiceConfig{TCPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"}
	svc := NewService(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}
