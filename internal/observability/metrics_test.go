package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/clrtrace/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("collector-a", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordEvent("class_load_finished", EventQueued)
	RecordEvent("class_load_finished", EventDropped)
	RecordHandlerFailure("ClassLoadFinished")
	RecordMessage("timestamp_event", true)
	RecordConnectAttempt("refused")
	SetSessionState(1)
	RecordCollectorSession("grpc", true)
	RecordCollectorMessage("grpc", "timestamp_event", true)
	RecordCollectorFinish()
}

func TestRecordEventCountsByOutcome(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(agentEvents.WithLabelValues("thread_created", EventDropped))
	RecordEvent("thread_created", EventDropped)
	RecordEvent("thread_created", EventDropped)
	after := testutil.ToFloat64(agentEvents.WithLabelValues("thread_created", EventDropped))
	if after-before != 2 {
		t.Fatalf("expected 2 drops recorded, got %v", after-before)
	}
}

func TestRequestMiddlewareRecords(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(log.Logger), RequestMetricsMiddleware("collector-test"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("collector-test", "GET", "/ping", "200"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("collector-test", "GET", "/ping", "200"))
	if after-before != 1 {
		t.Fatalf("request not recorded")
	}
}

func TestRequestMetricsUseRouteTemplates(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestMetricsMiddleware("collector-routes"))
	r.GET("/sessions/:pid", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, path := range []string{"/sessions/1", "/sessions/2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("collector-routes", "GET", "/sessions/:pid", "404")); got != 2 {
		t.Fatalf("route template count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("collector-routes", "GET", "unmatched", "404")); got != 1 {
		t.Fatalf("unmatched count = %v, want 1", got)
	}
}
