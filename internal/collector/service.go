package collector

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/clrtrace/internal/auth"
	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/observability"
	"github.com/danmuck/clrtrace/internal/protocol/schema"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ServiceConfig names the listeners of one collector process. An empty
// address disables that listener.
type ServiceConfig struct {
	Name        string `toml:"name" yaml:"name"`
	TCPAddr     string `toml:"tcp_addr" yaml:"tcp_addr"`
	GRPCAddr    string `toml:"grpc_addr" yaml:"grpc_addr"`
	HTTPAddr    string `toml:"http_addr" yaml:"http_addr"`
	RecentLimit int    `toml:"recent_limit" yaml:"recent_limit"`
	// AdminToken, when set, is required as a bearer token on the
	// inspection routes.
	AdminToken string         `toml:"admin_token" yaml:"admin_token"`
	Session    session.Config `toml:"session" yaml:"session"`
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:        "clrtrace-collector",
		TCPAddr:     ":50052",
		GRPCAddr:    ":50051",
		HTTPAddr:    ":9090",
		RecentLimit: defaultRecentEvents,
		Session:     session.DefaultConfig(),
	}
}

// Service runs every configured carrier against one Store.
type Service struct {
	cfg   ServiceConfig
	store *Store
	tcp   *TCPServer
	ws    *WSServer
	log   zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultServiceConfig().Name
	}
	cfg.Session = cfg.Session.WithDefaults()
	store := NewStore(cfg.RecentLimit)
	return &Service{
		cfg:   cfg,
		store: store,
		tcp:   NewTCPServer(cfg.Session, store),
		ws:    NewWSServer(cfg.Session, store),
		log:   logging.Component("collector"),
	}
}

func (s *Service) Store() *Store {
	return s.store
}

// Router serves the websocket carrier next to the read-only HTTP surface.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(s.log))
	router.Use(observability.RequestMetricsMiddleware(s.cfg.Name))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  s.cfg.Name,
			"sessions": len(s.store.Snapshot()),
			"tcp":      s.tcp.Active(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	inspect := router.Group("/")
	if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
		inspect.Use(auth.Require(auth.StaticToken{Token: token}))
	}
	inspect.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.store.Snapshot()})
	})
	inspect.GET("/sessions/:pid", func(c *gin.Context) {
		pid, err := strconv.ParseUint(c.Param("pid"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
			return
		}
		rec, ok := s.store.Get(uint32(pid))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown pid"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})
	inspect.GET("/events/recent", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		recent := s.store.Recent(limit)
		out := make([]gin.H, 0, len(recent))
		for _, msg := range recent {
			out = append(out, gin.H{"type": schema.Name(msg.MessageType()), "body": msg})
		}
		c.JSON(http.StatusOK, gin.H{"events": out})
	})
	router.GET(WSPath, s.ws.Handle)
	return router
}

// Run listens on every configured address and blocks until ctx is done
// or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	observability.RegisterMetrics()
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	running := 0

	if addr := strings.TrimSpace(s.cfg.TCPAddr); addr != "" {
		ln, err := s.tcp.Listen(addr)
		if err != nil {
			return err
		}
		s.log.Info().Str("addr", ln.Addr().String()).Msg("tcp carrier listening")
		running++
		go func() { errs <- s.tcp.Serve(ctx, ln) }()
	}
	if addr := strings.TrimSpace(s.cfg.GRPCAddr); addr != "" {
		srv, err := NewGRPCServer(s.cfg.Session, s.store)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		s.log.Info().Str("addr", ln.Addr().String()).Msg("grpc carrier listening")
		running++
		go func() { errs <- srv.Serve(ctx, ln) }()
	}
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		tlsCfg, err := s.cfg.Session.ServerTLSConfig()
		if err != nil {
			return err
		}
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           s.Router(),
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
		}
		s.log.Info().Str("addr", addr).Msg("http listening")
		running++
		go func() { errs <- serveHTTP(ctx, httpSrv) }()
	}
	if running == 0 {
		return errors.New("collector: no listener configured")
	}

	var first error
	for i := 0; i < running; i++ {
		err := <-errs
		if err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
