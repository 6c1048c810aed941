package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/clrtrace/internal/collector"
	"github.com/danmuck/clrtrace/internal/config"
	"github.com/danmuck/clrtrace/internal/observability"
	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
)

// resolveConfig loads the optional config file, then applies only the
// flags the operator actually set.
func resolveConfig(args []string) (collector.ServiceConfig, error) {
	fs := flag.NewFlagSet("clrtrace-collector", flag.ContinueOnError)
	path := fs.StringP("config", "c", "", "collector config file (.toml, .yaml or .yml)")
	name := fs.String("name", "", "collector name reported by /healthz")
	tcpAddr := fs.String("tcp", "", "tcp carrier listen address (empty disables)")
	grpcAddr := fs.String("grpc", "", "grpc carrier listen address (empty disables)")
	httpAddr := fs.String("http", "", "http listen address for /ws, /metrics and /sessions (empty disables)")
	recent := fs.Int("recent", 0, "number of recent messages kept for /events/recent")
	adminToken := fs.String("admin-token", "", "bearer token required on /sessions and /events/recent")
	if err := fs.Parse(args); err != nil {
		return collector.ServiceConfig{}, err
	}

	cfg := collector.DefaultServiceConfig()
	if p := strings.TrimSpace(*path); p != "" {
		loaded, err := config.LoadCollector(p)
		if err != nil {
			return collector.ServiceConfig{}, err
		}
		cfg = loaded
	}
	if fs.Changed("name") {
		cfg.Name = strings.TrimSpace(*name)
	}
	if fs.Changed("tcp") {
		cfg.TCPAddr = strings.TrimSpace(*tcpAddr)
	}
	if fs.Changed("grpc") {
		cfg.GRPCAddr = strings.TrimSpace(*grpcAddr)
	}
	if fs.Changed("http") {
		cfg.HTTPAddr = strings.TrimSpace(*httpAddr)
	}
	if fs.Changed("recent") {
		cfg.RecentLimit = *recent
	}
	if fs.Changed("admin-token") {
		cfg.AdminToken = strings.TrimSpace(*adminToken)
	}
	if err := config.ValidateCollector(cfg); err != nil {
		return collector.ServiceConfig{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := resolveConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "clrtrace-collector: %v\n", err)
		os.Exit(2)
	}
	logger := observability.InitLogger("clrtrace-collector")
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("name", cfg.Name).
		Str("tcp", cfg.TCPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("tls", cfg.Session.TLS.Enabled).
		Msg("collector starting")
	if err := collector.NewService(cfg).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("collector stopped")
		os.Exit(1)
	}
	logger.Info().Msg("collector stopped")
}
