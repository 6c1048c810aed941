package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/clrtrace/internal/collector"
	"github.com/danmuck/clrtrace/internal/testutil/testlog"
)

func TestResolveConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg != collector.DefaultServiceConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "collector.toml")
	body := "name = \"from-file\"\ngrpc_addr = \":6000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := resolveConfig([]string{"--config", path, "--tcp", "", "--http", "127.0.0.1:9191"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Name != "from-file" || cfg.GRPCAddr != ":6000" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.TCPAddr != "" || cfg.HTTPAddr != "127.0.0.1:9191" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestResolveConfigRejectsNoListeners(t *testing.T) {
	testlog.Start(t)
	if _, err := resolveConfig([]string{"--tcp=", "--grpc=", "--http="}); err == nil {
		t.Fatalf("expected error")
	}
}
