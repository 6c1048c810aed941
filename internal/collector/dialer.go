package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/danmuck/clrtrace/internal/telemetry"
)

const DefaultAddr = "[::1]:50051"

// ClientConfig selects how an agent reaches its collector.
type ClientConfig struct {
	Transport string         `toml:"transport" yaml:"transport"`
	Addr      string         `toml:"addr" yaml:"addr"`
	Session   session.Config `toml:"session" yaml:"session"`
}

func (c ClientConfig) WithDefaults() ClientConfig {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportGRPC
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func ValidTransport(name string) bool {
	switch name {
	case TransportTCP, TransportGRPC, TransportWS:
		return true
	}
	return false
}

// NewDialer returns the telemetry dialer for the configured carrier. Each
// Dial opens a fresh connection.
func NewDialer(cfg ClientConfig) (telemetry.Dialer, error) {
	cfg = cfg.WithDefaults()
	var dial telemetry.DialerFunc
	switch cfg.Transport {
	case TransportTCP:
		dial = func(ctx context.Context) (telemetry.Transport, error) {
			return DialTCP(ctx, cfg.Addr, cfg.Session)
		}
	case TransportGRPC:
		dial = func(ctx context.Context) (telemetry.Transport, error) {
			return DialGRPC(ctx, cfg.Addr, cfg.Session)
		}
	case TransportWS:
		dial = func(ctx context.Context) (telemetry.Transport, error) {
			return DialWS(ctx, cfg.Addr, cfg.Session)
		}
	default:
		return nil, fmt.Errorf("collector: unknown transport %q", cfg.Transport)
	}
	return dial, nil
}
