package session

import (
	"time"

	"github.com/danmuck/clrtrace/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool          `toml:"jitter" yaml:"jitter"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Config defines transport/session reliability settings shared by every
// collector transport.
type Config struct {
	SecurityMode     SecurityMode  `toml:"security_mode" yaml:"security_mode"`
	TLS              TLSConfig     `toml:"tls" yaml:"tls"`
	ConnectTimeout   time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	// CompressAbove enables zstd frame compression on the tcp transport for
	// payloads above this size. Zero disables it.
	CompressAbove   int           `toml:"compress_above" yaml:"compress_above"`
	MaxPayloadBytes uint64        `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	Backoff         BackoffConfig `toml:"backoff" yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		SecurityMode:     SecurityModeDevelopment,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		MaxPayloadBytes:  frame.DefaultLimits().MaxPayloadBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig. Booleans and
// CompressAbove are kept as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	return c
}

// Limits returns frame limits for this config.
func (c Config) Limits() frame.Limits {
	l := frame.DefaultLimits()
	if c.MaxPayloadBytes > 0 {
		l.MaxPayloadBytes = c.MaxPayloadBytes
	}
	l.CompressAbove = c.CompressAbove
	return l
}
