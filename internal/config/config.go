package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/clrtrace/internal/collector"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("config: unknown file format")

// Duration reads "250ms"-style strings from toml and yaml files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

type BackoffFile struct {
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool     `toml:"jitter" yaml:"jitter"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// TransportFile is the [session] table shared by agent and collector files.
type TransportFile struct {
	SecurityMode     string      `toml:"security_mode" yaml:"security_mode"`
	TLS              TLSFile     `toml:"tls" yaml:"tls"`
	ConnectTimeout   Duration    `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout Duration    `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout      Duration    `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     Duration    `toml:"write_timeout" yaml:"write_timeout"`
	CompressAbove    int         `toml:"compress_above" yaml:"compress_above"`
	MaxPayloadBytes  uint64      `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	Backoff          BackoffFile `toml:"backoff" yaml:"backoff"`
}

// AgentFile is the on-disk form of the in-process agent settings.
type AgentFile struct {
	Transport          string        `toml:"transport" yaml:"transport"`
	CollectorAddr      string        `toml:"collector_addr" yaml:"collector_addr"`
	Events             []string      `toml:"events" yaml:"events"`
	QueueSize          int           `toml:"queue_size" yaml:"queue_size"`
	TrackObjects       int           `toml:"track_objects" yaml:"track_objects"`
	FlushWindow        Duration      `toml:"flush_window" yaml:"flush_window"`
	ShutdownWait       Duration      `toml:"shutdown_wait" yaml:"shutdown_wait"`
	MaxConnectAttempts int           `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	Session            TransportFile `toml:"session" yaml:"session"`
}

// CollectorFile is the on-disk form of collector.ServiceConfig.
type CollectorFile struct {
	Name        string        `toml:"name" yaml:"name"`
	TCPAddr     string        `toml:"tcp_addr" yaml:"tcp_addr"`
	GRPCAddr    string        `toml:"grpc_addr" yaml:"grpc_addr"`
	HTTPAddr    string        `toml:"http_addr" yaml:"http_addr"`
	RecentLimit int           `toml:"recent_limit" yaml:"recent_limit"`
	AdminToken  string        `toml:"admin_token" yaml:"admin_token"`
	Session     TransportFile `toml:"session" yaml:"session"`
}

// LoadAgent reads an agent file over the defaults. Keys absent from the
// file keep their default values.
func LoadAgent(path string) (Agent, error) {
	file := agentFile(DefaultAgent())
	if err := decodeFile(path, &file); err != nil {
		return Agent{}, err
	}
	cfg, err := file.Agent()
	if err != nil {
		return Agent{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	if err := ValidateAgent(cfg); err != nil {
		return Agent{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func LoadCollector(path string) (collector.ServiceConfig, error) {
	file := collectorFile(collector.DefaultServiceConfig())
	if err := decodeFile(path, &file); err != nil {
		return collector.ServiceConfig{}, err
	}
	cfg := file.ServiceConfig()
	if err := ValidateCollector(cfg); err != nil {
		return collector.ServiceConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func ValidateAgent(cfg Agent) error {
	if !collector.ValidTransport(cfg.Client.Transport) {
		return fmt.Errorf("unknown transport %q", cfg.Client.Transport)
	}
	if strings.TrimSpace(cfg.Client.Addr) == "" {
		return fmt.Errorf("agent config missing collector_addr")
	}
	if cfg.Profiler.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if cfg.Profiler.TrackObjects < 0 || cfg.Profiler.MaxConnectAttempts < 0 {
		return fmt.Errorf("track_objects and max_connect_attempts must not be negative")
	}
	return cfg.Client.Session.ValidateClientTransport()
}

func ValidateCollector(cfg collector.ServiceConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("collector config missing name")
	}
	if strings.TrimSpace(cfg.TCPAddr+cfg.GRPCAddr+cfg.HTTPAddr) == "" {
		return fmt.Errorf("collector config needs at least one of tcp_addr, grpc_addr, http_addr")
	}
	return cfg.Session.ValidateServerTransport()
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(out)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(out)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
