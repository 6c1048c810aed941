package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/danmuck/clrtrace/internal/collector"
	"github.com/danmuck/clrtrace/internal/profiler"
	"github.com/danmuck/clrtrace/internal/protocol/session"
)

// Agent is the resolved in-process agent configuration.
type Agent struct {
	Client   collector.ClientConfig
	Profiler profiler.Config
}

func DefaultAgent() Agent {
	client := collector.ClientConfig{}.WithDefaults()
	prof := profiler.DefaultConfig()
	prof.Transport = client.Session
	return Agent{Client: client, Profiler: prof}
}

// eventGroups maps file names to host event mask bits.
var eventGroups = map[string]abi.EventMask{
	"class_loads":     abi.MonitorClassLoads,
	"module_loads":    abi.MonitorModuleLoads,
	"assembly_loads":  abi.MonitorAssemblyLoads,
	"appdomain_loads": abi.MonitorAppDomainLoads,
	"jit":             abi.MonitorJITCompilation,
	"exceptions":      abi.MonitorExceptions,
	"gc":              abi.MonitorGC,
	"threads":         abi.MonitorThreads,
	"suspends":        abi.MonitorSuspends,
	"allocations":     abi.MonitorObjectAllocated | abi.EnableObjectAllocated,
}

func ParseEventMask(names []string) (abi.EventMask, error) {
	var mask abi.EventMask
	for _, name := range names {
		bits, ok := eventGroups[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown event group %q", name)
		}
		mask |= bits
	}
	return mask, nil
}

// EventNames lists the groups fully contained in mask, sorted.
func EventNames(mask abi.EventMask) []string {
	names := make([]string, 0, len(eventGroups))
	for name, bits := range eventGroups {
		if mask.Has(bits) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func agentFile(cfg Agent) AgentFile {
	return AgentFile{
		Transport:          cfg.Client.Transport,
		CollectorAddr:      cfg.Client.Addr,
		Events:             EventNames(cfg.Profiler.EventMask),
		QueueSize:          cfg.Profiler.QueueSize,
		TrackObjects:       cfg.Profiler.TrackObjects,
		FlushWindow:        Duration(cfg.Profiler.FlushWindow),
		ShutdownWait:       Duration(cfg.Profiler.ShutdownWait),
		MaxConnectAttempts: cfg.Profiler.MaxConnectAttempts,
		Session:            transportFile(cfg.Client.Session),
	}
}

func (f AgentFile) Agent() (Agent, error) {
	mask, err := ParseEventMask(f.Events)
	if err != nil {
		return Agent{}, err
	}
	client := collector.ClientConfig{
		Transport: f.Transport,
		Addr:      f.CollectorAddr,
		Session:   f.Session.Config(),
	}.WithDefaults()
	return Agent{
		Client: client,
		Profiler: profiler.Config{
			EventMask:          mask,
			QueueSize:          f.QueueSize,
			ShutdownWait:       time.Duration(f.ShutdownWait),
			FlushWindow:        time.Duration(f.FlushWindow),
			MaxConnectAttempts: f.MaxConnectAttempts,
			TrackObjects:       f.TrackObjects,
			Transport:          client.Session,
		},
	}, nil
}

func collectorFile(cfg collector.ServiceConfig) CollectorFile {
	return CollectorFile{
		Name:        cfg.Name,
		TCPAddr:     cfg.TCPAddr,
		GRPCAddr:    cfg.GRPCAddr,
		HTTPAddr:    cfg.HTTPAddr,
		RecentLimit: cfg.RecentLimit,
		AdminToken:  cfg.AdminToken,
		Session:     transportFile(cfg.Session),
	}
}

func (f CollectorFile) ServiceConfig() collector.ServiceConfig {
	return collector.ServiceConfig{
		Name:        strings.TrimSpace(f.Name),
		TCPAddr:     strings.TrimSpace(f.TCPAddr),
		GRPCAddr:    strings.TrimSpace(f.GRPCAddr),
		HTTPAddr:    strings.TrimSpace(f.HTTPAddr),
		RecentLimit: f.RecentLimit,
		AdminToken:  strings.TrimSpace(f.AdminToken),
		Session:     f.Session.Config(),
	}
}

func transportFile(c session.Config) TransportFile {
	return TransportFile{
		SecurityMode: string(c.SecurityMode),
		TLS: TLSFile{
			Enabled:            c.TLS.Enabled,
			Mutual:             c.TLS.Mutual,
			CertFile:           c.TLS.CertFile,
			KeyFile:            c.TLS.KeyFile,
			CAFile:             c.TLS.CAFile,
			ServerName:         c.TLS.ServerName,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		},
		ConnectTimeout:   Duration(c.ConnectTimeout),
		HandshakeTimeout: Duration(c.HandshakeTimeout),
		ReadTimeout:      Duration(c.ReadTimeout),
		WriteTimeout:     Duration(c.WriteTimeout),
		CompressAbove:    c.CompressAbove,
		MaxPayloadBytes:  c.MaxPayloadBytes,
		Backoff: BackoffFile{
			InitialDelay: Duration(c.Backoff.InitialDelay),
			Multiplier:   c.Backoff.Multiplier,
			MaxDelay:     Duration(c.Backoff.MaxDelay),
			Jitter:       c.Backoff.Jitter,
		},
	}
}

func (f TransportFile) Config() session.Config {
	return session.Config{
		SecurityMode: session.SecurityMode(strings.TrimSpace(f.SecurityMode)),
		TLS: session.TLSConfig{
			Enabled:            f.TLS.Enabled,
			Mutual:             f.TLS.Mutual,
			CertFile:           strings.TrimSpace(f.TLS.CertFile),
			KeyFile:            strings.TrimSpace(f.TLS.KeyFile),
			CAFile:             strings.TrimSpace(f.TLS.CAFile),
			ServerName:         strings.TrimSpace(f.TLS.ServerName),
			InsecureSkipVerify: f.TLS.InsecureSkipVerify,
		},
		ConnectTimeout:   time.Duration(f.ConnectTimeout),
		HandshakeTimeout: time.Duration(f.HandshakeTimeout),
		ReadTimeout:      time.Duration(f.ReadTimeout),
		WriteTimeout:     time.Duration(f.WriteTimeout),
		CompressAbove:    f.CompressAbove,
		MaxPayloadBytes:  f.MaxPayloadBytes,
		Backoff: session.BackoffConfig{
			InitialDelay: time.Duration(f.Backoff.InitialDelay),
			Multiplier:   f.Backoff.Multiplier,
			MaxDelay:     time.Duration(f.Backoff.MaxDelay),
			Jitter:       f.Backoff.Jitter,
		},
	}.WithDefaults()
}
