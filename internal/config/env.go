package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvConfig        = "CLRTRACE_CONFIG"
	EnvCollectorAddr = "CLRTRACE_COLLECTOR_ADDR"
	EnvTransport     = "CLRTRACE_TRANSPORT"
	EnvQueueSize     = "CLRTRACE_QUEUE_SIZE"
)

// AgentFromEnv resolves the agent config the way a host-loaded library
// must: no flags, only CLRTRACE_CONFIG and per-field overrides.
func AgentFromEnv() (Agent, error) {
	cfg := DefaultAgent()
	if path := strings.TrimSpace(os.Getenv(EnvConfig)); path != "" {
		loaded, err := LoadAgent(path)
		if err != nil {
			return Agent{}, err
		}
		cfg = loaded
	}
	if err := ApplyAgentEnv(&cfg); err != nil {
		return Agent{}, err
	}
	if err := ValidateAgent(cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func ApplyAgentEnv(cfg *Agent) error {
	if v := strings.TrimSpace(os.Getenv(EnvCollectorAddr)); v != "" {
		cfg.Client.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransport)); v != "" {
		cfg.Client.Transport = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvQueueSize)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", EnvQueueSize, v)
		}
		cfg.Profiler.QueueSize = n
	}
	return nil
}
