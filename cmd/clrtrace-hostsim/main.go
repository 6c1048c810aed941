package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/danmuck/clrtrace/internal/collector"
	"github.com/danmuck/clrtrace/internal/config"
	"github.com/danmuck/clrtrace/internal/hostsim"
	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/observability"
	"github.com/danmuck/clrtrace/internal/profiler"
	flag "github.com/spf13/pflag"
)

type options struct {
	agent       config.Agent
	maxVersion  int
	allocations int
	runs        int
}

// resolveOptions starts from the agent file (or the environment the
// agent itself would read) and applies the flags that were set.
func resolveOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("clrtrace-hostsim", flag.ContinueOnError)
	path := fs.StringP("config", "c", "", "agent config file; defaults to $"+config.EnvConfig)
	transport := fs.StringP("transport", "t", "", "collector transport: tcp|grpc|ws")
	addr := fs.StringP("addr", "a", "", "collector address")
	events := fs.StringSlice("events", nil, "event groups to request, e.g. gc,threads,allocations")
	maxVersion := fs.Int("max-version", abi.HighestVersion(), "newest callback interface the simulated host knows")
	allocations := fs.Int("allocations", hostsim.DefaultWorkload().Allocations, "objects allocated per run")
	runs := fs.IntP("runs", "n", 1, "number of simulated process lifetimes")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var (
		agent config.Agent
		err   error
	)
	if p := strings.TrimSpace(*path); p != "" {
		if agent, err = config.LoadAgent(p); err == nil {
			err = config.ApplyAgentEnv(&agent)
		}
	} else {
		agent, err = config.AgentFromEnv()
	}
	if err != nil {
		return options{}, err
	}
	if fs.Changed("transport") {
		agent.Client.Transport = strings.ToLower(strings.TrimSpace(*transport))
	}
	if fs.Changed("addr") {
		agent.Client.Addr = strings.TrimSpace(*addr)
	}
	if fs.Changed("events") {
		mask, err := config.ParseEventMask(*events)
		if err != nil {
			return options{}, err
		}
		agent.Profiler.EventMask = mask
	}
	if err := config.ValidateAgent(agent); err != nil {
		return options{}, err
	}
	if *maxVersion < 1 || *maxVersion > abi.HighestVersion() {
		return options{}, fmt.Errorf("max-version must be between 1 and %d", abi.HighestVersion())
	}
	if *allocations < 0 || *runs < 1 {
		return options{}, fmt.Errorf("allocations must not be negative and runs must be positive")
	}
	return options{agent: agent, maxVersion: *maxVersion, allocations: *allocations, runs: *runs}, nil
}

func main() {
	opts, err := resolveOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "clrtrace-hostsim: %v\n", err)
		os.Exit(2)
	}
	// the agent shares this process, so use its profile; InitLogger then
	// only tags the logger
	logging.ConfigureAgent()
	logger := observability.InitLogger("clrtrace-hostsim")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, err := collector.NewDialer(opts.agent.Client)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector dialer")
	}
	factory := profiler.NewFactory(profiler.NewLoggingHandler(logger), dialer,
		profiler.WithConfig(opts.agent.Profiler),
		profiler.WithLogger(logger),
		profiler.WithContext(ctx),
	)

	w := hostsim.DefaultWorkload()
	w.Allocations = opts.allocations
	logger.Info().
		Str("transport", opts.agent.Client.Transport).
		Str("collector", opts.agent.Client.Addr).
		Strs("events", config.EventNames(opts.agent.Profiler.EventMask)).
		Int("runs", opts.runs).
		Msg("host simulation starting")

	for i := 0; i < opts.runs && ctx.Err() == nil; i++ {
		h, err := hostsim.Attach(factory, hostsim.NewRuntime(),
			hostsim.WithMaxVersion(opts.maxVersion),
			hostsim.WithLogger(logger),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("attach")
		}
		err = h.Run(ctx, w)
		h.Detach()
		if err != nil {
			logger.Error().Err(err).Int("run", i+1).Msg("workload failed")
			os.Exit(1)
		}
		logger.Info().Int("run", i+1).Int("version", h.Version()).Msg("workload complete")
	}
}
