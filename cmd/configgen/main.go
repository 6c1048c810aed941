package main

import (
	"fmt"
	"os"

	"github.com/danmuck/clrtrace/internal/config"
	"github.com/danmuck/clrtrace/internal/observability"
	flag "github.com/spf13/pflag"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case config.KindAgent:
		return "clrtrace-agent.toml", nil
	case config.KindCollector:
		return "cmd/clrtrace-collector/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	kind := flag.StringP("kind", "k", config.KindAgent, "config kind: agent|collector")
	output := flag.StringP("output", "o", "", "output path for config template (.toml, .yaml or .yml)")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.StringP("input", "i", "", "config path for validation (defaults to the per-kind path)")
	force := flag.BoolP("force", "f", false, "overwrite existing config file")
	flag.Parse()

	logger := observability.InitLogger("configgen")

	if *validate {
		path := *input
		if path == "" {
			p, err := defaultPath(*kind)
			if err != nil {
				logger.Fatal().Err(err).Msg("validate")
			}
			path = p
		}
		var err error
		switch *kind {
		case config.KindAgent:
			_, err = config.LoadAgent(path)
		case config.KindCollector:
			_, err = config.LoadCollector(path)
		default:
			err = fmt.Errorf("unknown kind: %s", *kind)
		}
		if err != nil {
			logger.Error().Err(err).Msg("validate")
			os.Exit(1)
		}
		logger.Info().Str("kind", *kind).Str("path", path).Msg("config valid")
		return
	}

	target := *output
	if target == "" {
		p, err := defaultPath(*kind)
		if err != nil {
			logger.Fatal().Err(err).Msg("write template")
		}
		target = p
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		logger.Fatal().Err(err).Msg("write template")
	}
	logger.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
