package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/clrtrace/internal/collector"
	"gopkg.in/yaml.v3"
)

const (
	KindAgent     = "agent"
	KindCollector = "collector"
)

// Template renders the defaults for kind in the format implied by ext
// (".toml", ".yaml" or ".yml").
func Template(kind, ext string) (string, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAgent:
		doc = agentFile(DefaultAgent())
	case KindCollector:
		doc = collectorFile(collector.DefaultServiceConfig())
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}

	var buf bytes.Buffer
	switch strings.ToLower(ext) {
	case ".toml":
		buf.WriteString("# clrtrace " + kind + " configuration\n\n")
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return "", err
		}
	case ".yaml", ".yml":
		buf.WriteString("# clrtrace " + kind + " configuration\n")
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return "", err
		}
		_ = enc.Close()
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, ext)
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind, filepath.Ext(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
