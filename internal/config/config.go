// Package config loads and validates dotbot configuration for both the
// server and the local agent.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration for the dotbot server.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Dot           DotConfig           `yaml:"dot"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CurrentVersion is the config schema version this build reads.
const CurrentVersion = 1

// VersionError reports a config file whose schema version this build
// cannot load.
type VersionError struct {
	Found  int
	TooNew bool
}

func (e *VersionError) Error() string {
	if e.TooNew {
		return fmt.Sprintf("config version %d requires a newer dotbot build (this one reads version %d)", e.Found, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not supported; set version: %d", e.Found, CurrentVersion)
}

func checkVersion(v int) error {
	switch {
	case v == CurrentVersion:
		return nil
	case v > CurrentVersion:
		return &VersionError{Found: v, TooNew: true}
	default:
		return &VersionError{Found: v}
	}
}

// Load reads, merges, and validates a server configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Server.applyDefaults()
	cfg.Database.applyDefaults()
	cfg.Auth.applyDefaults()
	cfg.LLM.applyDefaults()
	cfg.Dot.applyDefaults()
	cfg.Pipeline.applyDefaults()
	cfg.Tasks.applyDefaults()
	cfg.Observability.applyDefaults()
}

func (c *Config) validate() error {
	var problems []string
	for _, err := range []error{
		c.Server.validate(),
		c.Auth.validate(),
		c.LLM.validate(),
		c.Dot.validate(),
		c.Pipeline.validate(),
		c.Tasks.validate(),
		c.Observability.validate(),
	} {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
