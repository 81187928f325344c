package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/nestframe/agentrun/pkg/errs"
)

const envPrefix = "AGENTRUN_"

// Loader loads the host daemon's Config from defaults overridden by
// AGENTRUN_-prefixed environment variables. There is no file provider:
// the host daemon is meant to run from a small number of env vars in a
// process supervisor, not a config file search path.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		k:         koanf.New("."),
		envPrefix: envPrefix,
	}
}

// Load loads defaults, merges in environment variables, unmarshals into a
// Config, and validates it. Validation failure enumerates every invalid
// field in a single errs.Error of kind ConfigInvalid.
func (l *Loader) Load() (*Config, error) {
	if err := l.k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, "load config defaults", err)
	}

	if err := l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, l.envPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, "load config from environment", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, "unmarshal config", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks every struct tag and returns a single errs.Error of kind
// ConfigInvalid listing every invalid field, never just the first.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return errs.Wrap(errs.KindConfigInvalid, "validate config", err)
		}
		msgs := make([]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q constraint", fe.Namespace(), fe.Tag()))
		}
		return errs.New(errs.KindConfigInvalid, strings.Join(msgs, "; "))
	}

	if cfg.Ports.RESTMin > cfg.Ports.RESTMax ||
		cfg.Ports.RPCMin > cfg.Ports.RPCMax ||
		cfg.Ports.UIMin > cfg.Ports.UIMax {
		return errs.New(errs.KindConfigInvalid, "port ranges must have min <= max")
	}

	return nil
}

// Load loads the host daemon configuration with defaults overridden by
// environment variables.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// MustLoad loads the configuration or panics. Intended for use in
// cmd/agentrund's main, where a config error should abort startup before
// any logger or listener exists.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func defaults() map[string]any {
	return map[string]any{
		"server.bind_addr":        "0.0.0.0:7070",
		"server.shutdown_timeout": "30s",

		"ports.rest_min": 8080,
		"ports.rest_max": 8180,
		"ports.rpc_min":  50051,
		"ports.rpc_max":  50151,
		"ports.ui_min":   3000,
		"ports.ui_max":   3100,

		"storage.package_cache_dir": "/var/lib/agentrun/packages",
		"storage.environments_dir":  "/var/lib/agentrun/envs",
		"storage.max_environments":  50,
		"storage.max_env_bytes":     20 * 1024 * 1024 * 1024,

		"fetch.max_package_bytes":  100 * 1024 * 1024,
		"fetch.timeout":            "60s",
		"fetch.retry_initial":      "1s",
		"fetch.retry_max":          "30s",
		"fetch.retry_factor":       2.0,
		"fetch.retry_max_attempts": 3,

		"build.install_timeout": "300s",

		"deploy.readiness_timeout":         "60s",
		"deploy.readiness_poll_interval":   "1s",
		"deploy.graceful_shutdown_timeout": "30s",

		"log.level":  "info",
		"log.format": "json",

		"metrics.enabled":   true,
		"metrics.bind_addr": "0.0.0.0:9090",
	}
}
