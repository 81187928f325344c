package config

import "time"

// Config is the agentrun host daemon's process-wide configuration. Every
// field is loaded by Load (koanf defaults + env overrides) and checked by
// Validate before the daemon binds anything.
type Config struct {
	Server    ServerConfig    `koanf:"server" validate:"required"`
	Ports     PortRangeConfig `koanf:"ports" validate:"required"`
	Storage   StorageConfig   `koanf:"storage" validate:"required"`
	Fetch     FetchConfig     `koanf:"fetch" validate:"required"`
	Build     BuildConfig     `koanf:"build" validate:"required"`
	Deploy    DeployConfig    `koanf:"deploy" validate:"required"`
	Log       LogConfig       `koanf:"log" validate:"required"`
	Metrics   MetricsConfig   `koanf:"metrics" validate:"required"`
}

// ServerConfig controls the control API's own listener.
type ServerConfig struct {
	BindAddr        string        `koanf:"bind_addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"required,gt=0"`
}

// PortRangeConfig describes the three disjoint ranges the Port Allocator
// hands out from, per spec.md's defaults (REST 8080-8180, RPC 50051-50151,
// UI 3000-3100).
type PortRangeConfig struct {
	RESTMin int `koanf:"rest_min" validate:"required,min=1,max=65535"`
	RESTMax int `koanf:"rest_max" validate:"required,min=1,max=65535,gtefield=RESTMin"`
	RPCMin  int `koanf:"rpc_min" validate:"required,min=1,max=65535"`
	RPCMax  int `koanf:"rpc_max" validate:"required,min=1,max=65535,gtefield=RPCMin"`
	UIMin   int `koanf:"ui_min" validate:"required,min=1,max=65535"`
	UIMax   int `koanf:"ui_max" validate:"required,min=1,max=65535,gtefield=UIMin"`
}

// StorageConfig is where the package cache and built environments live on
// disk.
type StorageConfig struct {
	PackageCacheDir string `koanf:"package_cache_dir" validate:"required"`
	EnvironmentsDir string `koanf:"environments_dir" validate:"required"`
	MaxEnvironments int    `koanf:"max_environments" validate:"required,gt=0"`
	MaxEnvBytes     int64  `koanf:"max_env_bytes" validate:"required,gt=0"`
}

// FetchConfig bounds the Fetcher component.
type FetchConfig struct {
	MaxPackageBytes int64         `koanf:"max_package_bytes" validate:"required,gt=0"`
	Timeout         time.Duration `koanf:"timeout" validate:"required,gt=0"`
	RetryInitial    time.Duration `koanf:"retry_initial" validate:"required,gt=0"`
	RetryMax        time.Duration `koanf:"retry_max" validate:"required,gtefield=RetryInitial"`
	RetryFactor     float64       `koanf:"retry_factor" validate:"required,gt=1"`
	RetryMaxAttempts int          `koanf:"retry_max_attempts" validate:"required,gt=0"`
}

// BuildConfig bounds the Environment Builder.
type BuildConfig struct {
	InstallTimeout time.Duration `koanf:"install_timeout" validate:"required,gt=0"`
}

// DeployConfig holds the default phase timeouts the Deployment Manager
// enforces (spec.md §4.8's "each phase has a timeout").
type DeployConfig struct {
	ReadinessTimeout        time.Duration `koanf:"readiness_timeout" validate:"required,gt=0"`
	ReadinessPollInterval   time.Duration `koanf:"readiness_poll_interval" validate:"required,gt=0"`
	GracefulShutdownTimeout time.Duration `koanf:"graceful_shutdown_timeout" validate:"required,gt=0"`
}

// LogConfig controls the process-wide zerolog logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"required,oneof=debug info warn error"`
	Format string `koanf:"format" validate:"required,oneof=json console"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	BindAddr string `koanf:"bind_addr" validate:"required_if=Enabled true"`
}
