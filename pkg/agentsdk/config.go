package agentsdk

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nestframe/agentrun/pkg/errs"
)

// Config is the child process's own view of its environment, parsed once
// at the top of Run. Every field corresponds to one of spec.md's Runtime
// configuration variables; nothing here is silently defaulted when
// present-but-bad.
type Config struct {
	AgentAppID string

	RESTPort int
	RPCPort  int
	UIPort   int

	Multiplexed bool
	BasePath    string

	PackagePath string // AGENT_PACKAGE_PATH, may be empty if PackageURL is set
	PackageURL  string
	PackageFingerprint string
	MaxPackageSizeMB   int
	PackageSourceBucket string

	BootBudget            time.Duration
	BootHardLimitMultiplier float64
	BootFailureCount      int

	GracefulShutdownTimeout time.Duration

	// Environment is an empty map after LoadConfig; nothing in this
	// package fills it.
	Environment map[string]string
}

// LoadConfig reads and validates Config from the process environment.
// Every invalid field is collected and reported together, matching
// spec.md §6's "structured error enumerating every invalid field".
func LoadConfig(environ []string) (*Config, error) {
	env := envMap(environ)

	var problems []string

	cfg := &Config{
		AgentAppID:  env["AGENT_APP_ID"],
		PackagePath: env["AGENT_PACKAGE_PATH"],
		PackageURL:  env["PACKAGE_URL"],
		PackageFingerprint: env["PACKAGE_FINGERPRINT"],
		PackageSourceBucket: env["PACKAGE_SOURCE_BUCKET"],
		Multiplexed: true,
		BasePath:    "/",
		MaxPackageSizeMB: 100,
		BootBudget: 5000 * time.Millisecond,
		BootHardLimitMultiplier: 2.0,
		GracefulShutdownTimeout: 30 * time.Second,
		Environment: map[string]string{},
	}

	if cfg.AgentAppID == "" {
		problems = append(problems, "AGENT_APP_ID: required, non-empty")
	}

	cfg.RESTPort = intEnv(env, "REST_PORT", 8080, &problems)
	cfg.RPCPort = intEnv(env, "RPC_PORT", 50051, &problems)
	cfg.UIPort = intEnv(env, "UI_PORT", 3000, &problems)

	for _, p := range []struct {
		name string
		port int
	}{{"REST_PORT", cfg.RESTPort}, {"RPC_PORT", cfg.RPCPort}, {"UI_PORT", cfg.UIPort}} {
		if p.port < 1 || p.port > 65535 {
			problems = append(problems, fmt.Sprintf("%s: must be in [1, 65535], got %d", p.name, p.port))
		}
	}
	if cfg.RESTPort != 0 && cfg.RESTPort == cfg.RPCPort {
		problems = append(problems, "REST_PORT and RPC_PORT must be distinct")
	}
	if cfg.RESTPort != 0 && cfg.RESTPort == cfg.UIPort {
		problems = append(problems, "REST_PORT and UI_PORT must be distinct")
	}
	if cfg.RPCPort != 0 && cfg.RPCPort == cfg.UIPort {
		problems = append(problems, "RPC_PORT and UI_PORT must be distinct")
	}

	if v, ok := env["MULTIPLEXED"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, "MULTIPLEXED: must be a bool")
		} else {
			cfg.Multiplexed = b
		}
	}

	if v, ok := env["BASE_PATH"]; ok && v != "" {
		cfg.BasePath = v
	} else {
		cfg.BasePath = "/agents/" + cfg.AgentAppID
	}
	cfg.BasePath = normalizeBasePath(cfg.BasePath)

	if v, ok := env["MAX_PACKAGE_SIZE_MB"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			problems = append(problems, "MAX_PACKAGE_SIZE_MB: must be a positive integer")
		} else {
			cfg.MaxPackageSizeMB = n
		}
	}

	if v, ok := env["BOOT_BUDGET_MS"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			problems = append(problems, "BOOT_BUDGET_MS: must be a positive integer")
		} else {
			cfg.BootBudget = time.Duration(n) * time.Millisecond
		}
	}

	if v, ok := env["BOOT_HARD_LIMIT_MULTIPLIER"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			problems = append(problems, "BOOT_HARD_LIMIT_MULTIPLIER: must be a positive number")
		} else {
			cfg.BootHardLimitMultiplier = f
		}
	}

	if v, ok := env["BOOT_FAILURE_COUNT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			problems = append(problems, "BOOT_FAILURE_COUNT: must be a non-negative integer")
		} else {
			cfg.BootFailureCount = n
		}
	}

	if v, ok := env["GRACEFUL_SHUTDOWN_TIMEOUT_SEC"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			problems = append(problems, "GRACEFUL_SHUTDOWN_TIMEOUT_SEC: must be a positive integer")
		} else {
			cfg.GracefulShutdownTimeout = time.Duration(n) * time.Second
		}
	}

	if cfg.PackagePath == "" && cfg.PackageURL == "" {
		problems = append(problems, "one of AGENT_PACKAGE_PATH or PACKAGE_URL is required")
	}

	if len(problems) > 0 {
		return nil, errs.New(errs.KindConfigInvalid, strings.Join(problems, "; "))
	}

	return cfg, nil
}

func intEnv(env map[string]string, key string, def int, problems *[]string) int {
	v, ok := env[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s: must be numeric, got %q", key, v))
		return 0
	}
	return n
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		m[parts[0]] = parts[1]
	}
	return m
}

func normalizeBasePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// osEnviron returns the process environment that Run passes to
// LoadConfig.
func osEnviron() []string { return os.Environ() }
