package envbuild

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/types"
)

const (
	noDepsFingerprint = "no-deps"
	metadataFileName  = ".agentrun-env.json"
	sharedModCacheDir = ".gomodcache"
)

// Config bounds the Environment Builder.
type Config struct {
	EnvsDir         string
	InstallTimeout  time.Duration
	MaxEnvironments int
}

// Builder materialises and reuses per-package Go build environments.
type Builder struct {
	fs  afero.Fs
	cfg Config
	log zerolog.Logger

	fpMu  sync.Mutex
	locks map[string]*sync.Mutex

	mu    sync.Mutex
	index map[string]*types.Environment

	watcher *envWatcher
}

// New creates a Builder rooted at cfg.EnvsDir. fs is injected for testing;
// production callers pass afero.NewOsFs().
func New(fs afero.Fs, cfg Config, log zerolog.Logger) *Builder {
	if cfg.MaxEnvironments <= 0 {
		cfg.MaxEnvironments = 50
	}
	b := &Builder{
		fs:    fs,
		cfg:   cfg,
		log:   log,
		locks: make(map[string]*sync.Mutex),
		index: make(map[string]*types.Environment),
	}
	return b
}

// WatchForExternalRemoval starts an fsnotify watch on cfg.EnvsDir so
// environments deleted by something other than evictIfOverCapacity (manual cleanup,
// an external reaper) are dropped from the in-memory index rather than
// reported as stale-but-present.
func (b *Builder) WatchForExternalRemoval() error {
	w, err := newEnvWatcher(b.cfg.EnvsDir, b.forget)
	if err != nil {
		return err
	}
	b.watcher = w
	return nil
}

// Close stops the fsnotify watch, if running.
func (b *Builder) Close() error {
	if b.watcher != nil {
		return b.watcher.close()
	}
	return nil
}

// Ensure returns a usable Environment for packageDir, building one if
// none exists yet for this (agentAppId, dependency fingerprint) pair, or
// rebuilding it if the existing one fails validation.
func (b *Builder) Ensure(ctx context.Context, packageDir, agentAppID string) (*types.Environment, error) {
	depFingerprint, err := dependencyFingerprint(b.fs, packageDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindEnvUnwritable, "read dependency manifest", err)
	}
	envName := agentAppID + "_" + depFingerprint
	envPath := filepath.Join(b.cfg.EnvsDir, envName)

	lock := b.lockFor(envName)
	lock.Lock()
	defer lock.Unlock()

	if env, ok := b.validated(envPath, depFingerprint); ok {
		env.LastUsedAt = time.Now()
		b.touch(envName, env)
		metrics.EnvironmentCacheHitsTotal.Inc()
		return env, nil
	}

	metrics.EnvironmentCacheMissesTotal.Inc()

	if err := b.fs.RemoveAll(envPath); err != nil {
		return nil, errs.Wrap(errs.KindEnvUnwritable, "clear stale environment", err)
	}
	if err := b.fs.MkdirAll(envPath, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindEnvUnwritable, "create environment directory", err)
	}

	timer := metrics.NewTimer()
	buildErr := b.build(ctx, packageDir, envPath)
	timer.ObserveDuration(metrics.EnvironmentBuildDuration)
	if buildErr != nil {
		_ = b.fs.RemoveAll(envPath)
		return nil, buildErr
	}

	env, ok := b.validated(envPath, depFingerprint)
	if !ok {
		_ = b.fs.RemoveAll(envPath)
		return nil, errs.New(errs.KindDependencyInstallFailed, "environment failed self-validation after build")
	}

	b.writeMetadata(envPath, env)
	b.touch(envName, env)
	b.evictIfOverCapacity()
	metrics.EnvironmentsTotal.Set(float64(b.Len()))
	return env, nil
}

func (b *Builder) build(ctx context.Context, packageDir, envPath string) error {
	timeout := b.cfg.InstallTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	modCache := filepath.Join(b.cfg.EnvsDir, sharedModCacheDir)
	if err := os.MkdirAll(modCache, 0o755); err != nil {
		return errs.Wrap(errs.KindEnvUnwritable, "create shared module cache", err)
	}

	binDir := filepath.Join(envPath, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return errs.Wrap(errs.KindEnvUnwritable, "create bin directory", err)
	}

	cmd := exec.CommandContext(buildCtx, "go", "build", "-trimpath", "-o", filepath.Join(binDir, "agent"), "./...")
	cmd.Dir = packageDir
	cmd.Env = append(os.Environ(),
		"GOMODCACHE="+modCache,
		"GOFLAGS=-mod=mod",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	b.log.Info().Str("env_path", envPath).Msg("building environment")

	if err := cmd.Run(); err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			return errs.Wrap(errs.KindDependencyInstallTimeout, fmt.Sprintf("go build exceeded %s", timeout), err)
		}
		return errs.Wrap(errs.KindDependencyInstallFailed, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// validated reports whether envPath already holds a built, self-identifying
// agent binary: bin/agent exists and, invoked with
// --agentrun-print-root, prints envPath's absolute path.
func (b *Builder) validated(envPath, depFingerprint string) (*types.Environment, bool) {
	binPath := filepath.Join(envPath, "bin", "agent")
	if info, err := b.fs.Stat(binPath); err != nil || info.IsDir() {
		return nil, false
	}

	abs, err := filepath.Abs(envPath)
	if err != nil {
		return nil, false
	}

	out, err := exec.Command(binPath, "--agentrun-print-root").Output()
	if err != nil {
		return nil, false
	}
	if strings.TrimSpace(string(out)) != abs {
		return nil, false
	}

	return &types.Environment{
		Path:                  envPath,
		DependencyFingerprint: depFingerprint,
		CreatedAt:             time.Now(),
		LastUsedAt:            time.Now(),
	}, true
}

func (b *Builder) writeMetadata(envPath string, env *types.Environment) {
	line := fmt.Sprintf(`{"dependency_fingerprint":%q,"created_at":%q}`, env.DependencyFingerprint, env.CreatedAt.Format(time.RFC3339))
	_ = afero.WriteFile(b.fs, filepath.Join(envPath, metadataFileName), []byte(line), 0o644)
}

func (b *Builder) lockFor(envName string) *sync.Mutex {
	b.fpMu.Lock()
	defer b.fpMu.Unlock()
	l, ok := b.locks[envName]
	if !ok {
		l = &sync.Mutex{}
		b.locks[envName] = l
	}
	return l
}

func (b *Builder) touch(envName string, env *types.Environment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index[envName] = env
}

func (b *Builder) forget(envName string) {
	b.mu.Lock()
	delete(b.index, envName)
	count := len(b.index)
	b.mu.Unlock()
	metrics.EnvironmentsTotal.Set(float64(count))
}

// Len reports how many environments are currently tracked in the index.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

func dependencyFingerprint(fs afero.Fs, packageDir string) (string, error) {
	sumPath := filepath.Join(packageDir, "go.sum")
	b, err := afero.ReadFile(fs, sumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return noDepsFingerprint, nil
		}
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:7], nil
}
