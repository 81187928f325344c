package deployment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nestframe/agentrun/pkg/envbuild"
	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/events"
	"github.com/nestframe/agentrun/pkg/health"
	"github.com/nestframe/agentrun/pkg/loader"
	"github.com/nestframe/agentrun/pkg/log"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/pkgcache"
	"github.com/nestframe/agentrun/pkg/ports"
	"github.com/nestframe/agentrun/pkg/supervisor"
	"github.com/nestframe/agentrun/pkg/types"
)

// Config bounds every phase timeout the Deployment Manager enforces.
type Config struct {
	WorkDir                 string // root for per-deployment extracted package trees
	ReadinessTimeout        time.Duration
	ReadinessPollInterval   time.Duration
	GracefulShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 60 * time.Second
	}
	if c.ReadinessPollInterval <= 0 {
		c.ReadinessPollInterval = time.Second
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 30 * time.Second
	}
}

// Manager sequences one deployment's lifecycle from intake through
// healthy to stopped, holding exclusive ownership of its DeploymentRecords.
type Manager struct {
	cfg Config

	cache      *pkgcache.Cache
	fetch      pkgcache.Fetch
	envBuilder *envbuild.Builder
	ports      *ports.Allocator
	broker     *events.Broker
	log        zerolog.Logger

	loadPackage  func(archivePath, destDir string) (*loader.Loaded, error)
	startProcess func(spec supervisor.Spec, log zerolog.Logger) (*supervisor.Process, error)

	mu          sync.Mutex
	records     map[string]*types.DeploymentRecord
	byRequestID map[string]string
	processes   map[string]*supervisor.Process
	active      map[string]bool
}

// New creates a Manager. fetch is typically a Fetcher.Fetch method value.
func New(cfg Config, cache *pkgcache.Cache, fetch pkgcache.Fetch, envBuilder *envbuild.Builder, portAlloc *ports.Allocator, broker *events.Broker, log zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:          cfg,
		cache:        cache,
		fetch:        fetch,
		envBuilder:   envBuilder,
		ports:        portAlloc,
		broker:       broker,
		log:          log,
		loadPackage:  loader.Load,
		startProcess: supervisor.Start,
		records:      make(map[string]*types.DeploymentRecord),
		byRequestID:  make(map[string]string),
		processes:    make(map[string]*supervisor.Process),
		active:       make(map[string]bool),
	}
}

// ErrConflict is returned by Deploy when the caller supplies a
// deploymentId that already names a record created by a different
// requestId. The control API maps this to HTTP 409.
var ErrConflict = errors.New("deploymentId already in use by a different request")

// Deploy validates and admits req. Idempotency: calling Deploy twice with
// the same RequestID returns the existing record without duplicating any
// work, whether that record is still in flight or terminal.
func (m *Manager) Deploy(req types.DeploymentRequest) (*types.DeploymentRecord, error) {
	if req.PackageSource == "" {
		return nil, errs.New(errs.KindConfigInvalid, "packageSource is required")
	}
	scheme, ok := parseAllowedScheme(req.PackageSource)
	if !ok {
		return nil, errs.New(errs.KindConfigInvalid, fmt.Sprintf("packageSource scheme must be object-store or https, got %q", scheme))
	}
	if req.AgentAppID == "" {
		return nil, errs.New(errs.KindConfigInvalid, "agentAppId is required")
	}
	if req.RequestID == "" {
		return nil, errs.New(errs.KindConfigInvalid, "requestId is required")
	}

	m.mu.Lock()
	if deploymentID, ok := m.byRequestID[req.RequestID]; ok {
		rec := m.records[deploymentID]
		m.mu.Unlock()
		metrics.DeploymentRequestsTotal.WithLabelValues("replayed").Inc()
		return rec, nil
	}

	deploymentID := req.DeploymentID
	if deploymentID == "" {
		deploymentID = uuid.New().String()
	} else if existing, ok := m.records[deploymentID]; ok && existing.RequestID != req.RequestID {
		m.mu.Unlock()
		metrics.DeploymentRequestsTotal.WithLabelValues("conflict").Inc()
		return nil, ErrConflict
	}
	now := time.Now()
	rec := &types.DeploymentRecord{
		DeploymentID: deploymentID,
		RequestID:    req.RequestID,
		AgentAppID:   req.AgentAppID,
		OrgID:        req.OrgID,
		Version:      req.Version,
		Status:       types.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Details:      map[string]string{},
	}
	m.records[deploymentID] = rec
	m.byRequestID[req.RequestID] = deploymentID
	m.active[deploymentID] = true
	m.mu.Unlock()

	metrics.DeploymentRequestsTotal.WithLabelValues("accepted").Inc()
	m.publish(rec, events.PhaseIntake, "deployment accepted", "")
	go m.run(context.Background(), rec, req)

	return rec, nil
}

// Get returns a snapshot of the named deployment's record.
func (m *Manager) Get(deploymentID string) (*types.DeploymentRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[deploymentID]
	return rec, ok
}

// ListDeployments satisfies pkg/metrics.DeploymentLister.
func (m *Manager) ListDeployments() []*types.DeploymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.DeploymentRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

// Teardown initiates draining for a healthy deployment and blocks until
// the child has stopped and its ports are released.
func (m *Manager) Teardown(deploymentID string) error {
	m.mu.Lock()
	rec, ok := m.records[deploymentID]
	proc := m.processes[deploymentID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.KindConfigInvalid, fmt.Sprintf("unknown deployment %q", deploymentID))
	}

	m.setStatus(rec, types.StatusDraining, "")
	m.publish(rec, events.PhaseDraining, "teardown requested", "")

	if proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := proc.Stop(ctx); err != nil {
			m.recordLogger(rec).Warn().Err(err).Msg("graceful stop did not complete cleanly")
		}
	}

	m.ports.Release(deploymentID)
	m.setStatus(rec, types.StatusStopped, "")
	m.publish(rec, events.PhaseStopped, "deployment stopped", "")

	m.mu.Lock()
	delete(m.processes, deploymentID)
	delete(m.active, deploymentID)
	m.mu.Unlock()
	return nil
}

// run executes one deployment's lifecycle end to end. Apart from a
// concurrent Teardown, which also updates rec's status, no other goroutine
// mutates this deploymentId's record while run is in flight.
func (m *Manager) run(ctx context.Context, rec *types.DeploymentRecord, req types.DeploymentRequest) {
	defer func() {
		m.mu.Lock()
		delete(m.active, rec.DeploymentID)
		m.mu.Unlock()
	}()

	phaseStart := time.Now()
	cached, err := m.download(ctx, rec, req)
	metrics.DeploymentPhaseDuration.WithLabelValues(string(events.PhaseDownloading)).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		m.fail(rec, err)
		return
	}

	phaseStart = time.Now()
	loaded, err := m.load(rec, cached)
	metrics.DeploymentPhaseDuration.WithLabelValues(string(events.PhaseLoading)).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		m.fail(rec, err)
		return
	}

	phaseStart = time.Now()
	env, err := m.buildEnv(ctx, rec, loaded)
	metrics.DeploymentPhaseDuration.WithLabelValues(string(events.PhaseBuildingEnv)).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		m.fail(rec, err)
		return
	}

	phaseStart = time.Now()
	proc, alloc, err := m.start(ctx, rec, req, loaded, env)
	metrics.DeploymentPhaseDuration.WithLabelValues(string(events.PhaseStarting)).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		m.fail(rec, err)
		return
	}

	spawnedAt := time.Now()
	phaseStart = time.Now()
	err = m.awaitReady(ctx, rec, proc, alloc, loaded.Manifest)
	metrics.DeploymentPhaseDuration.WithLabelValues(string(events.PhaseWaitingReady)).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		m.fail(rec, err)
		if procErr := proc.Stop(context.Background()); procErr != nil {
			m.recordLogger(rec).Warn().Err(procErr).Msg("failed to stop child after readiness failure")
		}
		m.ports.Release(rec.DeploymentID)
		return
	}

	metrics.AgentBootDuration.WithLabelValues(rec.AgentAppID).Observe(time.Since(spawnedAt).Seconds())
	metrics.DeploymentTimeToHealthy.Observe(time.Since(rec.CreatedAt).Seconds())
	metrics.DeploymentRequestsTotal.WithLabelValues("healthy").Inc()

	m.setStatus(rec, types.StatusHealthy, "")
	m.publish(rec, events.PhaseHealthy, "deployment healthy", "")
}

func (m *Manager) download(ctx context.Context, rec *types.DeploymentRecord, req types.DeploymentRequest) (*types.CachedPackage, error) {
	m.setStatus(rec, types.StatusDownloading, "")
	m.publish(rec, events.PhaseDownloading, "fetching package", "")

	cached, err := m.cache.Get(ctx, req.AgentAppID, req.Version, req.PackageSource, req.PackageFingerprint, req.ForceRefresh, m.fetch)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func (m *Manager) load(rec *types.DeploymentRecord, cached *types.CachedPackage) (*loader.Loaded, error) {
	m.setStatus(rec, types.StatusLoading, "")
	m.publish(rec, events.PhaseLoading, "extracting and validating manifest", "")

	destDir := filepath.Join(m.cfg.WorkDir, rec.DeploymentID)
	loaded, err := m.loadPackage(cached.Path, destDir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec.PackagePath = loaded.PackageDir
	m.mu.Unlock()
	return loaded, nil
}

func (m *Manager) buildEnv(ctx context.Context, rec *types.DeploymentRecord, loaded *loader.Loaded) (*types.Environment, error) {
	m.setStatus(rec, types.StatusBuildingEnv, "")
	m.publish(rec, events.PhaseBuildingEnv, "materialising environment", "")

	env, err := m.envBuilder.Ensure(ctx, loaded.PackageDir, rec.AgentAppID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec.EnvPath = env.Path
	m.mu.Unlock()
	return env, nil
}

func (m *Manager) start(ctx context.Context, rec *types.DeploymentRecord, req types.DeploymentRequest, loaded *loader.Loaded, env *types.Environment) (*supervisor.Process, *types.PortAllocation, error) {
	m.setStatus(rec, types.StatusStarting, "")
	m.publish(rec, events.PhaseStarting, "allocating ports and spawning child", "")

	alloc, err := m.ports.Allocate(rec.DeploymentID)
	if err != nil {
		return nil, nil, err
	}

	basePath := req.BasePath
	if basePath == "" {
		basePath = "/agents/" + rec.AgentAppID
	}

	spec := supervisor.Spec{
		DeploymentID:            rec.DeploymentID,
		AgentAppID:              rec.AgentAppID,
		BinaryPath:              filepath.Join(env.Path, "bin", "agent"),
		Env:                     mergeEnv(rec.AgentAppID, loaded.PackageDir, alloc, basePath, req.Environment),
		WorkDir:                 loaded.PackageDir,
		GracefulShutdownTimeout: m.cfg.GracefulShutdownTimeout,
	}

	proc, err := m.startProcess(spec, m.log)
	if err != nil {
		m.ports.Release(rec.DeploymentID)
		return nil, nil, err
	}

	m.mu.Lock()
	rec.RESTPort = alloc.RESTPort
	rec.RPCPort = alloc.RPCPort
	rec.UIPort = alloc.UIPort
	rec.ChildPID = proc.PID()
	m.processes[rec.DeploymentID] = proc
	m.mu.Unlock()

	return proc, alloc, nil
}

func (m *Manager) awaitReady(ctx context.Context, rec *types.DeploymentRecord, proc *supervisor.Process, alloc *types.PortAllocation, mf *types.PackageManifest) error {
	m.setStatus(rec, types.StatusWaitingReady, "")
	m.publish(rec, events.PhaseWaitingReady, "waiting for /health", "")

	checker := health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/health", alloc.RESTPort))
	checker.Client = &http.Client{Timeout: m.cfg.ReadinessPollInterval}

	deadline := time.Now().Add(m.cfg.ReadinessTimeout)
	ticker := time.NewTicker(m.cfg.ReadinessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case exit := <-proc.Done():
			return errs.New(errs.KindChildCrashed, fmt.Sprintf("child exited before becoming healthy (code=%d signal=%s)", exit.Code, exit.Signal))
		case <-ticker.C:
			if time.Now().After(deadline) {
				return errs.New(errs.KindNotReadyInTime, fmt.Sprintf("no healthy response within %s", m.cfg.ReadinessTimeout))
			}
			result := checker.Check(ctx)
			if result.Healthy {
				// /health only returns 200 once every declared surface is
				// mounted (agentsdk's readiness gate), so a successful
				// check confirms all of them, not just REST.
				m.mu.Lock()
				rec.Surfaces.REST = true
				rec.Surfaces.RPC = mf.Surfaces.RPCService != ""
				rec.Surfaces.UI = mf.Surfaces.UIPath != ""
				m.mu.Unlock()
				return nil
			}
		}
	}
}

func (m *Manager) fail(rec *types.DeploymentRecord, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.KindConfigInvalid
	}
	m.mu.Lock()
	rec.Status = types.StatusFailed
	rec.UpdatedAt = time.Now()
	rec.LastError = &types.LastError{Kind: string(kind), Message: err.Error(), At: time.Now()}
	m.mu.Unlock()

	metrics.DeploymentRequestsTotal.WithLabelValues("failed").Inc()
	log.WithPhase(m.recordLogger(rec), string(kind)).Error().Err(err).Msg("deployment failed")
	m.publish(rec, events.PhaseFailed, err.Error(), string(kind))
}

// recordLogger returns a child of m.log tagged with rec's correlation ids,
// so every log line emitted while servicing one deployment carries its
// deployment_id, request_id, and agent_app_id.
func (m *Manager) recordLogger(rec *types.DeploymentRecord) zerolog.Logger {
	l := log.WithDeploymentID(m.log, rec.DeploymentID)
	l = log.WithRequestID(l, rec.RequestID)
	l = log.WithAgentAppID(l, rec.AgentAppID)
	return l
}

func (m *Manager) setStatus(rec *types.DeploymentRecord, status types.DeploymentStatus, message string) {
	m.mu.Lock()
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if message != "" {
		rec.Details["message"] = message
	}
	m.mu.Unlock()
}

func (m *Manager) publish(rec *types.DeploymentRecord, phase events.Phase, message, errorKind string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		DeploymentID: rec.DeploymentID,
		RequestID:    rec.RequestID,
		AgentAppID:   rec.AgentAppID,
		Phase:        phase,
		Message:      message,
		ErrorKind:    errorKind,
	})
}

func parseAllowedScheme(source string) (string, bool) {
	for _, scheme := range []string{"object-store://", "https://"} {
		if len(source) >= len(scheme) && source[:len(scheme)] == scheme {
			return scheme, true
		}
	}
	if i := indexColon(source); i > 0 {
		return source[:i], false
	}
	return source, false
}

func indexColon(s string) int {
	for i, c := range s {
		if c == ':' {
			return i
		}
	}
	return -1
}

// mergeEnv builds the child's environment per spec.md §4.6: base process
// env, overridden by the package's own .env file (if present at its
// root), overridden by the caller-supplied mapping, plus the seven
// variables every child is always given.
func mergeEnv(agentAppID, packageDir string, alloc *types.PortAllocation, basePath string, callerEnv map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := splitEnv(kv); ok {
			merged[k] = v
		}
	}
	for k, v := range readDotEnv(packageDir) {
		merged[k] = v
	}
	for k, v := range callerEnv {
		merged[k] = v
	}

	merged["AGENT_PACKAGE_PATH"] = packageDir
	merged["AGENT_APP_ID"] = agentAppID
	merged["REST_PORT"] = fmt.Sprintf("%d", alloc.RESTPort)
	merged["RPC_PORT"] = fmt.Sprintf("%d", alloc.RPCPort)
	merged["UI_PORT"] = fmt.Sprintf("%d", alloc.UIPort)
	merged["MULTIPLEXED"] = "true"
	merged["BASE_PATH"] = basePath

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// readDotEnv reads a package's optional .env file at its root. Missing
// file is not an error; malformed lines are skipped.
func readDotEnv(packageDir string) map[string]string {
	vars := make(map[string]string)
	f, err := os.Open(filepath.Join(packageDir, ".env"))
	if err != nil {
		return vars
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := splitEnv(line); ok {
			vars[k] = v
		}
	}
	return vars
}

func splitEnv(kv string) (key, value string, ok bool) {
	i := strings.Index(kv, "=")
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
