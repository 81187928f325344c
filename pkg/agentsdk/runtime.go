package agentsdk

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/fetcher"
	"github.com/nestframe/agentrun/pkg/manifest"
	"github.com/nestframe/agentrun/pkg/types"
)

// phase names used for boot-budget bookkeeping and log tagging.
const (
	phaseConfig   = "config"
	phaseFetch    = "fetch"
	phaseManifest = "manifest"
	phaseBoot     = "boot"
)

// Run is the three-surface runtime entrypoint. A deployed package's main
// calls agentsdk.Run(ctx, registrations) and never returns until the
// process should exit; Run itself calls os.Exit on fatal paths so the
// boot back-off contract is honoured even if the caller's main forgets to
// check an error return.
func Run(ctx context.Context, reg Registrations) {
	if printRootAndExitIfRequested() {
		return
	}

	started := time.Now()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "agentsdk").Logger()

	cfg, err := LoadConfig(osEnviron())
	if err != nil {
		log.Error().Err(err).Str("phase", phaseConfig).Msg("invalid runtime configuration")
		os.Exit(1)
	}
	if cfg.BootFailureCount == 0 {
		cfg.BootFailureCount = readBootFailureFile(cfg.PackagePath)
	}
	log = log.With().Str("agent_app_id", cfg.AgentAppID).Logger()

	budget := newBootBudget(cfg.BootBudget, cfg.BootHardLimitMultiplier)

	if cfg.PackageURL != "" && cfg.PackagePath == "" {
		budget.enter(phaseFetch)
		path, err := fetchPackage(ctx, cfg)
		if err != nil {
			bootFail(cfg, log, errs.Wrap(errs.KindFetchUnavailable, "fetch package", err))
			return
		}
		cfg.PackagePath = path
		budget.leave(phaseFetch)
	}

	budget.enter(phaseManifest)
	mf, warnings, err := manifest.Load(cfg.PackagePath)
	if err != nil {
		bootFail(cfg, log, errs.Wrap(errs.KindManifestInvalid, "load manifest", err))
		return
	}
	for _, w := range warnings {
		log.Warn().Msg(w.Message)
	}
	budget.leave(phaseManifest)

	if mf.Surfaces.RESTEntry != "" && reg.REST == nil {
		bootFail(cfg, log, errs.New(errs.KindManifestInvalid, "manifest declares rest.entry but no REST handler was registered"))
		return
	}
	if mf.Surfaces.RPCService != "" && reg.RPC == nil {
		bootFail(cfg, log, errs.New(errs.KindManifestInvalid, "manifest declares rpc.service but no RPC registrar was provided"))
		return
	}
	if mf.Surfaces.UIPath != "" && reg.UIDir == "" {
		reg.UIDir = mf.Surfaces.UIPath
	}

	budget.enter(phaseBoot)
	rt := newThreeSurfaceRuntime(cfg, mf, reg, log)

	bootCtx, cancelBoot := context.WithTimeout(ctx, budget.hardLimit())
	defer cancelBoot()

	if err := rt.start(bootCtx); err != nil {
		bootFail(cfg, log, err)
		return
	}
	budget.leave(phaseBoot)

	if budget.exceeded() {
		rt.stop(context.Background())
		bootFail(cfg, log, errs.New(errs.KindNotReadyInTime, fmt.Sprintf("boot exceeded hard limit of %s", budget.hardLimit())))
		return
	}

	rt.markReady()
	writeBootFailureFile(cfg.PackagePath, 0)
	log.Info().Dur("boot_duration", time.Since(started)).Msg("all declared surfaces are healthy")

	sigCtx, stop := signalContext(ctx)
	defer stop()
	<-sigCtx.Done()

	log.Info().Msg("termination signal received, draining")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancelDrain()
	rt.stop(drainCtx)
	log.Info().Msg("shutdown complete")
}

func fetchPackage(ctx context.Context, cfg *Config) (string, error) {
	f := fetcher.New(fetcher.Policy{
		MaxBytes:         int64(cfg.MaxPackageSizeMB) * 1024 * 1024,
		Timeout:          60 * time.Second,
		RetryInitial:     time.Second,
		RetryMax:         30 * time.Second,
		RetryFactor:      2,
		RetryMaxAttempts: 3,
	}, zerolog.Nop())

	destDir, err := os.MkdirTemp("", "agentrun-package-")
	if err != nil {
		return "", err
	}
	cached, err := f.Fetch(ctx, cfg.PackageURL, destDir, cfg.PackageFingerprint)
	if err != nil {
		return "", err
	}
	return cached.Path, nil
}

// bootFail applies the boot back-off contract and exits non-zero. The
// first failure (BootFailureCount == 0) exits immediately; every
// subsequent consecutive failure sleeps min(60, 2^count) seconds first.
func bootFail(cfg *Config, log zerolog.Logger, cause error) {
	kind, _ := errs.KindOf(cause)
	log.Error().Err(cause).Str("error_kind", string(kind)).Int("boot_failure_count", cfg.BootFailureCount).Msg("boot failed")

	if cfg.BootFailureCount > 0 {
		sleep := time.Duration(math.Min(60, math.Pow(2, float64(cfg.BootFailureCount)))) * time.Second
		log.Warn().Dur("backoff", sleep).Msg("sleeping before exit to avoid hot-restart loop")
		time.Sleep(sleep)
	}
	writeBootFailureFile(cfg.PackagePath, cfg.BootFailureCount+1)
	os.Exit(1)
}

// bootBudget tracks cumulative phase duration against BOOT_BUDGET_MS and
// its hard multiplier.
type bootBudget struct {
	budget     time.Duration
	multiplier float64
	mu         sync.Mutex
	total      time.Duration
	entered    map[string]time.Time
}

func newBootBudget(budget time.Duration, multiplier float64) *bootBudget {
	return &bootBudget{budget: budget, multiplier: multiplier, entered: make(map[string]time.Time)}
}

func (b *bootBudget) enter(phase string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entered[phase] = time.Now()
}

func (b *bootBudget) leave(phase string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start, ok := b.entered[phase]; ok {
		b.total += time.Since(start)
		delete(b.entered, phase)
	}
}

func (b *bootBudget) hardLimit() time.Duration {
	return time.Duration(float64(b.budget) * b.multiplier)
}

func (b *bootBudget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > b.hardLimit()
}

// threeSurfaceRuntime owns the REST router, gRPC server, and UI file
// server for one booted child, plus the shared readiness flag every
// surface's /health (REST) or grpc_health_v1 (RPC) answers from.
type threeSurfaceRuntime struct {
	cfg *Config
	mf  *types.PackageManifest
	reg Registrations
	log zerolog.Logger

	ready int32

	restSrv   *http.Server
	uiSrv     *http.Server
	grpcSrv   *grpc.Server
	healthSrv *health.Server

	surfaces types.SurfaceStatus
}

func newThreeSurfaceRuntime(cfg *Config, mf *types.PackageManifest, reg Registrations, log zerolog.Logger) *threeSurfaceRuntime {
	return &threeSurfaceRuntime{cfg: cfg, mf: mf, reg: reg, log: log}
}

func (rt *threeSurfaceRuntime) markReady() {
	atomic.StoreInt32(&rt.ready, 1)
	if rt.healthSrv != nil {
		rt.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}
}

func (rt *threeSurfaceRuntime) isReady() bool {
	return atomic.LoadInt32(&rt.ready) == 1
}

// start binds every declared surface and blocks until each has begun
// accepting connections. It never returns success with a surface
// half-mounted: any bind failure tears down whatever already started and
// returns the first error.
func (rt *threeSurfaceRuntime) start(ctx context.Context) error {
	var startedListeners []net.Listener

	failAll := func(err error) error {
		for _, l := range startedListeners {
			_ = l.Close()
		}
		return err
	}

	router := chi.NewRouter()
	router.Get("/health", rt.handleHealth)
	if rt.mf.Surfaces.RESTEntry != "" {
		router.Mount(rt.cfg.BasePath, rt.reg.REST)
	}

	restListener, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.RESTPort))
	if err != nil {
		return failAll(errs.Wrap(errs.KindChildSpawnFailed, "bind REST port", err))
	}
	startedListeners = append(startedListeners, restListener)
	rt.restSrv = &http.Server{Handler: router}
	go func() {
		if err := rt.restSrv.Serve(restListener); err != nil && err != http.ErrServerClosed {
			rt.log.Error().Err(err).Msg("REST server stopped unexpectedly")
		}
	}()
	rt.surfaces.REST = true

	if rt.mf.Surfaces.RPCService != "" {
		rpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.RPCPort))
		if err != nil {
			return failAll(errs.Wrap(errs.KindChildSpawnFailed, "bind RPC port", err))
		}
		startedListeners = append(startedListeners, rpcListener)

		rt.grpcSrv = grpc.NewServer()
		rt.healthSrv = health.NewServer()
		grpc_health_v1.RegisterHealthServer(rt.grpcSrv, rt.healthSrv)
		rt.reg.RPC(rt.grpcSrv)

		go func() {
			if err := rt.grpcSrv.Serve(rpcListener); err != nil {
				rt.log.Error().Err(err).Msg("RPC server stopped unexpectedly")
			}
		}()
		rt.surfaces.RPC = true
	}

	if rt.reg.UIDir != "" {
		fileHandler := http.FileServer(http.Dir(rt.reg.UIDir))
		if rt.cfg.Multiplexed {
			router.Mount("/", http.StripPrefix(rt.cfg.BasePath, fileHandler))
		} else {
			uiListener, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.UIPort))
			if err != nil {
				return failAll(errs.Wrap(errs.KindChildSpawnFailed, "bind UI port", err))
			}
			startedListeners = append(startedListeners, uiListener)
			rt.uiSrv = &http.Server{Handler: fileHandler}
			go func() {
				if err := rt.uiSrv.Serve(uiListener); err != nil && err != http.ErrServerClosed {
					rt.log.Error().Err(err).Msg("UI server stopped unexpectedly")
				}
			}()
		}
		rt.surfaces.UI = true
	}

	return nil
}

func (rt *threeSurfaceRuntime) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !rt.isReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// stop implements the graceful shutdown sequence: flip readiness first,
// then drain RPC, then REST, then close UI immediately.
func (rt *threeSurfaceRuntime) stop(ctx context.Context) {
	atomic.StoreInt32(&rt.ready, 0)
	if rt.healthSrv != nil {
		rt.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	if rt.grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			rt.grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			rt.grpcSrv.Stop()
		}
	}

	if rt.restSrv != nil {
		if err := rt.restSrv.Shutdown(ctx); err != nil {
			rt.log.Warn().Err(err).Msg("REST shutdown did not complete within grace period")
		}
	}

	if rt.uiSrv != nil {
		_ = rt.uiSrv.Close()
	}
}

func signalContext(parent context.Context) (context.Context, func()) {
	return withSignals(parent)
}
