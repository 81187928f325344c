// Command agentrund is the agent hosting runtime's control-plane-facing
// daemon. It loads process-wide configuration, wires the Fetcher, Package
// Cache, Environment Builder, Port Allocator, and Deployment Manager
// together, and serves the Control API until it receives a termination
// signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nestframe/agentrun/pkg/config"
	"github.com/nestframe/agentrun/pkg/controlapi"
	"github.com/nestframe/agentrun/pkg/deployment"
	"github.com/nestframe/agentrun/pkg/envbuild"
	"github.com/nestframe/agentrun/pkg/events"
	"github.com/nestframe/agentrun/pkg/fetcher"
	"github.com/nestframe/agentrun/pkg/log"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/pkgcache"
	"github.com/nestframe/agentrun/pkg/ports"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agentrund",
	Short:   "agentrund hosts multi-tenant agent packages behind a local Control API",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentrund version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format == "json",
	})
	zlog := log.WithComponent("agentrund")

	broker := events.NewBroker(os.Stdout)
	broker.Start()
	defer broker.Stop()

	fs := afero.NewOsFs()
	cache := pkgcache.New(fs, cfg.Storage.PackageCacheDir, zlog)

	f := fetcher.New(fetcher.Policy{
		MaxBytes:         cfg.Fetch.MaxPackageBytes,
		Timeout:          cfg.Fetch.Timeout,
		RetryInitial:     cfg.Fetch.RetryInitial,
		RetryMax:         cfg.Fetch.RetryMax,
		RetryFactor:      cfg.Fetch.RetryFactor,
		RetryMaxAttempts: cfg.Fetch.RetryMaxAttempts,
	}, zlog)

	envBuilder := envbuild.New(fs, envbuild.Config{
		EnvsDir:         cfg.Storage.EnvironmentsDir,
		InstallTimeout:  cfg.Build.InstallTimeout,
		MaxEnvironments: cfg.Storage.MaxEnvironments,
	}, zlog)
	if err := envBuilder.WatchForExternalRemoval(); err != nil {
		zlog.Warn().Err(err).Msg("could not watch environments directory for external removal")
	}
	defer envBuilder.Close()

	portAlloc := ports.New(ports.Config{
		REST: ports.Range{Min: cfg.Ports.RESTMin, Max: cfg.Ports.RESTMax},
		RPC:  ports.Range{Min: cfg.Ports.RPCMin, Max: cfg.Ports.RPCMax},
		UI:   ports.Range{Min: cfg.Ports.UIMin, Max: cfg.Ports.UIMax},
	})

	mgr := deployment.New(deployment.Config{
		WorkDir:                 filepath.Join(cfg.Storage.EnvironmentsDir, "..", "packages-extracted"),
		ReadinessTimeout:        cfg.Deploy.ReadinessTimeout,
		ReadinessPollInterval:   cfg.Deploy.ReadinessPollInterval,
		GracefulShutdownTimeout: cfg.Deploy.GracefulShutdownTimeout,
	}, cache, f.Fetch, envBuilder, portAlloc, broker, zlog)

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	api := controlapi.New(mgr, zlog)
	srv := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: api,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("bind_addr", cfg.Server.BindAddr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{Addr: cfg.Metrics.BindAddr, Handler: metrics.Handler()}
		go func() {
			zlog.Info().Str("bind_addr", cfg.Metrics.BindAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zlog.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		zlog.Info().Msg("termination signal received, shutting down control API")
	case err := <-serveErrCh:
		return fmt.Errorf("control API server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("control API shutdown did not complete cleanly")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("metrics shutdown did not complete cleanly")
		}
	}
	return nil
}
