package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/envbuild"
	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/pkgcache"
	"github.com/nestframe/agentrun/pkg/ports"
	"github.com/nestframe/agentrun/pkg/types"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	fs := afero.NewMemMapFs()
	cache := pkgcache.New(fs, "/cache", zerolog.Nop())
	envBuilder := envbuild.New(fs, envbuild.Config{EnvsDir: "/envs"}, zerolog.Nop())
	portAlloc := ports.New(ports.Config{
		REST: ports.Range{Min: 8080, Max: 8081},
		RPC:  ports.Range{Min: 50051, Max: 50052},
		UI:   ports.Range{Min: 3000, Max: 3001},
	})

	neverFetch := func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
		return nil, errs.New(errs.KindFetchUnavailable, "no fetch origin configured in test")
	}

	return New(Config{
		WorkDir:                 "/work",
		ReadinessTimeout:        100 * time.Millisecond,
		ReadinessPollInterval:   10 * time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}, cache, neverFetch, envBuilder, portAlloc, nil, zerolog.Nop())
}

func TestDeployRejectsDisallowedScheme(t *testing.T) {
	m := testManager(t)

	_, err := m.Deploy(types.DeploymentRequest{
		RequestID:     "r1",
		AgentAppID:    "a1",
		PackageSource: "file:///etc/passwd",
	})

	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindConfigInvalid, kind)
	require.Empty(t, m.records)
}

func TestDeployRequiresAgentAppID(t *testing.T) {
	m := testManager(t)

	_, err := m.Deploy(types.DeploymentRequest{
		RequestID:     "r1",
		PackageSource: "https://example.com/a.pkg",
	})

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindConfigInvalid))
}

func TestDeployIsIdempotentByRequestID(t *testing.T) {
	m := testManager(t)

	req := types.DeploymentRequest{
		RequestID:     "same-request",
		AgentAppID:    "a1",
		Version:       "1.0.0",
		PackageSource: "https://example.com/a.pkg",
	}

	first, err := m.Deploy(req)
	require.NoError(t, err)
	second, err := m.Deploy(req)
	require.NoError(t, err)

	require.Equal(t, first.DeploymentID, second.DeploymentID)
	require.Len(t, m.records, 1)
}

func TestDeployConflictingDeploymentID(t *testing.T) {
	m := testManager(t)

	_, err := m.Deploy(types.DeploymentRequest{
		RequestID:     "r1",
		DeploymentID:  "fixed-id",
		AgentAppID:    "a1",
		PackageSource: "https://example.com/a.pkg",
	})
	require.NoError(t, err)

	_, err = m.Deploy(types.DeploymentRequest{
		RequestID:     "r2",
		DeploymentID:  "fixed-id",
		AgentAppID:    "a1",
		PackageSource: "https://example.com/a.pkg",
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeployEventuallyFailsWithoutAFetchOrigin(t *testing.T) {
	m := testManager(t)

	rec, err := m.Deploy(types.DeploymentRequest{
		RequestID:     "r1",
		AgentAppID:    "a1",
		Version:       "1.0.0",
		PackageSource: "https://example.com/a.pkg",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := m.Get(rec.DeploymentID)
		return ok && got.Status == types.StatusFailed
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Get(rec.DeploymentID)
	require.NotNil(t, got.LastError)
	require.Equal(t, string(errs.KindFetchUnavailable), got.LastError.Kind)
}

func TestTeardownUnknownDeploymentErrors(t *testing.T) {
	m := testManager(t)
	err := m.Teardown("does-not-exist")
	require.Error(t, err)
}

func TestMergeEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, "FOO=from-dotenv\nBAR=from-dotenv\n")

	alloc := &types.PortAllocation{RESTPort: 8080, RPCPort: 50051, UIPort: 3000}
	out := mergeEnv("a1", dir, alloc, "/agents/a1", map[string]string{"BAR": "from-caller"})

	values := envSliceToMap(out)
	require.Equal(t, "from-dotenv", values["FOO"])
	require.Equal(t, "from-caller", values["BAR"])
	require.Equal(t, "a1", values["AGENT_APP_ID"])
	require.Equal(t, dir, values["AGENT_PACKAGE_PATH"])
	require.Equal(t, "8080", values["REST_PORT"])
	require.Equal(t, "50051", values["RPC_PORT"])
	require.Equal(t, "3000", values["UI_PORT"])
	require.Equal(t, "/agents/a1", values["BASE_PATH"])
}

func writeEnvFile(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), dir+"/.env", []byte(contents), 0o644))
}

func envSliceToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := splitEnv(kv); ok {
			m[k] = v
		}
	}
	return m
}
