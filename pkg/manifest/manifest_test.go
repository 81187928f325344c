package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/errs"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestLoadValidRESTOnlyManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	writeManifest(t, dir, `
name: a1
version: 1.0.0
rest:
  entry: main.go
`)

	m, warnings, err := Load(dir)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, "a1", m.Name)
	require.True(t, m.HasAnySurface())
}

func TestLoadMissingNameFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
version: 1.0.0
rest:
  entry: main.go
`)

	_, _, err := Load(dir)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindManifestInvalid))
}

func TestLoadNoSurfacesFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
name: a1
version: 1.0.0
`)

	_, _, err := Load(dir)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindManifestInvalid))
}

func TestLoadReferencesNonExistentFileFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
name: a1
version: 1.0.0
rest:
  entry: missing.go
`)

	_, _, err := Load(dir)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindManifestInvalid))
}

func TestLoadWarnsOnUnknownKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	writeManifest(t, dir, `
name: a1
version: 1.0.0
rest:
  entry: main.go
scheduling:
  priority: high
`)

	_, warnings, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestLoadAllThreeSurfaces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "ui"), 0o755))
	writeManifest(t, dir, `
name: a1
version: 1.0.0
rest:
  entry: main.go
rpc:
  service: AgentService
ui:
  path: ui
  base_path: /ui
`)

	m, _, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "AgentService", m.Surfaces.RPCService)
	require.Equal(t, "/ui", m.Surfaces.UIBasePath)
}

func TestLoadMissingFileFails(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(dir)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindManifestInvalid))
}
