package loader

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/errs"
)

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
}

func TestLoadExtractsAndValidates(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a1.pkg")
	writeArchive(t, archivePath, map[string]string{
		"agent.yaml": "name: a1\nversion: 1.0.0\nrest:\n  entry: main.go\n",
		"main.go":    "package main",
	})

	loaded, err := Load(archivePath, filepath.Join(dir, "extracted"))
	require.NoError(t, err)
	require.Equal(t, "a1", loaded.Manifest.Name)
	require.FileExists(t, filepath.Join(dir, "extracted", "main.go"))
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.pkg")
	writeArchive(t, archivePath, map[string]string{
		"../../etc/passwd": "pwned",
	})

	_, err := Load(archivePath, filepath.Join(dir, "extracted"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindManifestInvalid))
}

func TestLoadInvalidManifestFails(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a1.pkg")
	writeArchive(t, archivePath, map[string]string{
		"agent.yaml": "name: a1\nversion: 1.0.0\n",
	})

	_, err := Load(archivePath, filepath.Join(dir, "extracted"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindManifestInvalid))
}
