package envbuild

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/types"
)

func TestDependencyFingerprintNoGoSumIsNoDeps(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/pkg", 0o755))

	fp, err := dependencyFingerprint(fs, "/pkg")
	require.NoError(t, err)
	require.Equal(t, noDepsFingerprint, fp)
}

func TestDependencyFingerprintFromGoSum(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/pkg", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/pkg/go.sum", []byte("example.com/dep v1.0.0 h1:abc=\n"), 0o644))

	fp1, err := dependencyFingerprint(fs, "/pkg")
	require.NoError(t, err)
	require.Len(t, fp1, 7)

	fp2, err := dependencyFingerprint(fs, "/pkg")
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

func TestEvictionRemovesLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	b := New(afero.NewOsFs(), Config{EnvsDir: dir, MaxEnvironments: 1}, zerolog.Nop())

	oldPath := filepath.Join(dir, "a1_aaaaaaa")
	newPath := filepath.Join(dir, "a1_bbbbbbb")
	require.NoError(t, os.MkdirAll(oldPath, 0o755))
	require.NoError(t, os.MkdirAll(newPath, 0o755))

	b.touch("a1_aaaaaaa", &types.Environment{Path: oldPath, LastUsedAt: time.Now().Add(-time.Hour)})
	b.touch("a1_bbbbbbb", &types.Environment{Path: newPath, LastUsedAt: time.Now()})

	b.evictIfOverCapacity()

	require.Equal(t, 1, b.Len())
	require.NoDirExists(t, oldPath)
	require.DirExists(t, newPath)
}

// writeFakeAgent creates an executable shell script standing in for a
// built agent binary, so validated() can be exercised without invoking
// the Go toolchain.
func writeFakeAgent(t *testing.T, envPath string) {
	t.Helper()
	binDir := filepath.Join(envPath, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	abs, err := filepath.Abs(envPath)
	require.NoError(t, err)
	script := "#!/bin/sh\necho " + abs + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "agent"), []byte(script), 0o755))
}

func TestValidatedAcceptsSelfIdentifyingBinary(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "a1_ccccccc")
	writeFakeAgent(t, envPath)

	b := New(afero.NewOsFs(), Config{EnvsDir: dir}, zerolog.Nop())
	env, ok := b.validated(envPath, "ccccccc")
	require.True(t, ok)
	require.Equal(t, envPath, env.Path)
}

func TestValidatedRejectsMissingBinary(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "a1_ddddddd")
	require.NoError(t, os.MkdirAll(envPath, 0o755))

	b := New(afero.NewOsFs(), Config{EnvsDir: dir}, zerolog.Nop())
	_, ok := b.validated(envPath, "ddddddd")
	require.False(t, ok)
}

func TestEnsureBuildsTrivialPackage(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	pkgDir := t.TempDir()
	envsDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "go.mod"), []byte("module trivialagent\n\ngo 1.25\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "main.go"), []byte(`package main

import (
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--agentrun-print-root" {
		exe, err := os.Executable()
		if err != nil {
			os.Exit(1)
		}
		fmt.Println(filepath.Dir(filepath.Dir(exe)))
	}
}
`), 0o644))

	b := New(afero.NewOsFs(), Config{EnvsDir: envsDir, InstallTimeout: 60 * time.Second}, zerolog.Nop())
	env, err := b.Ensure(context.Background(), pkgDir, "a1")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(env.Path, "bin", "agent"))
}
