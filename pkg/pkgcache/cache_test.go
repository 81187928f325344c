package pkgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/types"
)

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func fakeFetch(payload []byte) Fetch {
	return func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
		return &types.CachedPackage{
			Path:        destDir + "/fetched.pkg",
			Fingerprint: digestOf(payload),
			SizeBytes:   int64(len(payload)),
		}, nil
	}
}

func TestCacheMissFetches(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache", zerolog.Nop())
	payload := []byte("v1 bytes")

	var calls int
	fetch := func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
		calls++
		require.NoError(t, afero.WriteFile(fs, destDir+"/fetched.pkg", payload, 0o644))
		return fakeFetch(payload)(ctx, source, destDir, expectedFingerprint)
	}

	cached, err := c.Get(context.Background(), "a1", "1.0.0", "https://example/a1.pkg", "", false, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, digestOf(payload), cached.Fingerprint)
}

func TestCacheHitWithoutFingerprintSkipsFetch(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache", zerolog.Nop())
	payload := []byte("cached bytes")
	require.NoError(t, afero.WriteFile(fs, c.packagePath("a1", "1.0.0"), payload, 0o644))

	var calls int
	fetch := func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
		calls++
		return nil, nil
	}

	cached, err := c.Get(context.Background(), "a1", "1.0.0", "", "", false, fetch)
	require.NoError(t, err)
	require.Equal(t, 0, calls)
	require.Equal(t, digestOf(payload), cached.Fingerprint)
}

func TestCacheMismatchRefetches(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache", zerolog.Nop())
	stale := []byte("stale bytes")
	require.NoError(t, afero.WriteFile(fs, c.packagePath("a1", "1.0.0"), stale, 0o644))

	fresh := []byte("fresh bytes")
	var calls int
	fetch := func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
		calls++
		require.NoError(t, afero.WriteFile(fs, destDir+"/fetched.pkg", fresh, 0o644))
		return fakeFetch(fresh)(ctx, source, destDir, expectedFingerprint)
	}

	cached, err := c.Get(context.Background(), "a1", "1.0.0", "https://example/a1.pkg", digestOf(fresh), false, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, digestOf(fresh), cached.Fingerprint)
}

func TestCacheForceRefreshAlwaysFetches(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(fs, "/cache", zerolog.Nop())
	require.NoError(t, afero.WriteFile(fs, c.packagePath("a1", "1.0.0"), []byte("old"), 0o644))

	fresh := []byte("new bytes")
	var calls int
	fetch := func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
		calls++
		require.NoError(t, afero.WriteFile(fs, destDir+"/fetched.pkg", fresh, 0o644))
		return fakeFetch(fresh)(ctx, source, destDir, expectedFingerprint)
	}

	_, err := c.Get(context.Background(), "a1", "1.0.0", "https://example/a1.pkg", "", true, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestFingerprintIndexPutLookupRemove(t *testing.T) {
	idx := NewFingerprintIndex()
	idx.Put("abc123", "/cache/a1/1.0.0/package.pkg")

	path, ok := idx.Lookup("abc123")
	require.True(t, ok)
	require.Equal(t, "/cache/a1/1.0.0/package.pkg", path)
	require.Equal(t, 1, idx.Len())

	idx.Remove("abc123")
	_, ok = idx.Lookup("abc123")
	require.False(t, ok)
}
