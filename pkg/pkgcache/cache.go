package pkgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/types"
)

// Fetch is the shape of a function that materialises source bytes into
// destDir, returning a CachedPackage. pkg/fetcher.Fetcher.Fetch has this
// shape and is passed directly; declared here to avoid a dependency on the
// fetcher package's Policy type.
type Fetch func(ctx context.Context, source, destDir, expectedFingerprint string) (*types.CachedPackage, error)

// Cache implements the Package Cache's content-trust lookup algorithm
// over a directory tree keyed by (agentAppId, version).
type Cache struct {
	fs      afero.Fs
	rootDir string
	log     zerolog.Logger

	mu    sync.Mutex
	index *FingerprintIndex
}

// New creates a Cache rooted at rootDir on the given filesystem.
func New(fs afero.Fs, rootDir string, log zerolog.Logger) *Cache {
	return &Cache{
		fs:      fs,
		rootDir: rootDir,
		log:     log,
		index:   NewFingerprintIndex(),
	}
}

func (c *Cache) packageDir(agentAppID, version string) string {
	return filepath.Join(c.rootDir, agentAppID, version)
}

func (c *Cache) packagePath(agentAppID, version string) string {
	return filepath.Join(c.packageDir(agentAppID, version), "package.pkg")
}

// Get runs the Package Cache's lookup algorithm: forceRefresh deletes any
// existing cached file before fetching; otherwise an existing file is
// trusted as a hit unless expectedFingerprint is supplied and mismatches,
// in which case it is refetched. source, if non-empty, is used to refetch
// on a miss or mismatch via fetch.
func (c *Cache) Get(ctx context.Context, agentAppID, version, source, expectedFingerprint string, forceRefresh bool, fetch Fetch) (*types.CachedPackage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.packagePath(agentAppID, version)

	if forceRefresh {
		_ = c.fs.Remove(path)
	} else if exists, _ := afero.Exists(c.fs, path); exists {
		if expectedFingerprint == "" {
			metrics.PackageCacheHitsTotal.Inc()
			return c.statAsCached(path)
		}

		digest, err := c.digest(path)
		if err != nil {
			return nil, err
		}
		if digest == expectedFingerprint {
			cached, err := c.statAsCached(path)
			if err != nil {
				return nil, err
			}
			c.index.Put(digest, path)
			metrics.PackageCacheHitsTotal.Inc()
			return cached, nil
		}

		c.log.Warn().Str("agent_app_id", agentAppID).Str("version", version).
			Str("expected", expectedFingerprint).Str("actual", digest).
			Msg("cached package fingerprint mismatch, refetching")
	}

	metrics.PackageCacheMissesTotal.Inc()

	if fetch == nil {
		return nil, errs.New(errs.KindFetchUnavailable, "package not cached and no fetch source available")
	}

	dir := c.packageDir(agentAppID, version)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "create cache directory", err)
	}

	cached, err := fetch(ctx, source, dir, expectedFingerprint)
	if err != nil {
		return nil, err
	}

	if cached.Path != path {
		if err := c.moveInto(cached.Path, path); err != nil {
			return nil, errs.Wrap(errs.KindFetchUnavailable, "place fetched package at cache key", err)
		}
		cached.Path = path
	}

	c.index.Put(cached.Fingerprint, path)
	metrics.PackageCacheEntries.Set(float64(c.index.Len()))
	return cached, nil
}

func (c *Cache) moveInto(from, to string) error {
	if err := c.fs.Rename(from, to); err == nil {
		return nil
	}
	// afero in-memory filesystems support Rename across directories, but
	// be defensive and fall back to copy+remove for filesystems that don't.
	src, err := c.fs.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := c.fs.Create(to)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return c.fs.Remove(from)
}

func (c *Cache) digest(path string) (string, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindFetchUnavailable, "open cached package", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Wrap(errs.KindFetchUnavailable, "hash cached package", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Cache) statAsCached(path string) (*types.CachedPackage, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "stat cached package", err)
	}
	digest, err := c.digest(path)
	if err != nil {
		return nil, err
	}
	return &types.CachedPackage{
		Path:        path,
		Fingerprint: digest,
		SizeBytes:   info.Size(),
		FetchedAt:   info.ModTime(),
	}, nil
}

// Index returns the cache's Fingerprint Index.
func (c *Cache) Index() *FingerprintIndex {
	return c.index
}

// FingerprintIndex maps a content fingerprint to the path of the cached
// package file that holds it. Cache.Get records entries here but does not
// consult them: (agentAppId, version) keys that share bytes are each
// fetched and stored separately.
type FingerprintIndex struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewFingerprintIndex creates an empty index.
func NewFingerprintIndex() *FingerprintIndex {
	return &FingerprintIndex{entries: make(map[string]string)}
}

// Put records path as the artifact for fingerprint.
func (idx *FingerprintIndex) Put(fingerprint, path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[fingerprint] = path
}

// Lookup returns the path recorded for fingerprint, if any.
func (idx *FingerprintIndex) Lookup(fingerprint string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	path, ok := idx.entries[fingerprint]
	return path, ok
}

// Remove drops fingerprint from the index.
func (idx *FingerprintIndex) Remove(fingerprint string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, fingerprint)
}

// Len reports the number of indexed fingerprints.
func (idx *FingerprintIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
