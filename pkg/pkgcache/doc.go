// Package pkgcache implements the Package Cache and Fingerprint Index.
// The cache is content-trust, not content-addressed: its key is
// (agentAppId, version), which keeps file names human-readable, and
// integrity comes from an optional caller-supplied fingerprint rather
// than from the key itself. This lets the same (id, version) be re-pushed
// and re-verified instead of silently shadowed by a content hash. The
// filesystem is abstracted behind spf13/afero so the lookup algorithm can
// be exercised against an in-memory filesystem in tests.
package pkgcache
