// Package loader extracts an APKG archive (a gzipped tar containing a
// package's manifest, dependency manifest, and code tree) into a
// directory and hands the result to pkg/manifest for validation. No
// example repo in the retrieved corpus exercises archive extraction, so
// this is one of the few places agentrun reaches for the standard
// library (archive/tar, compress/gzip) rather than a third-party module
// — see DESIGN.md.
package loader
