// Package agentsdk is the library a deployed package links against. Its
// Run function is the three-surface runtime: it parses and validates the
// child's own environment, optionally re-fetches its package over
// PACKAGE_URL, loads the manifest, and boots REST, RPC, and UI
// concurrently behind a single readiness gate. The host process never
// imports this package or the code that calls it; it only execs the
// compiled binary that results from linking against it.
package agentsdk
