// Package types defines the core entities shared across the hosting
// runtime: deployment requests/records, cached packages, package manifests,
// environments and port allocations. Every other package depends on this
// one; this one depends on nothing in the module.
package types
