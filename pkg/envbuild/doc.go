// Package envbuild implements the Environment Builder: given an extracted
// package directory, it produces a usable, isolated Go build environment
// keyed by a hash of the package's go.sum, reusing it across deployments
// whose dependency closures are byte-identical. Building shells out to
// `go build` via os/exec.CommandContext the way the teacher's embedded
// package shells out to external tool binaries; validation-before-reuse
// and delete-on-validation-failure follow the same pattern.
//
// An fsnotify watch keeps the in-memory LRU index honest if an
// environment directory is removed out from under the builder (manual
// cleanup, disk pressure eviction by another process).
package envbuild
