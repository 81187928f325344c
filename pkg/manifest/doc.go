// Package manifest implements the Manifest Reader: it parses the YAML
// manifest at an extracted package's root (agent.yaml, grounded in the
// teacher's existing gopkg.in/yaml.v3 dependency) into a
// types.PackageManifest, and validates it against the package format
// invariants from spec.md §4.3 and §6 — required fields present, declared
// files actually exist on disk, unknown surface keys only warn, and at
// least one surface is declared.
package manifest
