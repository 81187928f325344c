// Package controlapi implements the Control API: the HTTP/JSON surface the
// control plane uses to submit deployment requests and query or tear down
// running deployments. It is a thin transport layer over pkg/deployment's
// Manager — no policy, no auth, exactly spec.md §6's three routes.
package controlapi
