// Package ports implements the Port Allocator: three disjoint ranges
// (REST, RPC, UI), each handed out as the lowest free port in its range
// and recorded in an in-memory map keyed by deploymentId. Modelled on the
// mutex-guarded map pattern the teacher uses to track per-node state.
package ports
