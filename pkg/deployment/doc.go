// Package deployment implements the Deployment Manager: the state machine
// that sequences fetch, load, environment build, port allocation, child
// spawn, and readiness probing into one deployment's lifecycle, and the
// teardown sequence that reverses it. Modelled on the teacher's
// mutex-guarded records map (pkg/worker's containers map) combined with
// one owning goroutine per deployment, the way the teacher's scheduler
// iterates and acts on each unit of work independently. Unlike the
// teacher's manager, there is no Raft log: idempotency and state live in
// memory for a single host, per the hosting runtime's non-goals.
package deployment
