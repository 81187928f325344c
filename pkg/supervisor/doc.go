// Package supervisor implements the Agent Supervisor: spawning a
// deployment's compiled agent binary as a child OS process, piping its
// stdout/stderr line-by-line into the structured logger tagged with the
// owning deploymentId, and terminating it with a polite SIGTERM followed
// by a forceful SIGKILL if it outlives its grace period. Modelled on the
// teacher's containerd stop sequence (SIGTERM, wait, SIGKILL on timeout)
// and its worker's per-task stdout handling, generalised from containers
// to plain processes.
//
// The supervisor is not a restart loop: the Deployment Manager decides
// whether and when to restart a crashed child.
package supervisor
