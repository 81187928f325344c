// Package health implements the probes the Deployment Manager uses to
// decide whether a spawned agent process has become ready.
//
// Three checker types share the Checker interface: HTTPChecker polls the
// injected REST_PORT's /health route, TCPChecker confirms a port
// is accepting connections, and ExecChecker runs an arbitrary command on
// the host and inspects its exit code. Status applies hysteresis on top of
// raw Results so a single flaky probe during the waiting_ready phase does
// not flip a deployment back to failed.
package health
