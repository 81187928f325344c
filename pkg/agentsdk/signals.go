package agentsdk

import (
	"context"
	"os/signal"
	"syscall"
)

// withSignals returns a context that is cancelled on SIGTERM or SIGINT,
// the polite termination signals the Agent Supervisor sends.
func withSignals(parent context.Context) (context.Context, func()) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
