package agentsdk

import (
	"net/http"

	"google.golang.org/grpc"
)

// Registrations are the package author's hooks into each surface. A zero
// REST or RPC field means that surface is not mounted; Run then requires
// the manifest to not declare it either, or boot fails.
type Registrations struct {
	// REST mounts handler under the runtime's BASE_PATH. /health is
	// injected separately and must never be shadowed by handler.
	REST http.Handler

	// RPC is invoked with the *grpc.Server before it starts serving so
	// the caller can register its own generated service. agentrun's own
	// grpc_health_v1 registration happens regardless of this callback.
	RPC func(*grpc.Server)

	// UIDir is the directory http.FileServer serves UI assets from. When
	// empty, Run uses the manifest's ui.path.
	UIDir string
}
