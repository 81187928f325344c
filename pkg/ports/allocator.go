package ports

import (
	"fmt"
	"sync"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/types"
)

// Range is an inclusive [Min, Max] port range.
type Range struct {
	Min int
	Max int
}

// Config carries the three disjoint ranges the allocator hands out from.
type Config struct {
	REST Range
	RPC  Range
	UI   Range
}

// Allocator hands out (REST, RPC, UI) port triples, one per deploymentId,
// and tracks which individual ports are in use within each range.
type Allocator struct {
	cfg Config

	mu          sync.Mutex
	usedRest    map[int]bool
	usedRPC     map[int]bool
	usedUI      map[int]bool
	allocations map[string]*types.PortAllocation
}

// New creates an Allocator bound to cfg.
func New(cfg Config) *Allocator {
	return &Allocator{
		cfg:         cfg,
		usedRest:    make(map[int]bool),
		usedRPC:     make(map[int]bool),
		usedUI:      make(map[int]bool),
		allocations: make(map[string]*types.PortAllocation),
	}
}

// Allocate reserves the lowest free port in each of the three ranges for
// deploymentId and returns the triple. Calling Allocate twice for the same
// deploymentId without an intervening Release returns the existing
// allocation unchanged.
func (a *Allocator) Allocate(deploymentID string) (*types.PortAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.allocations[deploymentID]; ok {
		return existing, nil
	}

	rest, err := lowestFree(a.cfg.REST, a.usedRest)
	if err != nil {
		metrics.PortAllocationFailuresTotal.WithLabelValues("rest").Inc()
		return nil, err
	}
	rpc, err := lowestFree(a.cfg.RPC, a.usedRPC)
	if err != nil {
		metrics.PortAllocationFailuresTotal.WithLabelValues("rpc").Inc()
		return nil, err
	}
	ui, err := lowestFree(a.cfg.UI, a.usedUI)
	if err != nil {
		metrics.PortAllocationFailuresTotal.WithLabelValues("ui").Inc()
		return nil, err
	}

	a.usedRest[rest] = true
	a.usedRPC[rpc] = true
	a.usedUI[ui] = true

	alloc := &types.PortAllocation{
		DeploymentID: deploymentID,
		RESTPort:     rest,
		RPCPort:      rpc,
		UIPort:       ui,
	}
	a.allocations[deploymentID] = alloc
	a.observeAllocated()
	return alloc, nil
}

// Release frees deploymentId's ports. Idempotent: releasing an unknown or
// already-released deploymentId is a no-op.
func (a *Allocator) Release(deploymentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[deploymentID]
	if !ok {
		return
	}

	delete(a.usedRest, alloc.RESTPort)
	delete(a.usedRPC, alloc.RPCPort)
	delete(a.usedUI, alloc.UIPort)
	delete(a.allocations, deploymentID)
	a.observeAllocated()
}

// observeAllocated refreshes the PortsAllocated gauge for each surface.
// Caller must hold a.mu.
func (a *Allocator) observeAllocated() {
	metrics.PortsAllocated.WithLabelValues("rest").Set(float64(len(a.usedRest)))
	metrics.PortsAllocated.WithLabelValues("rpc").Set(float64(len(a.usedRPC)))
	metrics.PortsAllocated.WithLabelValues("ui").Set(float64(len(a.usedUI)))
}

func lowestFree(r Range, used map[int]bool) (int, error) {
	for p := r.Min; p <= r.Max; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, errs.New(errs.KindNoPortsAvailable, fmt.Sprintf("no free ports in range [%d, %d]", r.Min, r.Max))
}
