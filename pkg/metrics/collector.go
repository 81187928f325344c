package metrics

import (
	"time"

	"github.com/nestframe/agentrun/pkg/types"
)

// DeploymentLister is the subset of the Deployment Manager's API the
// collector needs. Declared here, rather than importing pkg/deployment
// directly, so metrics has no dependency on the component it observes.
type DeploymentLister interface {
	ListDeployments() []*types.DeploymentRecord
}

// Collector periodically snapshots deployment manager state into the
// gauges registered in metrics.go. Counters and histograms are updated
// inline by the components that own the events they measure; Collector
// only handles the point-in-time gauges that have no natural call site.
type Collector struct {
	lister DeploymentLister
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given lister.
func NewCollector(lister DeploymentLister) *Collector {
	return &Collector{
		lister: lister,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDeploymentMetrics()
}

func (c *Collector) collectDeploymentMetrics() {
	deployments := c.lister.ListDeployments()

	counts := make(map[types.DeploymentStatus]int)
	for _, d := range deployments {
		counts[d.Status]++
	}

	for _, status := range []types.DeploymentStatus{
		types.StatusPending,
		types.StatusDownloading,
		types.StatusLoading,
		types.StatusBuildingEnv,
		types.StatusStarting,
		types.StatusWaitingReady,
		types.StatusHealthy,
		types.StatusDraining,
		types.StatusStopped,
		types.StatusFailed,
	} {
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
