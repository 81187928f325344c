package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nestframe/agentrun/pkg/types"
)

type fakeLister struct {
	deployments []*types.DeploymentRecord
}

func (f *fakeLister) ListDeployments() []*types.DeploymentRecord {
	return f.deployments
}

func TestCollectorSetsDeploymentGaugesByStatus(t *testing.T) {
	lister := &fakeLister{deployments: []*types.DeploymentRecord{
		{Status: types.StatusHealthy},
		{Status: types.StatusHealthy},
		{Status: types.StatusFailed},
	}}

	c := NewCollector(lister)
	c.collect()

	if got := testutil.ToFloat64(DeploymentsTotal.WithLabelValues(string(types.StatusHealthy))); got != 2 {
		t.Errorf("StatusHealthy gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(DeploymentsTotal.WithLabelValues(string(types.StatusFailed))); got != 1 {
		t.Errorf("StatusFailed gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DeploymentsTotal.WithLabelValues(string(types.StatusPending))); got != 0 {
		t.Errorf("StatusPending gauge = %v, want 0", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(&fakeLister{})
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
