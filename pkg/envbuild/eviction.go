package envbuild

import (
	"time"

	"github.com/nestframe/agentrun/pkg/metrics"
)

type envCandidate struct {
	name       string
	path       string
	lastUsedAt time.Time
}

// evictIfOverCapacity removes the least-recently-used environments once
// the index holds more than cfg.MaxEnvironments entries.
func (b *Builder) evictIfOverCapacity() {
	for {
		victim, ok := b.oldestCandidate()
		if !ok {
			return
		}
		b.mu.Lock()
		delete(b.index, victim.name)
		b.mu.Unlock()

		_ = b.fs.RemoveAll(victim.path)
		metrics.EnvironmentEvictionsTotal.Inc()
		metrics.EnvironmentsTotal.Set(float64(b.Len()))
		b.log.Info().Str("env_path", victim.path).Msg("evicted least-recently-used environment")
	}
}

// oldestCandidate returns the least-recently-used environment if the
// index is currently over capacity.
func (b *Builder) oldestCandidate() (envCandidate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.index) <= b.cfg.MaxEnvironments {
		return envCandidate{}, false
	}

	var oldest envCandidate
	found := false
	for name, env := range b.index {
		if !found || env.LastUsedAt.Before(oldest.lastUsedAt) {
			oldest = envCandidate{name: name, path: env.Path, lastUsedAt: env.LastUsedAt}
			found = true
		}
	}
	return oldest, found
}
