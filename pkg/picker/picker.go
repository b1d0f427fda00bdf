// Package picker decides, per admitted request, whether to execute locally
// or off-load to the least-loaded Up peer.
package picker

import (
	"time"

	"gateway/pkg/admission"
	"gateway/pkg/config"
	"gateway/pkg/peers"
)

// Decision is the outcome of one pick.
type Decision struct {
	// Remote is nil for local execution.
	Remote *peers.Peer
}

// Local reports whether the request executes in-process.
func (d Decision) Local() bool {
	return d.Remote == nil
}

// Picker evaluates the off-load decision. It reads the snapshot without
// locks; ties break on node-id so symmetric load yields a deterministic,
// non-oscillating choice.
type Picker struct {
	pool      *peers.Pool
	gauge     *admission.Gauge
	threshold int64
	maxAge    time.Duration
}

// New creates a picker. threshold is the overload level at or above which
// off-load is preferred.
func New(pool *peers.Pool, gauge *admission.Gauge, threshold int64) *Picker {
	return &Picker{
		pool:      pool,
		gauge:     gauge,
		threshold: threshold,
		maxAge:    config.SampleMaxAge,
	}
}

// Pick evaluates the decision function for one request. exclude names peers
// to skip, used by the forwarder's retry to select a different peer.
func (p *Picker) Pick(exclude map[string]bool) Decision {
	if !p.gauge.Overloaded(p.threshold) {
		return Decision{}
	}
	return p.PickRemote(exclude)
}

// PickRemote selects the least-loaded admissible peer regardless of the
// local gauge. An empty candidate set fails open to local execution.
func (p *Picker) PickRemote(exclude map[string]bool) Decision {
	snap := p.pool.Snapshot()
	now := time.Now()

	var best *peers.Peer
	var bestLoad float64
	for _, candidate := range snap.All() {
		if candidate.Status != peers.StatusUp {
			continue
		}
		if exclude[candidate.NodeID] {
			continue
		}
		if candidate.LoadAge(now) > p.maxAge {
			continue
		}

		load := candidate.Load
		if best == nil || load < bestLoad {
			best = candidate
			bestLoad = load
		}
		// Snapshot order is node-id order, so the first minimum wins
		// ties deterministically.
	}

	return Decision{Remote: best}
}
