// Package health runs periodic TCP connect probes against every peer and
// publishes Up/Down transitions into the peer snapshot.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"gateway/pkg/config"
	"gateway/pkg/logx"
	"gateway/pkg/peers"
)

// Dialer abstracts the probe connection for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TransitionFunc is invoked on every Up/Down flip, after the snapshot has
// been updated.
type TransitionFunc func(nodeID string, up bool)

// Checker probes peers on an interval. Streak counters live here, keyed by
// node-id, so a peer replaced in the snapshot keeps its probe history.
type Checker struct {
	pool         *peers.Pool
	dialer       Dialer
	onTransition TransitionFunc
	logger       *logx.Logger

	mu      sync.Mutex
	streaks map[string]*streak
}

// streak tracks consecutive probe outcomes for one peer.
type streak struct {
	successes int
	failures  int
}

// New creates a checker. onTransition may be nil.
func New(pool *peers.Pool, dialer Dialer, onTransition TransitionFunc) *Checker {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: config.ProbeTimeout}
	}
	return &Checker{
		pool:         pool,
		dialer:       dialer,
		onTransition: onTransition,
		logger:       logx.NewLogger("health"),
		streaks:      make(map[string]*streak),
	}
}

// Run probes until the context is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

// probeAll probes every peer concurrently and waits for the round.
func (c *Checker) probeAll(ctx context.Context) {
	snap := c.pool.Snapshot()

	var wg sync.WaitGroup
	for _, p := range snap.All() {
		wg.Add(1)
		go func(nodeID, address string, status peers.Status) {
			defer wg.Done()
			ok := c.probe(ctx, address)
			c.record(nodeID, status, ok)
		}(p.NodeID, p.Address, p.Status)
	}
	wg.Wait()

	c.dropStaleStreaks(snap)
}

// probe makes one TCP connect attempt.
func (c *Checker) probe(ctx context.Context, address string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, config.ProbeTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// record folds one probe outcome into the peer's streak and publishes a
// transition when the flip threshold is reached.
func (c *Checker) record(nodeID string, current peers.Status, ok bool) {
	c.mu.Lock()
	s, exists := c.streaks[nodeID]
	if !exists {
		s = &streak{}
		c.streaks[nodeID] = s
	}
	if ok {
		s.successes++
		s.failures = 0
	} else {
		s.failures++
		s.successes = 0
	}
	successes, failures := s.successes, s.failures
	c.mu.Unlock()

	now := time.Now()
	switch {
	case ok && current != peers.StatusUp && successes >= config.ProbeFlipCount:
		c.pool.SetStatus(nodeID, peers.StatusUp, now)
		c.logger.Info("peer %s is up", nodeID)
		if c.onTransition != nil {
			c.onTransition(nodeID, true)
		}
	case !ok && current != peers.StatusDown && failures >= config.ProbeFlipCount:
		c.pool.SetStatus(nodeID, peers.StatusDown, now)
		c.logger.Warn("peer %s is down", nodeID)
		if c.onTransition != nil {
			c.onTransition(nodeID, false)
		}
	case ok && current == peers.StatusUp:
		c.pool.SetStatus(nodeID, peers.StatusUp, now)
	case !ok && current == peers.StatusDown:
		c.pool.SetStatus(nodeID, peers.StatusDown, now)
	}
}

// MarkDown force-transitions a peer to Down, used by the forwarder's
// circuit breaker. The streak resets so recovery still takes two probes.
func (c *Checker) MarkDown(nodeID string) {
	c.mu.Lock()
	if s, ok := c.streaks[nodeID]; ok {
		s.successes = 0
		s.failures = config.ProbeFlipCount
	} else {
		c.streaks[nodeID] = &streak{failures: config.ProbeFlipCount}
	}
	c.mu.Unlock()

	c.pool.SetStatus(nodeID, peers.StatusDown, time.Now())
	c.logger.Warn("peer %s marked down by circuit breaker", nodeID)
	if c.onTransition != nil {
		c.onTransition(nodeID, false)
	}
}

// dropStaleStreaks forgets peers no longer in the snapshot.
func (c *Checker) dropStaleStreaks(snap *peers.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for nodeID := range c.streaks {
		if _, ok := snap.Get(nodeID); !ok {
			delete(c.streaks, nodeID)
		}
	}
}
