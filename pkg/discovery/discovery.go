// Package discovery produces and maintains the peer pool from DNS SRV,
// multicast announcements, peer exchange, and static configuration. Every
// candidate passes the build-fingerprint gate before admission.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gateway/pkg/buildinfo"
	"gateway/pkg/config"
	"gateway/pkg/logx"
	"gateway/pkg/peers"
)

// Candidate is an address produced by one discovery source, before the
// handshake gate has seen it.
type Candidate struct {
	Address string
	NodeID  string // empty until the handshake fills it in
	Source  peers.Source
}

// Source is one discovery mechanism.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// Discover returns the current candidates.
	Discover(ctx context.Context) ([]Candidate, error)
}

// Rejections counts candidates that fail the gate.
type Rejections interface {
	IncDiscoveryRejected(reason string)
}

// Manager runs discovery passes and owns pool membership.
type Manager struct {
	cfg        config.Config
	pool       *peers.Pool
	sources    []Source
	client     *http.Client
	scheme     string
	localFP    buildinfo.Fingerprint
	localNode  string
	rejections Rejections
	logger     *logx.Logger

	// handshakes caches gate results by address so admitted peers are
	// not re-verified on every pass.
	handshakes map[string]peers.Handshake

	interval time.Duration
}

// NewManager creates the discovery manager. localNode is this node's id so
// self-announcements are skipped; sources are polled each pass; static
// upstreams are appended implicitly from cfg.
func NewManager(cfg config.Config, localNode string, pool *peers.Pool, sources []Source, client *http.Client, scheme string, rejections Rejections) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Manager{
		cfg:        cfg,
		pool:       pool,
		sources:    sources,
		client:     client,
		scheme:     scheme,
		localFP:    buildinfo.Local(),
		localNode:  localNode,
		rejections: rejections,
		logger:     logx.NewLogger("discovery"),
		handshakes: make(map[string]peers.Handshake),
		interval:   15 * time.Second,
	}
}

// Run performs a pass immediately and then on the interval until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.Pass(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Pass(ctx)
		}
	}
}

// Pass gathers candidates, gates them, and installs the new pool view.
func (m *Manager) Pass(ctx context.Context) {
	candidates := m.gather(ctx)
	admitted := make([]*peers.Peer, 0, len(candidates))
	listed := make(map[string]bool, len(candidates))
	now := time.Now()

	for _, c := range candidates {
		hs, err := m.gate(ctx, c)
		if err != nil {
			logx.Debug(ctx, "discovery", "candidate %s rejected: %v", c.Address, err)
			continue
		}
		if hs.NodeID == m.localNode {
			continue
		}
		if listed[hs.NodeID] {
			continue
		}
		listed[hs.NodeID] = true

		fp, err := buildinfo.Parse(hs.Fingerprint)
		if err != nil {
			fp = buildinfo.Fingerprint{}
		}
		admitted = append(admitted, &peers.Peer{
			Address:     c.Address,
			NodeID:      hs.NodeID,
			Source:      c.Source,
			Fingerprint: fp,
			LastSeen:    now,
		})
	}

	// Eviction: a pool member missing from this pass survives until it
	// has been Down for the grace period.
	for _, existing := range m.pool.Snapshot().All() {
		if listed[existing.NodeID] {
			continue
		}
		if existing.Status == peers.StatusDown && !existing.DownSince.IsZero() &&
			now.Sub(existing.DownSince) >= config.EvictionGrace {
			m.logger.Info("evicting peer %s after grace period", existing.NodeID)
			delete(m.handshakes, existing.Address)
			continue
		}
		carried := *existing
		admitted = append(admitted, &carried)
		listed[existing.NodeID] = true
	}

	m.pool.Replace(admitted)
}

// gather collects candidates from every source plus static upstreams.
func (m *Manager) gather(ctx context.Context) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate

	add := func(c Candidate) {
		if c.Address == "" || seen[c.Address] {
			return
		}
		seen[c.Address] = true
		out = append(out, c)
	}

	for _, src := range m.sources {
		found, err := src.Discover(ctx)
		if err != nil {
			m.logger.Warn("source %s: %v", src.Name(), err)
			continue
		}
		for _, c := range found {
			add(c)
		}
	}
	for _, addr := range m.cfg.StaticUpstreams {
		add(Candidate{Address: addr, Source: peers.SourceStatic})
	}
	return out
}

// gate runs the handshake and the build-fingerprint check. Successful
// results are cached by address; rejections are re-tried every pass.
func (m *Manager) gate(ctx context.Context, c Candidate) (peers.Handshake, error) {
	if hs, ok := m.handshakes[c.Address]; ok {
		return hs, nil
	}

	hs, err := m.handshake(ctx, c.Address)
	if err != nil {
		m.reject("handshake")
		return peers.Handshake{}, err
	}
	if hs.NodeID == "" {
		m.reject("identity")
		return peers.Handshake{}, fmt.Errorf("peer %s has no node id", c.Address)
	}

	if !m.cfg.CrossBuild {
		remote, err := buildinfo.Parse(hs.Fingerprint)
		if err != nil || !remote.Equal(m.localFP) {
			m.reject("fingerprint")
			return peers.Handshake{}, fmt.Errorf("peer %s build fingerprint mismatch", c.Address)
		}
	}

	m.handshakes[c.Address] = hs
	return hs, nil
}

func (m *Manager) reject(reason string) {
	if m.rejections != nil {
		m.rejections.IncDiscoveryRejected(reason)
	}
}

// handshake fetches the peer's identity document.
func (m *Manager) handshake(ctx context.Context, address string) (peers.Handshake, error) {
	var hs peers.Handshake

	url := fmt.Sprintf("%s://%s%s", m.scheme, address, peers.PathHandshake)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return hs, fmt.Errorf("build handshake request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return hs, fmt.Errorf("handshake %s: %w", address, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best-effort close on defer

	if resp.StatusCode != http.StatusOK {
		return hs, fmt.Errorf("handshake %s: status %d", address, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return hs, fmt.Errorf("handshake %s: %w", address, err)
	}
	return hs, nil
}
