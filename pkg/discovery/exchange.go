package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gateway/pkg/logx"
	"gateway/pkg/peers"
)

// ExchangeSource learns peers from peers: each admitted Up peer exposes its
// own peer set behind the shared discovery token. New addresses join the
// candidate pool at the next pass.
type ExchangeSource struct {
	pool   *peers.Pool
	client *http.Client
	scheme string
	token  string
	logger *logx.Logger
}

// NewExchangeSource creates the source. An empty token disables exchange.
func NewExchangeSource(pool *peers.Pool, client *http.Client, scheme, token string) *ExchangeSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ExchangeSource{
		pool:   pool,
		client: client,
		scheme: scheme,
		token:  token,
		logger: logx.NewLogger("exchange"),
	}
}

// Name identifies the source.
func (s *ExchangeSource) Name() string {
	return "exchange"
}

// Discover asks every Up peer for its peer set.
func (s *ExchangeSource) Discover(ctx context.Context) ([]Candidate, error) {
	if s.token == "" {
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []Candidate
	for _, p := range s.pool.Snapshot().All() {
		if p.Status != peers.StatusUp {
			continue
		}
		entries, err := s.fetch(ctx, p.Address)
		if err != nil {
			logx.Debug(ctx, "discovery", "exchange with %s failed: %v", p.NodeID, err)
			continue
		}
		for _, e := range entries {
			if e.Address == "" || seen[e.Address] {
				continue
			}
			seen[e.Address] = true
			out = append(out, Candidate{Address: e.Address, NodeID: e.NodeID, Source: peers.SourceExchange})
		}
	}
	return out, nil
}

func (s *ExchangeSource) fetch(ctx context.Context, address string) ([]peers.ExchangeEntry, error) {
	url := fmt.Sprintf("%s://%s%s", s.scheme, address, peers.PathPeers)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: %w", address, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best-effort close on defer

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange %s: status %d", address, resp.StatusCode)
	}

	var entries []peers.ExchangeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("exchange %s: %w", address, err)
	}
	return entries, nil
}
