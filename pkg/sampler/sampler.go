// Package sampler periodically pulls the one-minute load metric from every
// known peer and folds the samples into the peer snapshot.
package sampler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"gateway/pkg/config"
	"gateway/pkg/logx"
	"gateway/pkg/peers"
)

// Sampler scrapes peers on an interval. Results are written through the
// pool, which publishes them with a single snapshot swap; a peer that
// disappears between scrape start and result delivery is discarded there.
type Sampler struct {
	pool     *peers.Pool
	client   *http.Client
	scheme   string
	interval time.Duration
	logger   *logx.Logger
}

// New creates a sampler over the given pool. scheme is "https" in
// production; tests pass "http".
func New(pool *peers.Pool, client *http.Client, scheme string) *Sampler {
	if client == nil {
		client = &http.Client{Timeout: config.ProbeTimeout}
	}
	return &Sampler{
		pool:     pool,
		client:   client,
		scheme:   scheme,
		interval: config.SampleInterval,
		logger:   logx.NewLogger("sampler"),
	}
}

// Run scrapes until the context is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

// sampleAll scrapes every peer concurrently and waits for the round.
func (s *Sampler) sampleAll(ctx context.Context) {
	snap := s.pool.Snapshot()

	var wg sync.WaitGroup
	for _, p := range snap.All() {
		wg.Add(1)
		go func(nodeID, address string) {
			defer wg.Done()
			load, err := s.scrape(ctx, address)
			if err != nil {
				logx.Debug(ctx, "sampler", "scrape %s failed: %v", address, err)
				return
			}
			s.pool.SetLoad(nodeID, load, time.Now())
		}(p.NodeID, p.Address)
	}
	wg.Wait()
}

// scrape fetches one peer's load exposition and extracts the gauge.
func (s *Sampler) scrape(ctx context.Context, address string) (float64, error) {
	url := fmt.Sprintf("%s://%s%s", s.scheme, address, peers.PathLoad)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build scrape request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scrape %s: %w", address, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best-effort close on defer

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scrape %s: status %d", address, resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("parse exposition from %s: %w", address, err)
	}

	family, ok := families[peers.LoadMetricName]
	if !ok || len(family.GetMetric()) == 0 {
		return 0, fmt.Errorf("exposition from %s has no %s", address, peers.LoadMetricName)
	}

	metric := family.GetMetric()[0]
	if gauge := metric.GetGauge(); gauge != nil {
		return gauge.GetValue(), nil
	}
	if untyped := metric.GetUntyped(); untyped != nil {
		return untyped.GetValue(), nil
	}
	return 0, fmt.Errorf("%s from %s is not a gauge", peers.LoadMetricName, address)
}

// WriteExposition renders this node's load gauge in the text format the
// sampler consumes, for the server side of the contract.
func WriteExposition(w io.Writer, load float64) error {
	_, err := fmt.Fprintf(w, "# TYPE %s gauge\n%s %g\n", peers.LoadMetricName, peers.LoadMetricName, load)
	if err != nil {
		return fmt.Errorf("write load exposition: %w", err)
	}
	return nil
}
