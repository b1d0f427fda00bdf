package sampler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/pkg/peers"
)

func loadServer(t *testing.T, load float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(peers.PathLoad, func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, WriteExposition(w, load))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestScrapeExtractsGauge(t *testing.T) {
	srv := loadServer(t, 0.42)

	s := New(peers.NewPool(), srv.Client(), "http")
	load, err := s.scrape(context.Background(), addrOf(srv))
	require.NoError(t, err)
	assert.InDelta(t, 0.42, load, 1e-9)
}

func TestScrapeMissingMetric(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(peers.PathLoad, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# TYPE other gauge\nother 1\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := New(peers.NewPool(), srv.Client(), "http")
	_, err := s.scrape(context.Background(), addrOf(srv))
	assert.Error(t, err)
}

func TestScrapeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(peers.NewPool(), srv.Client(), "http")
	_, err := s.scrape(context.Background(), addrOf(srv))
	assert.Error(t, err)
}

func TestSampleAllUpdatesPool(t *testing.T) {
	fast := loadServer(t, 0.2)
	slow := loadServer(t, 0.9)

	pool := peers.NewPool()
	pool.Replace([]*peers.Peer{
		{NodeID: "fast", Address: addrOf(fast)},
		{NodeID: "slow", Address: addrOf(slow)},
	})

	s := New(pool, &http.Client{Timeout: time.Second}, "http")
	s.sampleAll(context.Background())

	snap := pool.Snapshot()
	p, ok := snap.Get("fast")
	require.True(t, ok)
	assert.InDelta(t, 0.2, p.Load, 1e-9)
	assert.False(t, p.LoadSampled.IsZero())

	p, ok = snap.Get("slow")
	require.True(t, ok)
	assert.InDelta(t, 0.9, p.Load, 1e-9)
}

func TestUnreachablePeerKeepsOldSample(t *testing.T) {
	pool := peers.NewPool()
	pool.Replace([]*peers.Peer{{NodeID: "gone", Address: "127.0.0.1:1"}})
	sampled := time.Now().Add(-time.Minute)
	pool.SetLoad("gone", 0.5, sampled)

	s := New(pool, &http.Client{Timeout: 200 * time.Millisecond}, "http")
	s.sampleAll(context.Background())

	p, ok := pool.Snapshot().Get("gone")
	require.True(t, ok)
	assert.Equal(t, 0.5, p.Load)
	assert.Equal(t, sampled.Unix(), p.LoadSampled.Unix())
}
