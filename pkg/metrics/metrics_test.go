package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	handler := promhttp.HandlerFor(r.Registry(), promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestObserveRequest(t *testing.T) {
	r := NewRecorder()
	r.ObserveRequest("tools.list", "jsonrpc", "ok", 15*time.Millisecond)
	r.ObserveRequest("tools.list", "jsonrpc", "ok", 5*time.Millisecond)
	r.ObserveRequest("tools.call", "graphql", "rate_limited", time.Millisecond)

	body := scrape(t, r)
	assert.Contains(t, body, `gateway_requests_total{method="tools.list",origin_format="jsonrpc",outcome="ok"} 2`)
	assert.Contains(t, body, `gateway_requests_total{method="tools.call",origin_format="graphql",outcome="rate_limited"} 1`)
	assert.Contains(t, body, "gateway_request_duration_seconds_bucket")
}

func TestGaugesAndCounters(t *testing.T) {
	r := NewRecorder()
	r.SetInFlight(7)
	r.IncRoutedRemote("peer-a")
	r.IncDiscoveryRejected("fingerprint")
	r.SetPeerUp("peer-a", true)
	r.SetPeerUp("peer-b", false)

	body := scrape(t, r)
	assert.Contains(t, body, "gateway_in_flight 7")
	assert.Contains(t, body, `gateway_routed_remote_total{peer="peer-a"} 1`)
	assert.Contains(t, body, `gateway_discovery_rejected_total{reason="fingerprint"} 1`)
	assert.Contains(t, body, `gateway_peer_up{peer="peer-a"} 1`)
	assert.Contains(t, body, `gateway_peer_up{peer="peer-b"} 0`)
}

func TestRemovePeerDropsSeries(t *testing.T) {
	r := NewRecorder()
	r.SetPeerUp("peer-a", true)
	r.RemovePeer("peer-a")

	body := scrape(t, r)
	assert.NotContains(t, body, `gateway_peer_up{peer="peer-a"}`)
}

func TestLoad1EWMA(t *testing.T) {
	r := NewRecorder()
	assert.Zero(t, r.Load1())

	for i := 0; i < 100; i++ {
		r.UpdateLoad1(1.0)
	}
	assert.InDelta(t, 1.0, r.Load1(), 0.01)

	r.UpdateLoad1(0.0)
	assert.Less(t, r.Load1(), 1.0)
}

func TestOpsEndpoints(t *testing.T) {
	r := NewRecorder()
	s := NewServer("127.0.0.1:0", r)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"ok"`))

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs?since=not-a-time", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
