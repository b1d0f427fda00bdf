// Package metrics provides Prometheus-based metrics recording for the
// request pipeline and control plane, and the loopback ops listener that
// exposes them.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns every gateway metric. It is created once at startup against
// an explicit registry so tests can substitute their own.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	routedRemoteTotal *prometheus.CounterVec
	discoveryRejected *prometheus.CounterVec
	peerUp            *prometheus.GaugeVec
	load1             prometheus.Gauge

	loadMu      sync.Mutex
	loadCurrent float64
}

// NewRecorder creates a recorder and registers all metrics on a fresh
// registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests by method, origin format, and outcome",
			},
			[]string{"method", "origin_format", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request duration from normalization to serialization",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "origin_format"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_in_flight",
				Help: "Requests currently past admission",
			},
		),
		routedRemoteTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routed_remote_total",
				Help: "Requests off-loaded to a peer",
			},
			[]string{"peer"},
		),
		discoveryRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_discovery_rejected_total",
				Help: "Discovery candidates rejected before admission to the pool",
			},
			[]string{"reason"},
		),
		peerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_peer_up",
				Help: "Peer health as seen by the prober (1 up, 0 down)",
			},
			[]string{"peer"},
		),
		load1: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_load1",
				Help: "One-minute load of this node, sampled by cluster peers",
			},
		),
	}
}

// Registry returns the recorder's registry for exposition.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one completed request.
func (r *Recorder) ObserveRequest(method, originFormat, outcome string, duration time.Duration) {
	r.requestsTotal.WithLabelValues(method, originFormat, outcome).Inc()
	r.requestDuration.WithLabelValues(method, originFormat).Observe(duration.Seconds())
}

// SetInFlight mirrors the admission gauge.
func (r *Recorder) SetInFlight(n int64) {
	r.inFlight.Set(float64(n))
}

// IncRoutedRemote counts one off-loaded request.
func (r *Recorder) IncRoutedRemote(peer string) {
	r.routedRemoteTotal.WithLabelValues(peer).Inc()
}

// IncDiscoveryRejected counts one rejected discovery candidate.
func (r *Recorder) IncDiscoveryRejected(reason string) {
	r.discoveryRejected.WithLabelValues(reason).Inc()
}

// SetPeerUp records a peer health transition.
func (r *Recorder) SetPeerUp(peer string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	r.peerUp.WithLabelValues(peer).Set(v)
}

// RemovePeer drops a peer's series after eviction.
func (r *Recorder) RemovePeer(peer string) {
	r.peerUp.DeleteLabelValues(peer)
}

// load1Alpha is the EWMA decay for one five-second tick against a
// one-minute horizon: 1 - exp(-5/60) ~ 0.08.
const load1Alpha = 0.08

// UpdateLoad1 folds an instantaneous utilization sample (in-flight divided
// by capacity) into the exported one-minute load.
func (r *Recorder) UpdateLoad1(utilization float64) {
	r.loadMu.Lock()
	r.loadCurrent = r.loadCurrent*(1-load1Alpha) + utilization*load1Alpha
	current := r.loadCurrent
	r.loadMu.Unlock()

	r.load1.Set(current)
}

// Load1 returns the current one-minute load value.
func (r *Recorder) Load1() float64 {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.loadCurrent
}
