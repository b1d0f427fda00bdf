package peers

// Cluster contract paths served on every gateway's main listener. Samplers,
// discovery, and the forwarder address peers through these.
const (
	// PathLoad serves the peer's one-minute load metric as a Prometheus
	// text exposition.
	PathLoad = "/gateway/load1"

	// PathHandshake serves the peer's node identity and build fingerprint.
	PathHandshake = "/gateway/handshake"

	// PathPeers serves the peer's current peer set (peer exchange),
	// gated by the shared discovery token.
	PathPeers = "/gateway/peers"
)

// LoadMetricName is the gauge samplers extract from PathLoad expositions.
const LoadMetricName = "gateway_load1"

// Handshake is the body served at PathHandshake.
type Handshake struct {
	NodeID      string `json:"node_id"`
	Fingerprint string `json:"fingerprint"`
	Version     string `json:"version"`
}

// ExchangeEntry is one peer in a PathPeers response.
type ExchangeEntry struct {
	Address string `json:"address"`
	NodeID  string `json:"node_id"`
}
