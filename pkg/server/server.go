// Package server runs the gateway's inbound listeners and the request
// pipeline that ties normalization, auth, admission, routing, and
// serialization together.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"gateway/pkg/admission"
	"gateway/pkg/auth"
	"gateway/pkg/buildinfo"
	"gateway/pkg/codec"
	"gateway/pkg/config"
	"gateway/pkg/forward"
	"gateway/pkg/gwerrors"
	"gateway/pkg/logx"
	"gateway/pkg/mcp"
	"gateway/pkg/metrics"
	"gateway/pkg/peers"
	"gateway/pkg/picker"
	"gateway/pkg/sampler"
	"gateway/pkg/tracing"
)

// maxRequestBody bounds one inbound request body.
const maxRequestBody = 8 << 20

// Options wires the server's collaborators.
type Options struct {
	Config    config.Config
	NodeID    string
	Registry  *codec.Registry
	Validator *auth.Validator
	Limiter   *admission.Limiter
	Picker    *picker.Picker
	Forwarder *forward.Forwarder
	Handler   Handler
	Recorder  *metrics.Recorder
	Tracer    *tracing.Tracer
	Pool      *peers.Pool
}

// Server accepts TCP (TLS optional) and Unix-domain connections and serves
// both the request plane and the cluster contract endpoints.
type Server struct {
	cfg       config.Config
	nodeID    string
	registry  *codec.Registry
	validator *auth.Validator
	limiter   *admission.Limiter
	picker    *picker.Picker
	forwarder *forward.Forwarder
	handler   Handler
	recorder  *metrics.Recorder
	tracer    *tracing.Tracer
	pool      *peers.Pool
	logger    *logx.Logger

	httpServer *http.Server
	listeners  []net.Listener
}

// New creates the server.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		nodeID:    opts.NodeID,
		registry:  opts.Registry,
		validator: opts.Validator,
		limiter:   opts.Limiter,
		picker:    opts.Picker,
		forwarder: opts.Forwarder,
		handler:   opts.Handler,
		recorder:  opts.Recorder,
		tracer:    opts.Tracer,
		pool:      opts.Pool,
		logger:    logx.NewLogger("server"),
	}
	if s.tracer == nil {
		s.tracer = tracing.NewDisabled()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.route)
	mux.HandleFunc(peers.PathHandshake, s.handleHandshake)
	mux.HandleFunc(peers.PathPeers, s.handlePeerExchange)
	mux.HandleFunc(peers.PathLoad, s.handleLoad)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// route dispatches the root path to the RPC pipeline.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleRPC(w, r)
}

// Start binds the configured listeners and begins serving. A bind failure
// is returned so the daemon can exit with the bind-failure code.
func (s *Server) Start() error {
	tcpListener, err := net.Listen("tcp", s.cfg.TCPBind)
	if err != nil {
		return logx.Wrap(err, "tcp bind")
	}

	if s.cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			_ = tcpListener.Close()
			return logx.Wrap(err, "load TLS keypair")
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"h2", "http/1.1"},
		}
		tcpListener = tls.NewListener(tcpListener, tlsConfig)
	}
	s.serveOn(tcpListener)
	s.logger.Info("listening on %s", tcpListener.Addr())

	if s.cfg.UDSPath != "" {
		_ = os.Remove(s.cfg.UDSPath)
		udsListener, err := net.Listen("unix", s.cfg.UDSPath)
		if err != nil {
			return logx.Wrap(err, "unix socket bind")
		}
		s.serveOn(udsListener)
		s.logger.Info("listening on unix socket %s", s.cfg.UDSPath)
	}
	return nil
}

func (s *Server) serveOn(ln net.Listener) {
	s.listeners = append(s.listeners, ln)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve %s: %v", ln.Addr(), err)
		}
	}()
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.cfg.UDSPath != "" {
		_ = os.Remove(s.cfg.UDSPath)
	}
	if err != nil {
		return logx.Wrap(err, "server shutdown")
	}
	return nil
}

// readBody reads at most maxRequestBody bytes of the request.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close() //nolint:errcheck // Best-effort close on defer
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return body, nil
}

// writeResponses serializes the batch into the origin format. Notifications
// are dropped from the wire; an all-notification batch yields 204.
func (s *Server) writeResponses(w http.ResponseWriter, origin codec.Codec, reqs []*mcp.Request, resps []*mcp.Response) {
	outReqs := make([]*mcp.Request, 0, len(reqs))
	outResps := make([]*mcp.Response, 0, len(resps))
	status := http.StatusOK
	for i, resp := range resps {
		if resp == nil {
			continue
		}
		outReqs = append(outReqs, reqs[i])
		outResps = append(outResps, resp)
		if resp.IsError() && len(resps) == 1 {
			status = gwerrors.StatusForCode(resp.Err.Code)
		}
	}

	if len(outResps) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeFormatted(w, origin, outReqs, outResps, status)
}

// writeFormatted emits responses through the origin codec, falling back to
// a fixed error payload if serialization itself fails. The body is never
// truncated mid-response.
func (s *Server) writeFormatted(w http.ResponseWriter, origin codec.Codec, reqs []*mcp.Request, resps []*mcp.Response, status int) {
	body, err := origin.Serialize(reqs, resps)
	if err != nil {
		s.logger.Error("response serialization failed: %v", err)
		s.writeFallback(w)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(origin.Format()))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeRawError answers a request that failed before any canonical request
// existed.
func (s *Server) writeRawError(w http.ResponseWriter, format mcp.Format, err error) {
	kind := gwerrors.KindOf(err)
	s.logger.Info("request rejected before admission: %s", kind)

	origin, ok := s.registry.Get(format)
	if !ok {
		origin, _ = s.registry.Get(mcp.FormatJSONRPC)
	}

	req := &mcp.Request{ID: "", Method: "unknown"}
	req.SetMeta(mcp.MetaOriginFormat, string(format))
	resp := mcp.NewErrorResponse("", gwerrors.AsMCP(err))

	body, serErr := origin.Serialize([]*mcp.Request{req}, []*mcp.Response{resp})
	if serErr != nil {
		s.writeFallback(w)
		return
	}

	status := kind.HTTPStatus()
	if status == http.StatusOK {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", contentTypeFor(format))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeFallback emits the fixed last-resort error payload.
func (s *Server) writeFallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`))
}

func contentTypeFor(format mcp.Format) string {
	switch format {
	case mcp.FormatGraphQL:
		return "application/graphql-response+json"
	case mcp.FormatCapnp:
		return "application/capnp"
	default:
		return "application/json"
	}
}

// handleHandshake serves this node's identity for the fingerprint gate.
func (s *Server) handleHandshake(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(peers.Handshake{
		NodeID:      s.nodeID,
		Fingerprint: buildinfo.Local().String(),
		Version:     buildinfo.Version,
	})
}

// handlePeerExchange serves the current peer set behind the shared token.
func (s *Server) handlePeerExchange(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.DiscoveryToken
	if token == "" {
		http.Error(w, "peer exchange disabled", http.StatusNotFound)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	snap := s.pool.Snapshot()
	entries := make([]peers.ExchangeEntry, 0, snap.Len())
	for _, p := range snap.All() {
		entries = append(entries, peers.ExchangeEntry{Address: p.Address, NodeID: p.NodeID})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

// handleLoad serves the one-minute load gauge that peers sample.
func (s *Server) handleLoad(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = sampler.WriteExposition(w, s.recorder.Load1())
}
