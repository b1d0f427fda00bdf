// Package forward sends off-loaded requests to the selected peer as
// JSON-RPC over HTTP, with per-method timeouts, cancellation, a single
// cross-peer retry, and a consecutive-failure circuit breaker.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"gateway/pkg/codec"
	"gateway/pkg/config"
	"gateway/pkg/gwerrors"
	"gateway/pkg/logx"
	"gateway/pkg/mcp"
	"gateway/pkg/peers"
	"gateway/pkg/picker"
	"gateway/pkg/tracing"
)

// Downer receives circuit-breaker verdicts. The health checker implements
// it; the peer stays Down until its next successful probe cycle.
type Downer interface {
	MarkDown(nodeID string)
}

// failureWindow tracks consecutive forward failures to one peer.
type failureWindow struct {
	count int
	first time.Time
}

// Forwarder is the upstream call path.
type Forwarder struct {
	cfg     config.Config
	client  *http.Client
	scheme  string
	jsonrpc *codec.JSONRPC
	picker  *picker.Picker
	downer  Downer
	tracer  *tracing.Tracer
	logger  *logx.Logger

	mu       sync.Mutex
	failures map[string]*failureWindow
}

// New creates a forwarder. client may be nil for the default pooled
// transport; scheme is "https" in production.
func New(cfg config.Config, client *http.Client, scheme string, pick *picker.Picker, downer Downer, tracer *tracing.Tracer) *Forwarder {
	if client == nil {
		transport := &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}
		client = &http.Client{Transport: transport}
	}
	if tracer == nil {
		tracer = tracing.NewDisabled()
	}
	return &Forwarder{
		cfg:      cfg,
		client:   client,
		scheme:   scheme,
		jsonrpc:  codec.NewJSONRPC(),
		picker:   pick,
		downer:   downer,
		tracer:   tracer,
		logger:   logx.NewLogger("forward"),
		failures: make(map[string]*failureWindow),
	}
}

// Forward sends the request to target, retrying at most once against a
// different peer when the failure is a connection-establishment error or
// the method is idempotent. Client-side cancellation propagates through
// ctx and aborts the upstream call.
func (f *Forwarder) Forward(ctx context.Context, req *mcp.Request, target *peers.Peer) (*mcp.Response, error) {
	resp, err := f.callOne(ctx, req, target)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		// The client went away or the overall deadline fired; never
		// retry on its behalf.
		return nil, err
	}

	if !f.mayRetry(req, err) {
		return nil, err
	}

	alt := f.picker.PickRemote(map[string]bool{target.NodeID: true})
	if alt.Local() {
		return nil, err
	}
	logx.Debug(ctx, "forward", "retrying %s on %s after %v", req.Method, alt.Remote.NodeID, err)
	return f.callOne(ctx, req, alt.Remote)
}

// mayRetry applies the retry policy: connection failures always qualify,
// anything else only for idempotent methods.
func (f *Forwarder) mayRetry(req *mcp.Request, err error) bool {
	var gwErr *gwerrors.Error
	if errors.As(err, &gwErr) && gwErr.Kind == gwerrors.KindUpstreamUnavailable {
		return true
	}
	return f.cfg.IsIdempotent(req.Method)
}

// callOne performs a single upstream exchange.
func (f *Forwarder) callOne(ctx context.Context, req *mcp.Request, target *peers.Peer) (*mcp.Response, error) {
	body, err := f.jsonrpc.EncodeRequest(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, err, "encode upstream request")
	}

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.TimeoutFor(req.Method))
	defer cancel()

	url := fmt.Sprintf("%s://%s/", f.scheme, target.Address)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	f.tracer.Inject(callCtx, httpReq.Header)
	if tp := req.MetaString(mcp.MetaTraceParent); tp != "" && httpReq.Header.Get("Traceparent") == "" {
		httpReq.Header.Set("Traceparent", tp)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		f.recordFailure(target.NodeID)
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, gwerrors.Wrap(gwerrors.KindUpstreamTimeout, err, "peer %s deadline exceeded", target.NodeID)
		}
		if ctx.Err() != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternal, ctx.Err(), "request cancelled")
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, err, "peer %s unreachable", target.NodeID)
	}
	defer httpResp.Body.Close() //nolint:errcheck // Best-effort close on defer

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		f.recordFailure(target.NodeID)
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, gwerrors.Wrap(gwerrors.KindUpstreamTimeout, err, "peer %s deadline exceeded mid-body", target.NodeID)
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, err, "peer %s response truncated", target.NodeID)
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		f.recordFailure(target.NodeID)
		return nil, gwerrors.New(gwerrors.KindUpstreamError, "peer %s returned status %d", target.NodeID, httpResp.StatusCode)
	}

	resp, err := decodeUpstream(raw, req.ID, target.NodeID)
	if err != nil {
		f.recordFailure(target.NodeID)
		return nil, err
	}

	f.resetFailures(target.NodeID)
	return resp, nil
}

// upstreamEnvelope is the JSON-RPC response mirror.
type upstreamEnvelope struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *mcp.Error      `json:"error"`
}

// decodeUpstream translates the peer's reply. The response always echoes
// the original request id; peer errors are wrapped with the peer's node-id.
func decodeUpstream(raw []byte, requestID, nodeID string) (*mcp.Response, error) {
	var env upstreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamError, err, "peer %s sent an unparseable response", nodeID)
	}
	if env.Error != nil {
		return mcp.NewErrorResponse(requestID, gwerrors.Upstream(nodeID, env.Error).MCP()), nil
	}
	resp := mcp.NewResponse(requestID, nil)
	if len(env.Result) > 0 {
		resp.Result = env.Result
	}
	return resp, nil
}

// recordFailure counts one failure toward the breaker: three consecutive
// failures inside the window take the peer Down.
func (f *Forwarder) recordFailure(nodeID string) {
	now := time.Now()

	f.mu.Lock()
	w, ok := f.failures[nodeID]
	if !ok || now.Sub(w.first) > config.CircuitWindow {
		w = &failureWindow{first: now}
		f.failures[nodeID] = w
	}
	w.count++
	tripped := w.count >= config.CircuitFailureThreshold
	if tripped {
		delete(f.failures, nodeID)
	}
	f.mu.Unlock()

	if tripped && f.downer != nil {
		f.logger.Warn("circuit breaker tripped for peer %s", nodeID)
		f.downer.MarkDown(nodeID)
	}
}

func (f *Forwarder) resetFailures(nodeID string) {
	f.mu.Lock()
	delete(f.failures, nodeID)
	f.mu.Unlock()
}
