package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/pkg/admission"
	"gateway/pkg/config"
	"gateway/pkg/gwerrors"
	"gateway/pkg/mcp"
	"gateway/pkg/peers"
	"gateway/pkg/picker"
)

type recordingDowner struct {
	downed []string
}

func (d *recordingDowner) MarkDown(nodeID string) {
	d.downed = append(d.downed, nodeID)
}

func testConfig() config.Config {
	return config.Config{
		InflightMax:    16,
		ForwardTimeout: config.Duration(2 * time.Second),
	}
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      env["id"],
			"result":  map[string]any{"echo": env["method"]},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func peerFor(srv *httptest.Server, nodeID string) *peers.Peer {
	return &peers.Peer{
		NodeID:      nodeID,
		Address:     strings.TrimPrefix(srv.URL, "http://"),
		Status:      peers.StatusUp,
		LoadSampled: time.Now(),
	}
}

func pickerOver(list ...*peers.Peer) *picker.Picker {
	pool := peers.NewPool()
	pool.Replace(list)
	for _, p := range list {
		pool.SetStatus(p.NodeID, peers.StatusUp, time.Now())
		pool.SetLoad(p.NodeID, p.Load, time.Now())
	}
	return picker.New(pool, admission.NewGauge(1), 1)
}

func TestForwardSuccess(t *testing.T) {
	srv := echoServer(t)
	target := peerFor(srv, "n1")

	f := New(testConfig(), nil, "http", pickerOver(target), nil, nil)

	req := &mcp.Request{ID: "r1", Method: "tools.list"}
	resp, err := f.Forward(context.Background(), req, target)
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)
	assert.False(t, resp.IsError())
}

func TestForwardWrapsPeerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"r1","error":{"code":-32601,"message":"no such method"}}`))
	}))
	defer srv.Close()
	target := peerFor(srv, "n1")

	f := New(testConfig(), nil, "http", pickerOver(target), nil, nil)

	resp, err := f.Forward(context.Background(), &mcp.Request{ID: "r1", Method: "tools.x"}, target)
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, gwerrors.CodeUpstreamError, resp.Err.Code)

	data := resp.Err.Data.(map[string]any)
	assert.Equal(t, "n1", data["peer"])
}

func TestRetryOnConnectionFailure(t *testing.T) {
	srv := echoServer(t)
	dead := &peers.Peer{NodeID: "dead", Address: "127.0.0.1:1", Status: peers.StatusUp, LoadSampled: time.Now()}
	alive := peerFor(srv, "alive")

	f := New(testConfig(), nil, "http", pickerOver(dead, alive), nil, nil)

	resp, err := f.Forward(context.Background(), &mcp.Request{ID: "r1", Method: "tools.call"}, dead)
	require.NoError(t, err)
	assert.False(t, resp.IsError())
}

func TestNoRetryForNonIdempotentUpstreamError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	target := peerFor(srv, "n1")
	other := peerFor(echoServer(t), "n2")

	f := New(testConfig(), nil, "http", pickerOver(target, other), nil, nil)

	_, err := f.Forward(context.Background(), &mcp.Request{ID: "r1", Method: "tools.call"}, target)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryForIdempotentMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	bad := peerFor(srv, "bad")
	good := peerFor(echoServer(t), "good")

	f := New(testConfig(), nil, "http", pickerOver(bad, good), nil, nil)

	resp, err := f.Forward(context.Background(), &mcp.Request{ID: "r1", Method: "query.tools"}, bad)
	require.NoError(t, err)
	assert.False(t, resp.IsError())
}

func TestTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	target := peerFor(srv, "slow")

	cfg := testConfig()
	cfg.ForwardTimeout = config.Duration(100 * time.Millisecond)
	f := New(cfg, nil, "http", pickerOver(target), nil, nil)

	_, err := f.Forward(context.Background(), &mcp.Request{ID: "r1", Method: "tools.call"}, target)
	var gwErr *gwerrors.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gwerrors.KindUpstreamTimeout, gwErr.Kind)
}

func TestClientCancellationAborts(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client disconnect once the request
		// body has been read, so drain it before waiting.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()
	target := peerFor(srv, "slow")
	other := peerFor(echoServer(t), "other")

	f := New(testConfig(), nil, "http", pickerOver(target, other), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	_, err := f.Forward(ctx, &mcp.Request{ID: "r1", Method: "query.tools"}, target)
	require.Error(t, err)
	// Cancellation must abort promptly and must not retry elsewhere.
	assert.Less(t, time.Since(start), time.Second)
}

func TestCircuitBreakerTripsAfterThreeFailures(t *testing.T) {
	downer := &recordingDowner{}
	dead := &peers.Peer{NodeID: "dead", Address: "127.0.0.1:1", Status: peers.StatusUp, LoadSampled: time.Now()}

	f := New(testConfig(), nil, "http", pickerOver(dead), downer, nil)

	for i := 0; i < 3; i++ {
		_, err := f.callOne(context.Background(), &mcp.Request{ID: "r", Method: "tools.call"}, dead)
		require.Error(t, err)
	}
	assert.Equal(t, []string{"dead"}, downer.downed)

	// The window restarts after tripping.
	_, _ = f.callOne(context.Background(), &mcp.Request{ID: "r", Method: "tools.call"}, dead)
	assert.Len(t, downer.downed, 1)
}

func TestSuccessResetsFailureWindow(t *testing.T) {
	downer := &recordingDowner{}
	srv := echoServer(t)
	flaky := peerFor(srv, "flaky")
	deadAddr := &peers.Peer{NodeID: "flaky", Address: "127.0.0.1:1", Status: peers.StatusUp, LoadSampled: time.Now()}

	f := New(testConfig(), nil, "http", pickerOver(flaky), downer, nil)

	for i := 0; i < 2; i++ {
		_, err := f.callOne(context.Background(), &mcp.Request{ID: "r", Method: "tools.call"}, deadAddr)
		require.Error(t, err)
	}
	_, err := f.callOne(context.Background(), &mcp.Request{ID: "r", Method: "tools.call"}, flaky)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _ = f.callOne(context.Background(), &mcp.Request{ID: "r", Method: "tools.call"}, deadAddr)
	}
	assert.Empty(t, downer.downed)
}

func TestTraceHeadersForwardedVerbatim(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Traceparent"))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"r1","result":{}}`))
	}))
	defer srv.Close()
	target := peerFor(srv, "n1")

	f := New(testConfig(), nil, "http", pickerOver(target), nil, nil)

	req := &mcp.Request{ID: "r1", Method: "tools.list", Meta: map[string]any{
		mcp.MetaTraceParent: "00-11111111111111111111111111111111-2222222222222222-01",
	}}
	_, err := f.Forward(context.Background(), req, target)
	require.NoError(t, err)
	assert.Equal(t, "00-11111111111111111111111111111111-2222222222222222-01", seen.Load())
}
