package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/pkg/config"
	"gateway/pkg/mcp"
	"gateway/pkg/server"
)

// freePort reserves a listen address on loopback.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testKernel(t *testing.T) *Kernel {
	t.Helper()

	cfg := config.Config{
		TCPBind:        freePort(t),
		MetricsBind:    freePort(t),
		MulticastGroup: "239.255.93.11:9931",
		InflightMax:    16,
		ForwardTimeout: config.Duration(2 * time.Second),
	}

	k, err := New(context.Background(), cfg, Options{
		Scheme: "http",
		Handler: server.HandlerFunc(func(_ context.Context, req *mcp.Request) (*mcp.Response, error) {
			return mcp.NewResponse(req.ID, "ok"), nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { k.Stop(2 * time.Second) })
	return k
}

func TestKernelStartServeStop(t *testing.T) {
	k := testKernel(t)
	require.NoError(t, k.Start())
	require.NoError(t, k.WaitHealthy(5*time.Second))

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools.list"}`)
	resp, err := http.Post(fmt.Sprintf("http://%s/", k.Config.TCPBind), "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "ok", decoded["result"])
}

func TestKernelDoubleStartRejected(t *testing.T) {
	k := testKernel(t)
	require.NoError(t, k.Start())
	assert.Error(t, k.Start())
}

func TestBootstrapDiscoveryEmpty(t *testing.T) {
	k := testKernel(t)
	assert.False(t, k.BootstrapDiscovery(context.Background()))
}

func TestMetricsExposition(t *testing.T) {
	k := testKernel(t)
	require.NoError(t, k.Start())
	require.NoError(t, k.WaitHealthy(5*time.Second))

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", k.Config.MetricsBind))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
