package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8443", cfg.TCPBind)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsBind)
	assert.Equal(t, int64(1024), cfg.InflightMax)
	assert.Equal(t, 30*time.Second, cfg.ForwardTimeout.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TCP_BIND", "127.0.0.1:19443")
	t.Setenv("INFLIGHT_MAX", "64")
	t.Setenv("STATIC_UPSTREAMS", "peer-a:8443, peer-b:8443,")
	t.Setenv("DISCOVERY_TOKEN", "s3cret")
	t.Setenv("CROSS_BUILD", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:19443", cfg.TCPBind)
	assert.Equal(t, int64(64), cfg.InflightMax)
	assert.Equal(t, []string{"peer-a:8443", "peer-b:8443"}, cfg.StaticUpstreams)
	assert.Equal(t, "s3cret", cfg.DiscoveryToken)
	assert.True(t, cfg.CrossBuild)
}

func TestConfigFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
tcp_bind: "0.0.0.0:18443"
inflight_max: 32
forward_timeout: 10s
idempotent_methods:
  - tools.list
method_timeouts:
  tools.call: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("GATEWAY_CONFIG", path)
	// Env wins over file.
	t.Setenv("TCP_BIND", "0.0.0.0:28443")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:28443", cfg.TCPBind)
	assert.Equal(t, int64(32), cfg.InflightMax)
	assert.Equal(t, 10*time.Second, cfg.ForwardTimeout.Std())
	assert.Equal(t, 90*time.Second, cfg.TimeoutFor("tools.call"))
	assert.Equal(t, 10*time.Second, cfg.TimeoutFor("tools.other"))
}

func TestValidateRejectsBadBind(t *testing.T) {
	t.Setenv("TCP_BIND", "no-port-here")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsLoneTLSCert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tls_cert_file: /tmp/cert.pem\n"), 0o644))
	t.Setenv("GATEWAY_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestSRVName(t *testing.T) {
	cfg := Config{DNSService: "_custom._tcp.example.org"}
	assert.Equal(t, "_custom._tcp.example.org", cfg.SRVName())

	cfg = Config{Domain: "cluster.local"}
	assert.Equal(t, "_mcp._tcp.cluster.local", cfg.SRVName())

	cfg = Config{}
	assert.Empty(t, cfg.SRVName())
}

func TestIsIdempotent(t *testing.T) {
	cfg := Config{IdempotentMethods: []string{"tools.list"}}

	assert.True(t, cfg.IsIdempotent("query.anything"))
	assert.True(t, cfg.IsIdempotent("tools.list"))
	assert.False(t, cfg.IsIdempotent("tools.call"))
}

func TestOverloadThreshold(t *testing.T) {
	cfg := Config{InflightMax: 100}
	assert.Equal(t, int64(80), cfg.OverloadThreshold())
}
