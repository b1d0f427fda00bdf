// Package config provides configuration loading, validation, and management
// for the gateway.
//
// Configuration is environment-first: the recognized environment keys from
// the deployment contract (TCP_BIND, METRICS_BIND, INFLIGHT_MAX, DNS_SERVICE,
// DOMAIN, DISCOVERY_TOKEN, STATIC_UPSTREAMS, UDS_PATH, AUTH_SECRET,
// CROSS_BUILD) override values read from an optional YAML file named by
// GATEWAY_CONFIG. Algorithm constants that operators should not tune are
// plain constants in this package.
//
// Access is value-based: Load returns the config by value after defaults and
// validation, and callers never mutate it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Algorithm constants. These are deliberately not user-configurable.
const (
	// OverloadFactor is the fraction of InflightMax above which requests
	// are preferred for off-load to peers.
	OverloadFactor = 0.8

	// BucketCapacity is the per-endpoint token bucket capacity.
	BucketCapacity = 10

	// BucketRefillWindow is the window over which a bucket refills to full.
	BucketRefillWindow = 60 * time.Second

	// BucketIdleReap is how long an untouched bucket lives before eviction.
	BucketIdleReap = 10 * time.Minute

	// SampleInterval is how often each peer's load metric is scraped.
	SampleInterval = 2 * time.Second

	// SampleMaxAge is how long a load sample stays usable for ranking.
	SampleMaxAge = 3 * SampleInterval

	// ProbeInterval is the period of health-check TCP probes per peer.
	ProbeInterval = 10 * time.Second

	// ProbeTimeout is the connect timeout of one health probe.
	ProbeTimeout = 2 * time.Second

	// ProbeFlipCount is the number of consecutive probe results needed to
	// flip a peer between Up and Down.
	ProbeFlipCount = 2

	// EvictionGrace is how long a Down peer missing from discovery output
	// survives before removal from the pool.
	EvictionGrace = 2 * time.Minute

	// CircuitWindow is the window in which consecutive forward failures
	// count toward marking a peer Down.
	CircuitWindow = 30 * time.Second

	// CircuitFailureThreshold is the consecutive-failure count that trips
	// the breaker for one peer.
	CircuitFailureThreshold = 3

	// MinSRVTTL is the floor applied to DNS SRV record TTLs.
	MinSRVTTL = 30 * time.Second
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the gateway's full runtime configuration.
type Config struct {
	// Listen addresses.
	TCPBind     string `yaml:"tcp_bind"`
	UDSPath     string `yaml:"uds_path"`
	MetricsBind string `yaml:"metrics_bind"`

	// TLS material for the inbound listener and upstream verification.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// Auth. An empty secret disables token validation.
	AuthSecret string `yaml:"auth_secret"`

	// Admission.
	InflightMax int64 `yaml:"inflight_max"`

	// Forwarding.
	ForwardTimeout    Duration            `yaml:"forward_timeout"`
	MethodTimeouts    map[string]Duration `yaml:"method_timeouts"`
	IdempotentMethods []string            `yaml:"idempotent_methods"`

	// Discovery.
	DNSService      string   `yaml:"dns_service"`
	Domain          string   `yaml:"domain"`
	DiscoveryToken  string   `yaml:"discovery_token"`
	StaticUpstreams []string `yaml:"static_upstreams"`
	MulticastGroup  string   `yaml:"multicast_group"`
	CrossBuild      bool     `yaml:"cross_build"`

	// LocalService reports whether an in-process MCP handler is wired.
	// When false and discovery yields nothing at startup, the daemon
	// exits with the unrecoverable-discovery code.
	LocalService bool `yaml:"local_service"`
}

// Load reads the optional YAML file named by GATEWAY_CONFIG, applies
// environment overrides, fills defaults, and validates.
func Load() (Config, error) {
	var cfg Config

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SRVName returns the SRV name to query, derived from DNS_SERVICE or DOMAIN.
// Empty when SRV discovery is not configured.
func (c *Config) SRVName() string {
	if c.DNSService != "" {
		return c.DNSService
	}
	if c.Domain != "" {
		return "_mcp._tcp." + c.Domain
	}
	return ""
}

// OverloadThreshold returns the in-flight level at or above which off-load
// to peers is preferred over local execution.
func (c *Config) OverloadThreshold() int64 {
	return int64(float64(c.InflightMax) * OverloadFactor)
}

// TimeoutFor returns the forward timeout for a canonical method.
func (c *Config) TimeoutFor(method string) time.Duration {
	if d, ok := c.MethodTimeouts[method]; ok {
		return d.Std()
	}
	return c.ForwardTimeout.Std()
}

// IsIdempotent reports whether a method may be retried on a different peer.
// Methods prefixed "query." are idempotent by convention.
func (c *Config) IsIdempotent(method string) bool {
	if strings.HasPrefix(method, "query.") {
		return true
	}
	for _, m := range c.IdempotentMethods {
		if m == method {
			return true
		}
	}
	return false
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TCP_BIND"); v != "" {
		cfg.TCPBind = v
	}
	if v := os.Getenv("UDS_PATH"); v != "" {
		cfg.UDSPath = v
	}
	if v := os.Getenv("METRICS_BIND"); v != "" {
		cfg.MetricsBind = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("INFLIGHT_MAX"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.InflightMax = n
		}
	}
	if v := os.Getenv("DNS_SERVICE"); v != "" {
		cfg.DNSService = v
	}
	if v := os.Getenv("DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("DISCOVERY_TOKEN"); v != "" {
		cfg.DiscoveryToken = v
	}
	if v := os.Getenv("STATIC_UPSTREAMS"); v != "" {
		cfg.StaticUpstreams = splitList(v)
	}
	if v := os.Getenv("CROSS_BUILD"); v == "1" || strings.EqualFold(v, "true") {
		cfg.CrossBuild = true
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.TCPBind == "" {
		cfg.TCPBind = "0.0.0.0:8443"
	}
	if cfg.MetricsBind == "" {
		cfg.MetricsBind = "127.0.0.1:9090"
	}
	if cfg.InflightMax <= 0 {
		cfg.InflightMax = 1024
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = Duration(30 * time.Second)
	}
	if cfg.MulticastGroup == "" {
		cfg.MulticastGroup = "239.255.93.11:9931"
	}
}

func validate(cfg *Config) error {
	if _, _, err := splitHostPort(cfg.TCPBind); err != nil {
		return fmt.Errorf("invalid TCP_BIND %q: %w", cfg.TCPBind, err)
	}
	if _, _, err := splitHostPort(cfg.MetricsBind); err != nil {
		return fmt.Errorf("invalid METRICS_BIND %q: %w", cfg.MetricsBind, err)
	}
	if _, _, err := splitHostPort(cfg.MulticastGroup); err != nil {
		return fmt.Errorf("invalid multicast_group %q: %w", cfg.MulticastGroup, err)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	for _, u := range cfg.StaticUpstreams {
		if _, _, err := splitHostPort(u); err != nil {
			return fmt.Errorf("invalid STATIC_UPSTREAMS entry %q: %w", u, err)
		}
	}
	for m := range cfg.MethodTimeouts {
		if m == "" {
			return fmt.Errorf("method_timeouts contains an empty method name")
		}
	}
	return nil
}

// splitHostPort is net.SplitHostPort with a friendlier error for bare hosts.
func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	host, port := addr[:idx], addr[idx+1:]
	if port == "" {
		return "", "", fmt.Errorf("empty port")
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return host, port, nil
}
