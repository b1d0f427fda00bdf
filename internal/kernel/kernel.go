// Package kernel wires the gateway's process-wide singletons — the
// admission gate, peer pool, metrics registry, and control-plane loops —
// and owns their startup and reverse-order teardown.
package kernel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gateway/pkg/admission"
	"gateway/pkg/auth"
	"gateway/pkg/buildinfo"
	"gateway/pkg/codec"
	"gateway/pkg/config"
	"gateway/pkg/discovery"
	"gateway/pkg/forward"
	"gateway/pkg/health"
	"gateway/pkg/logx"
	"gateway/pkg/metrics"
	"gateway/pkg/peers"
	"gateway/pkg/picker"
	"gateway/pkg/sampler"
	"gateway/pkg/server"
	"gateway/pkg/tracing"
)

// Kernel holds the assembled gateway. Everything is reached through this
// value rather than package globals so tests can build their own instance.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config   config.Config
	NodeID   string
	Logger   *logx.Logger
	Recorder *metrics.Recorder
	Pool     *peers.Pool
	Limiter  *admission.Limiter
	Checker  *health.Checker
	Server   *server.Server

	metricsServer *metrics.Server
	manager       *discovery.Manager
	sampler       *sampler.Sampler
	multicast     *discovery.MulticastSource

	running bool
}

// Options tune kernel construction.
type Options struct {
	// Handler executes requests locally. nil means this node forwards
	// everything it can and rejects the rest.
	Handler server.Handler

	// Scheme is the upstream URL scheme, "https" unless tests override.
	Scheme string

	// Tracer is the pipeline tracer; nil selects the global provider.
	Tracer *tracing.Tracer
}

// New assembles a kernel from configuration.
func New(parent context.Context, cfg config.Config, opts Options) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	scheme := opts.Scheme
	if scheme == "" {
		scheme = "https"
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.New()
	}

	k := &Kernel{
		ctx:      ctx,
		cancel:   cancel,
		Config:   cfg,
		NodeID:   uuid.NewString(),
		Logger:   logx.NewLogger("kernel"),
		Recorder: metrics.NewRecorder(),
		Pool:     peers.NewPool(),
		Limiter:  admission.NewLimiter(cfg.InflightMax),
	}

	k.Checker = health.New(k.Pool, nil, func(nodeID string, up bool) {
		k.Recorder.SetPeerUp(nodeID, up)
	})

	pick := picker.New(k.Pool, k.Limiter.Gauge(), cfg.OverloadThreshold())
	forwarder := forward.New(cfg, nil, scheme, pick, k.Checker, tracer)

	sources, err := k.buildSources(scheme)
	if err != nil {
		cancel()
		return nil, err
	}
	k.manager = discovery.NewManager(cfg, k.NodeID, k.Pool, sources, nil, scheme, k.Recorder)
	k.sampler = sampler.New(k.Pool, nil, scheme)

	k.Server = server.New(server.Options{
		Config:    cfg,
		NodeID:    k.NodeID,
		Registry:  codec.NewRegistry(),
		Validator: auth.NewValidator(cfg.AuthSecret),
		Limiter:   k.Limiter,
		Picker:    pick,
		Forwarder: forwarder,
		Handler:   opts.Handler,
		Recorder:  k.Recorder,
		Tracer:    tracer,
		Pool:      k.Pool,
	})
	k.metricsServer = metrics.NewServer(cfg.MetricsBind, k.Recorder)

	return k, nil
}

// buildSources assembles the discovery sources the configuration enables.
func (k *Kernel) buildSources(scheme string) ([]discovery.Source, error) {
	var sources []discovery.Source

	if srvName := k.Config.SRVName(); srvName != "" {
		src, err := discovery.NewSRVSource(srvName, "")
		if err != nil {
			return nil, fmt.Errorf("srv discovery: %w", err)
		}
		sources = append(sources, src)
	}

	mc, err := discovery.NewMulticastSource(
		k.Config.MulticastGroup,
		k.NodeID,
		k.Config.TCPBind,
		buildinfo.Local().String(),
	)
	if err != nil {
		k.Logger.Warn("multicast discovery disabled: %v", err)
	} else {
		k.multicast = mc
		sources = append(sources, mc)
	}

	sources = append(sources, discovery.NewExchangeSource(k.Pool, nil, scheme, k.Config.DiscoveryToken))
	return sources, nil
}

// Start brings the gateway up: ops listener, request listeners, then the
// control-plane loops.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already started")
	}

	if err := k.metricsServer.Start(); err != nil {
		return err
	}
	if err := k.Server.Start(); err != nil {
		return err
	}

	if k.multicast != nil {
		if err := k.multicast.Run(k.ctx); err != nil {
			k.Logger.Warn("multicast loops not running: %v", err)
		}
	}

	k.Limiter.StartReaper()
	go k.manager.Run(k.ctx)
	go k.sampler.Run(k.ctx)
	go k.Checker.Run(k.ctx)
	go k.mirrorLoad(k.ctx)

	k.running = true
	k.Logger.Info("gateway %s up (fingerprint %s)", k.NodeID, buildinfo.Local())
	return nil
}

// BootstrapDiscovery runs one synchronous discovery pass and reports
// whether any upstream was admitted. The daemon uses it to decide the
// unrecoverable-discovery exit at startup.
func (k *Kernel) BootstrapDiscovery(ctx context.Context) bool {
	k.manager.Pass(ctx)
	return k.Pool.Snapshot().Len() > 0
}

// mirrorLoad keeps the exported one-minute load and the in-flight mirror
// fresh between requests.
func (k *Kernel) mirrorLoad(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := k.Limiter.Gauge().Current()
			k.Recorder.SetInFlight(current)
			k.Recorder.UpdateLoad1(float64(current) / float64(k.Config.InflightMax))
		}
	}
}

// Stop tears the gateway down in reverse initialization order, draining
// in-flight requests up to the deadline.
func (k *Kernel) Stop(deadline time.Duration) {
	if !k.running {
		k.cancel()
		return
	}
	k.running = false

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := k.Server.Shutdown(shutdownCtx); err != nil {
		k.Logger.Warn("request listener shutdown: %v", err)
	}

	// Control-plane loops next, then the admission gate, ops last so the
	// final metrics remain scrapeable through the drain.
	k.cancel()
	k.Limiter.Close()

	if err := k.metricsServer.Shutdown(shutdownCtx); err != nil {
		k.Logger.Warn("metrics shutdown: %v", err)
	}
	k.Logger.Info("gateway %s stopped", k.NodeID)
}

// WaitHealthy polls the ops listener until it responds or the timeout
// expires, for tests.
func (k *Kernel) WaitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://%s/healthz", k.Config.MetricsBind)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(url) //nolint:noctx // Bounded by client timeout and poll deadline
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("gateway not healthy within %s", timeout)
}
