package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateway/pkg/buildinfo"
	"gateway/pkg/logx"
)

// Server is the loopback ops listener: Prometheus exposition plus liveness
// and recent-log endpoints.
type Server struct {
	recorder *Recorder
	server   *http.Server
	logger   *logx.Logger
}

// NewServer creates the ops listener for the given bind address.
func NewServer(bind string, recorder *Recorder) *Server {
	s := &Server{
		recorder: recorder,
		logger:   logx.NewLogger("metrics"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/logs", s.handleLogs)

	s.server = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds and serves until Shutdown. The returned error reports bind
// failure; serve errors after a successful bind are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return logx.Wrap(err, "metrics listener bind")
	}
	s.logger.Info("metrics listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return logx.Wrap(err, "metrics server shutdown")
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"version":     buildinfo.Version,
		"fingerprint": buildinfo.Local().String(),
		"load1":       s.recorder.Load1(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(logx.RecentEntries(domain, since))
}
