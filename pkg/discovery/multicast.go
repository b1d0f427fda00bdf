package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"gateway/pkg/logx"
	"gateway/pkg/peers"
)

// announcement is the datagram a node multicasts on the local network.
type announcement struct {
	NodeID      string `json:"node_id"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
}

// announceStaleAfter drops peers whose announcements stopped arriving.
const announceStaleAfter = 90 * time.Second

// MulticastSource is the local-network discovery fallback: it periodically
// announces this node and collects announcements from others.
type MulticastSource struct {
	group    *net.UDPAddr
	self     announcement
	interval time.Duration
	logger   *logx.Logger

	mu   sync.Mutex
	seen map[string]announceRecord
}

type announceRecord struct {
	candidate Candidate
	at        time.Time
}

// NewMulticastSource creates the source. group is the multicast host:port;
// self describes this node's advertised service address.
func NewMulticastSource(group, nodeID, advertiseAddr, fingerprint string) (*MulticastSource, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %s: %w", group, err)
	}
	return &MulticastSource{
		group: addr,
		self: announcement{
			NodeID:      nodeID,
			Address:     advertiseAddr,
			Fingerprint: fingerprint,
		},
		interval: 10 * time.Second,
		logger:   logx.NewLogger("multicast"),
		seen:     make(map[string]announceRecord),
	}, nil
}

// Name identifies the source.
func (s *MulticastSource) Name() string {
	return "multicast"
}

// Run starts the announce and listen loops until the context is cancelled.
func (s *MulticastSource) Run(ctx context.Context) error {
	conn, err := net.ListenMulticastUDP("udp4", nil, s.group)
	if err != nil {
		return logx.Wrap(err, "multicast listen")
	}

	go s.listen(ctx, conn)
	go s.announce(ctx)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return nil
}

func (s *MulticastSource) announce(ctx context.Context) {
	payload, err := json.Marshal(s.self)
	if err != nil {
		s.logger.Error("encode announcement: %v", err)
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		conn, err := net.DialUDP("udp4", nil, s.group)
		if err == nil {
			_, _ = conn.Write(payload)
			_ = conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *MulticastSource) listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("multicast read: %v", err)
			return
		}

		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.NodeID == "" || ann.Address == "" || ann.NodeID == s.self.NodeID {
			continue
		}

		s.mu.Lock()
		s.seen[ann.NodeID] = announceRecord{
			candidate: Candidate{Address: ann.Address, NodeID: ann.NodeID, Source: peers.SourceMulticast},
			at:        time.Now(),
		}
		s.mu.Unlock()
	}
}

// Discover returns the recently announced peers.
func (s *MulticastSource) Discover(_ context.Context) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]Candidate, 0, len(s.seen))
	for nodeID, rec := range s.seen {
		if now.Sub(rec.at) > announceStaleAfter {
			delete(s.seen, nodeID)
			continue
		}
		out = append(out, rec.candidate)
	}
	return out, nil
}
