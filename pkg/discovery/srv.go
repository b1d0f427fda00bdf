package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"gateway/pkg/config"
	"gateway/pkg/peers"
)

// SRVSource discovers candidates from DNS SRV records. Answers are cached
// until the record TTL expires, floored at MinSRVTTL.
type SRVSource struct {
	name     string
	resolver string
	client   *dns.Client

	mu      sync.Mutex
	cached  []Candidate
	expires time.Time
}

// NewSRVSource creates a source querying the given SRV name. resolver is a
// host:port DNS server; empty means the system resolver from
// /etc/resolv.conf.
func NewSRVSource(srvName, resolver string) (*SRVSource, error) {
	if srvName == "" {
		return nil, fmt.Errorf("empty SRV name")
	}
	if resolver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no usable resolver: %w", err)
		}
		resolver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &SRVSource{
		name:     dns.Fqdn(srvName),
		resolver: resolver,
		client:   &dns.Client{Timeout: 3 * time.Second},
	}, nil
}

// Name identifies the source.
func (s *SRVSource) Name() string {
	return "srv"
}

// Discover returns the cached answer while the TTL holds, otherwise
// re-queries.
func (s *SRVSource) Discover(ctx context.Context) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Now().Before(s.expires) {
		return s.cached, nil
	}

	candidates, ttl, err := s.query(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = candidates
	s.expires = time.Now().Add(ttl)
	return candidates, nil
}

func (s *SRVSource) query(ctx context.Context) ([]Candidate, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(s.name, dns.TypeSRV)

	reply, _, err := s.client.ExchangeContext(ctx, msg, s.resolver)
	if err != nil {
		return nil, 0, fmt.Errorf("SRV query %s: %w", s.name, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("SRV query %s: rcode %s", s.name, dns.RcodeToString[reply.Rcode])
	}

	var recordTTL time.Duration
	candidates := make([]Candidate, 0, len(reply.Answer))
	for _, rr := range reply.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		target := strings.TrimSuffix(srv.Target, ".")
		candidates = append(candidates, Candidate{
			Address: fmt.Sprintf("%s:%d", target, srv.Port),
			Source:  peers.SourceSRV,
		})
		if ttl := time.Duration(srv.Hdr.Ttl) * time.Second; recordTTL == 0 || ttl < recordTTL {
			recordTTL = ttl
		}
	}
	if recordTTL < config.MinSRVTTL {
		recordTTL = config.MinSRVTTL
	}
	return candidates, recordTTL, nil
}
