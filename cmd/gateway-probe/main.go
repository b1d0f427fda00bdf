// gateway-probe is a tiny health-check utility for scripts and container
// healthchecks.
//
// Usage:
//
//	gateway-probe <host:port>          # Print the peer's handshake
//	gateway-probe --check <host:port>  # Exit 0 if reachable and same build
//
// In check mode the probe fetches the handshake document and compares the
// peer's build fingerprint against its own; a mismatch exits non-zero, so
// rolling-upgrade tooling can gate traffic shifts on it.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"gateway/pkg/buildinfo"
	"gateway/pkg/peers"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gateway-probe [--check] <host:port>")
		os.Exit(1)
	}

	checkMode := false
	addr := os.Args[1]
	if os.Args[1] == "--check" {
		checkMode = true
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: gateway-probe --check <host:port>")
			os.Exit(1)
		}
		addr = os.Args[2]
	}

	hs, err := fetchHandshake(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}

	if checkMode {
		if hs.Fingerprint != buildinfo.Local().String() {
			fmt.Fprintf(os.Stderr, "fingerprint mismatch: peer %s runs %s\n", hs.NodeID, hs.Fingerprint)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	fmt.Printf("node:        %s\n", hs.NodeID)
	fmt.Printf("version:     %s\n", hs.Version)
	fmt.Printf("fingerprint: %s\n", hs.Fingerprint)
}

func fetchHandshake(addr string) (*peers.Handshake, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	// TLS first; plain HTTP as the local-development fallback.
	for _, scheme := range []string{"https", "http"} {
		url := fmt.Sprintf("%s://%s%s", scheme, addr, peers.PathHandshake)
		resp, err := client.Get(url) //nolint:noctx // Bounded by client timeout
		if err != nil {
			continue
		}
		defer resp.Body.Close() //nolint:errcheck // Best-effort close on defer

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
		}
		var hs peers.Handshake
		if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
			return nil, fmt.Errorf("decode handshake: %w", err)
		}
		return &hs, nil
	}
	return nil, fmt.Errorf("no response from %s", addr)
}
