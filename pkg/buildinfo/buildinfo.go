// Package buildinfo provides build identity for the gateway and the 32-byte
// build fingerprint used to gate cluster admission.
package buildinfo

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Build information variables - set at build time via ldflags.
// Example: go build -ldflags "-X gateway/pkg/buildinfo.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version (e.g., "v1.2.3" or "dev" for development builds).
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"

	// ProtocolRevision increments whenever the canonical message shape or
	// the peer-exchange contract changes incompatibly.
	ProtocolRevision = "1"
)

// FingerprintSize is the length of a build fingerprint in bytes.
const FingerprintSize = 32

// Fingerprint is the 32-byte digest of build identity. Two nodes may join
// the same cluster only if their fingerprints match (or cross-build mode is
// enabled by the operator).
type Fingerprint [FingerprintSize]byte

// Local computes the fingerprint of this binary's build identity.
func Local() Fingerprint {
	return compute(Version, Commit, ProtocolRevision)
}

func compute(version, commit, protocol string) Fingerprint {
	h := sha3.New256()
	fmt.Fprintf(h, "%s\x00%s\x00%s", version, commit, protocol)
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// String returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Parse decodes a hex-encoded fingerprint.
func Parse(s string) (Fingerprint, error) {
	var fp Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("invalid fingerprint encoding: %w", err)
	}
	if len(raw) != FingerprintSize {
		return fp, fmt.Errorf("invalid fingerprint length: %d", len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

// Equal reports whether two fingerprints are identical.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f == other
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
