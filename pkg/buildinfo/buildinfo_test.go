package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDeterministic(t *testing.T) {
	a := Local()
	b := Local()
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestFingerprintSensitivity(t *testing.T) {
	base := compute("v1.0.0", "abc123", "1")

	assert.NotEqual(t, base, compute("v1.0.1", "abc123", "1"))
	assert.NotEqual(t, base, compute("v1.0.0", "def456", "1"))
	assert.NotEqual(t, base, compute("v1.0.0", "abc123", "2"))

	// Field boundaries must not be ambiguous.
	assert.NotEqual(t, compute("ab", "c", "1"), compute("a", "bc", "1"))
}

func TestParseRoundTrip(t *testing.T) {
	fp := Local()
	parsed, err := Parse(fp.String())
	require.NoError(t, err)
	assert.True(t, fp.Equal(parsed))
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse("zz")
	assert.Error(t, err)

	_, err = Parse("abcd")
	assert.Error(t, err)
}
