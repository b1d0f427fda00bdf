// Package codec implements the three wire-format codecs (JSON-RPC 2.0,
// GraphQL, Cap'n Proto) and the normalizer that classifies an inbound body
// and produces canonical requests. Responses travel back through the same
// codec so every caller sees its own format.
package codec

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"gateway/pkg/mcp"
)

// TransportHints carries transport-level signals that assist classification.
type TransportHints struct {
	// ContentType is the inbound Content-Type header, possibly empty.
	ContentType string
	// MaxBodySize is the size ceiling for binary decoders. Zero means the
	// package default.
	MaxBodySize int
}

// DefaultMaxBodySize bounds Cap'n Proto message decoding.
const DefaultMaxBodySize = 4 << 20

// ParseErrorKind classifies parse failures.
type ParseErrorKind int8

const (
	// KindMalformed means the body is not valid in the detected format.
	KindMalformed ParseErrorKind = iota
	// KindUnsupportedVersion means the envelope names a protocol version
	// this gateway does not speak.
	KindUnsupportedVersion
	// KindTooLarge means the body exceeds the configured size ceiling.
	KindTooLarge
	// KindSchemaMismatch means the body parsed but does not fit the
	// expected schema (e.g. a GraphQL subscription).
	KindSchemaMismatch
)

// String returns the string representation of the parse error kind.
func (k ParseErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindTooLarge:
		return "too_large"
	case KindSchemaMismatch:
		return "schema_mismatch"
	default:
		return "invalid"
	}
}

// ParseError reports why a body could not be parsed. It is fatal to the
// request, never to the connection.
type ParseError struct {
	Kind   ParseErrorKind
	Detail string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s): %s", e.Kind, e.Detail)
}

func parseErrorf(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Codec is the capability surface shared by the three wire formats.
// Parse yields the canonical requests in body order; Serialize re-encodes
// responses for the same requests, preserving batch shape and aliases.
type Codec interface {
	Format() mcp.Format
	Parse(body []byte, hints TransportHints) ([]*mcp.Request, error)
	Serialize(reqs []*mcp.Request, resps []*mcp.Response) ([]byte, error)
}

// Registry holds the closed set of codecs keyed by format tag.
type Registry struct {
	codecs map[mcp.Format]Codec
}

// NewRegistry creates a registry with all three codecs installed.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[mcp.Format]Codec)}
	for _, c := range []Codec{NewJSONRPC(), NewGraphQL(), NewCapnp()} {
		r.codecs[c.Format()] = c
	}
	return r
}

// Get returns the codec for a format tag.
func (r *Registry) Get(format mcp.Format) (Codec, bool) {
	c, ok := r.codecs[format]
	return c, ok
}

// Detect classifies the body. Order: recognized Content-Type first, then the
// first non-whitespace byte ('{' means JSON, a GraphQL keyword initial means
// GraphQL, other binary means Cap'n Proto), then JSON-RPC as the fallback.
func Detect(body []byte, hints TransportHints) mcp.Format {
	if f, ok := formatForContentType(hints.ContentType); ok {
		return f
	}

	for _, b := range body {
		if unicode.IsSpace(rune(b)) {
			continue
		}
		switch {
		case b == '{' || b == '[':
			return mcp.FormatJSONRPC
		case b == 'q' || b == 'm' || b == 's':
			// query / mutation / subscription keyword.
			return mcp.FormatGraphQL
		case b < 0x20 || b >= 0x80:
			return mcp.FormatCapnp
		default:
			return mcp.FormatJSONRPC
		}
	}
	return mcp.FormatJSONRPC
}

func formatForContentType(ct string) (mcp.Format, bool) {
	mediaType := ct
	if idx := strings.Index(ct, ";"); idx >= 0 {
		mediaType = ct[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "application/json", "application/json-rpc":
		return mcp.FormatJSONRPC, true
	case "application/graphql", "application/graphql+json", "application/graphql-response+json":
		return mcp.FormatGraphQL, true
	case "application/capnp", "application/x-capnp":
		return mcp.FormatCapnp, true
	default:
		return "", false
	}
}

// Normalize classifies the body, parses it with the chosen codec, and tags
// every canonical request with its origin format and batch coordinates.
func (r *Registry) Normalize(body []byte, hints TransportHints) ([]*mcp.Request, mcp.Format, error) {
	format := Detect(body, hints)
	c, ok := r.Get(format)
	if !ok {
		return nil, format, parseErrorf(KindMalformed, "no codec for format %s", format)
	}

	reqs, err := c.Parse(body, hints)
	if err != nil {
		return nil, format, err
	}

	batchID := ""
	if len(reqs) > 1 {
		batchID = uuid.NewString()
	}
	for i, req := range reqs {
		req.SetMeta(mcp.MetaOriginFormat, string(format))
		if batchID != "" {
			req.SetMeta(mcp.MetaBatchID, batchID)
			req.SetMeta(mcp.MetaBatchIndex, i)
		}
	}
	return reqs, format, nil
}
