// Package mcp defines the canonical request/response shape into which every
// inbound protocol is normalized, and the metadata that rides along with a
// request for the life of one call.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format identifies the wire format a request arrived in. It is carried in
// request metadata so the response can be serialized symmetrically.
type Format string

const (
	// FormatJSONRPC is JSON-RPC 2.0.
	FormatJSONRPC Format = "jsonrpc"
	// FormatGraphQL is a GraphQL query or mutation.
	FormatGraphQL Format = "graphql"
	// FormatCapnp is Cap'n Proto.
	FormatCapnp Format = "capnp"
)

// ValidateFormat validates if a string is a known wire format.
func ValidateFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatJSONRPC, FormatGraphQL, FormatCapnp:
		return Format(s), true
	default:
		return "", false
	}
}

// String returns the string representation of Format.
func (f Format) String() string {
	return string(f)
}

// Well-known metadata keys attached to a request during its traversal of the
// pipeline.
const (
	// MetaOriginFormat is the wire format of the inbound request.
	MetaOriginFormat = "origin_format"
	// MetaBatchID groups the members of a batch request.
	MetaBatchID = "batch_id"
	// MetaBatchIndex is the position of a request within its batch.
	MetaBatchIndex = "batch_index"
	// MetaClaims carries validated auth claims.
	MetaClaims = "claims"
	// MetaRoutedTo records the peer a request was off-loaded to.
	MetaRoutedTo = "routed_to"
	// MetaDeadline is the absolute deadline of the call (RFC 3339).
	MetaDeadline = "deadline"
	// MetaTraceParent carries the W3C trace context header value.
	MetaTraceParent = "traceparent"
	// MetaAliases preserves GraphQL field aliases for the return path.
	MetaAliases = "graphql_aliases"
	// MetaNumericCoercion flags integers carried as strings because they
	// fall outside the 53-bit safe range of JSON numbers.
	MetaNumericCoercion = "numeric_coercion"
)

// Request is the canonical tool-call message. Params is a tree of scalars,
// ordered sequences ([]any), and string-keyed mappings (map[string]any);
// canonical bytes are obtained with CanonicalParams, which is independent of
// the origin format.
type Request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params any            `json:"params,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// NewRequest creates a canonical request with a generated ID.
func NewRequest(method string, params any) *Request {
	return &Request{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
		Meta:   make(map[string]any),
	}
}

// SetMeta sets a metadata value on the request.
func (r *Request) SetMeta(key string, value any) {
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[key] = value
}

// GetMeta retrieves a metadata value from the request.
func (r *Request) GetMeta(key string) (any, bool) {
	if r.Meta == nil {
		return nil, false
	}
	v, ok := r.Meta[key]
	return v, ok
}

// MetaString retrieves a string metadata value, or "" when absent.
func (r *Request) MetaString(key string) string {
	if v, ok := r.GetMeta(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// OriginFormat returns the wire format the request arrived in.
func (r *Request) OriginFormat() Format {
	f, _ := ValidateFormat(r.MetaString(MetaOriginFormat))
	return f
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == ""
}

// CanonicalParams returns the canonical byte encoding of Params. Two
// equivalent requests arriving in different formats produce identical bytes
// here: encoding/json emits map keys in sorted order.
func (r *Request) CanonicalParams() ([]byte, error) {
	if r.Params == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(r.Params)
	if err != nil {
		return nil, fmt.Errorf("canonical params encoding: %w", err)
	}
	return data, nil
}

// Validate checks the request's required fields and method shape.
func (r *Request) Validate() error {
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	if !ValidMethod(r.Method) {
		return fmt.Errorf("invalid method name: %q", r.Method)
	}
	return nil
}

// Clone returns a copy of the request with independent metadata.
func (r *Request) Clone() *Request {
	clone := &Request{
		ID:     r.ID,
		Method: r.Method,
		Params: r.Params,
	}
	if r.Meta != nil {
		clone.Meta = make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			clone.Meta[k] = v
		}
	}
	return clone
}

// ValidMethod reports whether s is a well-formed dotted method name such as
// "tools.list" or "query.tools".
func ValidMethod(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Error is the canonical error object carried inside a response. Codes
// follow JSON-RPC conventions; gateway-originated codes live in the
// -32000..-32099 server range.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// Response is the canonical response. Exactly one of Result and Err is set.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Err    *Error `json:"error,omitempty"`
}

// NewResponse creates a success response echoing the request ID.
func NewResponse(id string, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response echoing the request ID.
func NewErrorResponse(id string, err *Error) *Response {
	return &Response{ID: id, Err: err}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Err != nil
}

// Deadline parses the request deadline from metadata. The zero time and
// false are returned when no deadline was attached.
func (r *Request) Deadline() (time.Time, bool) {
	s := r.MetaString(MetaDeadline)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
