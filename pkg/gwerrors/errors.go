// Package gwerrors provides the structured error taxonomy the gateway
// produces, with JSON-RPC-convention codes and HTTP status mapping.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"

	"gateway/pkg/mcp"
)

// Kind represents a category of gateway error.
type Kind int8

const (
	// KindMalformed means the body could not be parsed by any codec.
	KindMalformed Kind = iota
	// KindUnsupportedMethod means no local or remote handler exists.
	KindUnsupportedMethod
	// KindUnauthorized means the bearer token is missing or invalid.
	KindUnauthorized
	// KindForbidden means the token is valid but lacks the required scope.
	KindForbidden
	// KindRateLimited means the per-endpoint bucket is empty.
	KindRateLimited
	// KindOverloaded means the in-flight gauge is at maximum and no
	// admissible peer exists.
	KindOverloaded
	// KindUpstreamTimeout means the forwarder deadline was exceeded.
	KindUpstreamTimeout
	// KindUpstreamUnavailable means no Up peer exists and local cannot serve.
	KindUpstreamUnavailable
	// KindUpstreamError wraps an error returned by a peer.
	KindUpstreamError
	// KindInternal is the catch-all for invariant violations.
	KindInternal
)

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnsupportedMethod:
		return "unsupported_method"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamError:
		return "upstream_error"
	case KindInternal:
		return "internal"
	default:
		return "invalid"
	}
}

// JSON-RPC standard codes plus the gateway's reserved -32000..-32099 range.
const (
	CodeParse           = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeUnauthorized    = -32001
	CodeForbidden       = -32002
	CodeRateLimited     = -32003
	CodeOverloaded      = -32004
	CodeUpstreamTimeout = -32005
	CodeUpstreamDown    = -32006
	CodeUpstreamError   = -32007
)

// Code returns the wire error code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindMalformed:
		return CodeParse
	case KindUnsupportedMethod:
		return CodeMethodNotFound
	case KindUnauthorized:
		return CodeUnauthorized
	case KindForbidden:
		return CodeForbidden
	case KindRateLimited:
		return CodeRateLimited
	case KindOverloaded:
		return CodeOverloaded
	case KindUpstreamTimeout:
		return CodeUpstreamTimeout
	case KindUpstreamUnavailable:
		return CodeUpstreamDown
	case KindUpstreamError:
		return CodeUpstreamError
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the transport status for the kind. Application-level
// errors ride in-band at 200 per JSON-RPC convention.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMalformed:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// StatusForCode maps a wire error code back onto its transport status, for
// responses that crossed a serialization boundary.
func StatusForCode(code int) int {
	switch code {
	case CodeParse, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeOverloaded:
		return http.StatusServiceUnavailable
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamDown:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// Error is a classified gateway error. Data carries optional structured
// detail that survives serialization into the origin format.
type Error struct {
	Kind    Kind
	Message string
	Data    any
	Err     error // wrapped cause, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// MCP converts the error into the canonical wire error object.
func (e *Error) MCP() *mcp.Error {
	return &mcp.Error{Code: e.Kind.Code(), Message: e.Message, Data: e.Data}
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Upstream wraps an error object returned by a peer, recording the peer ID.
func Upstream(peerID string, werr *mcp.Error) *Error {
	return &Error{
		Kind:    KindUpstreamError,
		Message: werr.Message,
		Data:    map[string]any{"peer": peerID, "code": werr.Code},
	}
}

// KindOf classifies err. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindInternal
}

// AsMCP converts any error into a wire error object, classifying
// unclassified errors as internal without leaking their detail.
func AsMCP(err error) *mcp.Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.MCP()
	}
	return &mcp.Error{Code: CodeInternal, Message: "internal error"}
}
