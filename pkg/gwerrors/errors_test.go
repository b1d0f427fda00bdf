package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/pkg/mcp"
)

func TestKindCodes(t *testing.T) {
	assert.Equal(t, CodeParse, KindMalformed.Code())
	assert.Equal(t, CodeMethodNotFound, KindUnsupportedMethod.Code())
	assert.Equal(t, CodeRateLimited, KindRateLimited.Code())
	assert.Equal(t, CodeOverloaded, KindOverloaded.Code())
	assert.Equal(t, CodeInternal, KindInternal.Code())
}

func TestHTTPStatuses(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, KindUnauthorized.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindOverloaded.HTTPStatus())
	assert.Equal(t, http.StatusGatewayTimeout, KindUpstreamTimeout.HTTPStatus())
	// Application-level errors ride in-band.
	assert.Equal(t, http.StatusOK, KindUpstreamError.HTTPStatus())
	assert.Equal(t, http.StatusOK, KindInternal.HTTPStatus())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindUpstreamUnavailable, cause, "peer %s unreachable", "n1")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "peer n1 unreachable")
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindRateLimited, "bucket empty")
	outer := fmt.Errorf("pipeline: %w", inner)
	assert.Equal(t, KindRateLimited, KindOf(outer))

	assert.Equal(t, KindInternal, KindOf(errors.New("anything")))
}

func TestAsMCPHidesUnclassifiedDetail(t *testing.T) {
	werr := AsMCP(errors.New("password=hunter2 leaked"))
	assert.Equal(t, CodeInternal, werr.Code)
	assert.Equal(t, "internal error", werr.Message)
}

func TestUpstreamCarriesPeer(t *testing.T) {
	peerErr := &mcp.Error{Code: -32601, Message: "no such method"}
	err := Upstream("n7", peerErr)

	werr := err.MCP()
	assert.Equal(t, CodeUpstreamError, werr.Code)
	assert.Equal(t, "no such method", werr.Message)

	data, ok := werr.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n7", data["peer"])
	assert.Equal(t, -32601, data["code"])
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, StatusForCode(CodeRateLimited))
	assert.Equal(t, http.StatusBadRequest, StatusForCode(CodeParse))
	assert.Equal(t, http.StatusOK, StatusForCode(CodeUpstreamError))
}
