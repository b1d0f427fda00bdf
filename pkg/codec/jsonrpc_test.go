package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/pkg/gwerrors"
	"gateway/pkg/mcp"
)

func TestJSONRPCParseSingle(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools.list","params":{}}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, "tools.list", req.Method)
	assert.False(t, req.IsNotification())
}

func TestJSONRPCParseNotification(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","method":"tools.ping"}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)
	assert.True(t, reqs[0].IsNotification())
}

func TestJSONRPCRejectsWrongVersion(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"1.0","id":1,"method":"tools.list"}`)

	_, err := c.Parse(body, TransportHints{})
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUnsupportedVersion, pe.Kind)
}

func TestJSONRPCRejectsGarbage(t *testing.T) {
	c := NewJSONRPC()

	for _, body := range []string{"", "{", `{"jsonrpc":"2.0","id":1}`, `{"jsonrpc":"2.0","id":{},"method":"m"}`} {
		_, err := c.Parse([]byte(body), TransportHints{})
		var pe *ParseError
		require.ErrorAs(t, err, &pe, "body %q", body)
		assert.Equal(t, KindMalformed, pe.Kind, "body %q", body)
	}
}

func TestJSONRPCBatchOrderPreserved(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`[
		{"jsonrpc":"2.0","id":"a","method":"tools.list"},
		{"jsonrpc":"2.0","id":"b","method":"tools.call","params":{"name":"x"}},
		{"jsonrpc":"2.0","id":"c","method":"tools.list"}
	]`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{reqs[0].ID, reqs[1].ID, reqs[2].ID})
}

func TestJSONRPCUnknownParamFieldsPassThrough(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools.call","params":{"name":"x","vendor_ext":{"k":true}}}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)

	params, ok := reqs[0].Params.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, params, "vendor_ext")
}

func TestJSONRPCNumericCoercion(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools.call","params":{"big":9007199254740993,"small":7}}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)

	req := reqs[0]
	flagged, _ := req.GetMeta(mcp.MetaNumericCoercion)
	assert.Equal(t, true, flagged)

	params := req.Params.(map[string]any)
	assert.Equal(t, "9007199254740993", params["big"])
	assert.Equal(t, int64(7), params["small"])
}

func TestJSONRPCSerializeEchoesNumericID(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","id":42,"method":"tools.list","params":{}}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)

	out, err := c.Serialize(reqs, []*mcp.Response{mcp.NewResponse(reqs[0].ID, map[string]any{"ok": true})})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`, string(out))
}

func TestJSONRPCSerializeError(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","id":"r1","method":"tools.call"}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)

	gwErr := gwerrors.New(gwerrors.KindRateLimited, "bucket empty")
	out, err := c.Serialize(reqs, []*mcp.Response{mcp.NewErrorResponse(reqs[0].ID, gwErr.MCP())})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	errObj := decoded["error"].(map[string]any)
	assert.Equal(t, float64(gwerrors.CodeRateLimited), errObj["code"])
}

func TestJSONRPCBatchResponseOrder(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"tools.list"},
		{"jsonrpc":"2.0","id":2,"method":"tools.list"}
	]`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)
	for i, req := range reqs {
		req.SetMeta(mcp.MetaBatchID, "b1")
		req.SetMeta(mcp.MetaBatchIndex, i)
	}

	resps := []*mcp.Response{
		mcp.NewResponse(reqs[0].ID, "first"),
		mcp.NewResponse(reqs[1].ID, "second"),
	}
	out, err := c.Serialize(reqs, resps)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, float64(1), decoded[0]["id"])
	assert.Equal(t, "first", decoded[0]["result"])
	assert.Equal(t, float64(2), decoded[1]["id"])
	assert.Equal(t, "second", decoded[1]["result"])
}

func TestJSONRPCEncodeRequestRoundTrip(t *testing.T) {
	c := NewJSONRPC()
	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools.call","params":{"name":"echo","args":[1,2]}}`)

	reqs, err := c.Parse(body, TransportHints{})
	require.NoError(t, err)

	encoded, err := c.EncodeRequest(reqs[0])
	require.NoError(t, err)

	again, err := c.Parse(encoded, TransportHints{})
	require.NoError(t, err)
	require.Len(t, again, 1)

	assert.Equal(t, reqs[0].ID, again[0].ID)
	assert.Equal(t, reqs[0].Method, again[0].Method)

	a, err := reqs[0].CanonicalParams()
	require.NoError(t, err)
	b, err := again[0].CanonicalParams()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
