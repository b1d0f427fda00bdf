package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gateway/pkg/mcp"
)

// metaJSONRPCIDKind remembers whether the caller's id was a number, string,
// or null so the response can echo the exact same JSON type.
const metaJSONRPCIDKind = "jsonrpc_id_kind"

const (
	idKindNumber = "number"
	idKindString = "string"
	idKindNull   = "null"
)

// JSONRPC implements the JSON-RPC 2.0 codec. Batch requests produce an
// ordered sequence of canonical requests; unknown fields inside params pass
// through verbatim.
type JSONRPC struct{}

// NewJSONRPC creates the JSON-RPC 2.0 codec.
func NewJSONRPC() *JSONRPC {
	return &JSONRPC{}
}

// Format returns the codec's format tag.
func (c *JSONRPC) Format() mcp.Format {
	return mcp.FormatJSONRPC
}

type jsonrpcEnvelope struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonrpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcp.Error      `json:"error,omitempty"`
}

// Parse decodes a single request or a batch.
func (c *JSONRPC) Parse(body []byte, _ TransportHints) ([]*mcp.Request, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, parseErrorf(KindMalformed, "empty body")
	}

	if trimmed[0] == '[' {
		var envelopes []json.RawMessage
		if err := json.Unmarshal(trimmed, &envelopes); err != nil {
			return nil, parseErrorf(KindMalformed, "invalid batch: %v", err)
		}
		if len(envelopes) == 0 {
			return nil, parseErrorf(KindMalformed, "empty batch")
		}
		reqs := make([]*mcp.Request, 0, len(envelopes))
		for i, raw := range envelopes {
			req, err := c.parseOne(raw)
			if err != nil {
				return nil, parseErrorf(kindOf(err), "batch item %d: %v", i, detailOf(err))
			}
			reqs = append(reqs, req)
		}
		return reqs, nil
	}

	req, err := c.parseOne(trimmed)
	if err != nil {
		return nil, err
	}
	return []*mcp.Request{req}, nil
}

func kindOf(err error) ParseErrorKind {
	if pe, ok := err.(*ParseError); ok { //nolint:errorlint // local constructor, never wrapped
		return pe.Kind
	}
	return KindMalformed
}

func detailOf(err error) string {
	if pe, ok := err.(*ParseError); ok { //nolint:errorlint // local constructor, never wrapped
		return pe.Detail
	}
	return err.Error()
}

func (c *JSONRPC) parseOne(raw []byte) (*mcp.Request, error) {
	var env jsonrpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, parseErrorf(KindMalformed, "invalid envelope: %v", err)
	}
	if env.Version != "2.0" {
		return nil, parseErrorf(KindUnsupportedVersion, "jsonrpc version %q", env.Version)
	}
	if env.Method == "" {
		return nil, parseErrorf(KindMalformed, "missing method")
	}

	req := &mcp.Request{Method: env.Method, Meta: make(map[string]any)}

	id, kind, err := decodeID(env.ID)
	if err != nil {
		return nil, err
	}
	req.ID = id
	req.SetMeta(metaJSONRPCIDKind, kind)

	if len(env.Params) > 0 && !bytes.Equal(env.Params, []byte("null")) {
		params, coerced, err := decodeTree(env.Params)
		if err != nil {
			return nil, parseErrorf(KindMalformed, "invalid params: %v", err)
		}
		req.Params = params
		if coerced {
			req.SetMeta(mcp.MetaNumericCoercion, true)
		}
	}
	return req, nil
}

// decodeID maps the wire id onto the opaque canonical string, remembering
// its JSON type. Absent or null ids mark a notification.
func decodeID(raw json.RawMessage) (string, string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", idKindNull, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", "", parseErrorf(KindMalformed, "invalid id: %v", err)
		}
		return s, idKindString, nil
	case '{', '[':
		return "", "", parseErrorf(KindMalformed, "id must be a string or number")
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", "", parseErrorf(KindMalformed, "invalid id: %v", err)
		}
		return n.String(), idKindNumber, nil
	}
}

// Serialize re-encodes responses in request order: one object for a single
// request, an array for a batch.
func (c *JSONRPC) Serialize(reqs []*mcp.Request, resps []*mcp.Response) ([]byte, error) {
	if len(reqs) != len(resps) {
		return nil, fmt.Errorf("request/response count mismatch: %d vs %d", len(reqs), len(resps))
	}

	encoded := make([]*jsonrpcResponse, 0, len(resps))
	for i, resp := range resps {
		encoded = append(encoded, encodeResponse(reqs[i], resp))
	}

	if len(encoded) == 1 && reqs[0].MetaString(mcp.MetaBatchID) == "" {
		return json.Marshal(encoded[0])
	}
	return json.Marshal(encoded)
}

func encodeResponse(req *mcp.Request, resp *mcp.Response) *jsonrpcResponse {
	out := &jsonrpcResponse{Version: "2.0", ID: encodeID(req, resp.ID)}
	if resp.IsError() {
		out.Error = resp.Err
	} else {
		out.Result = resp.Result
	}
	return out
}

// encodeID echoes the id using the caller's original JSON type.
func encodeID(req *mcp.Request, id string) json.RawMessage {
	if id == "" {
		return json.RawMessage("null")
	}
	if req.MetaString(metaJSONRPCIDKind) == idKindNumber {
		return json.RawMessage(id)
	}
	quoted, _ := json.Marshal(id)
	return quoted
}

// EncodeRequest emits a canonical request as a JSON-RPC 2.0 request body.
// The forwarder uses this as the well-known upstream wire format.
func (c *JSONRPC) EncodeRequest(req *mcp.Request) ([]byte, error) {
	env := struct {
		Version string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  any             `json:"params,omitempty"`
	}{
		Version: "2.0",
		ID:      encodeRequestID(req),
		Method:  req.Method,
		Params:  req.Params,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode jsonrpc request: %w", err)
	}
	return data, nil
}

func encodeRequestID(req *mcp.Request) json.RawMessage {
	if req.ID == "" {
		return nil
	}
	if req.MetaString(metaJSONRPCIDKind) == idKindNumber {
		return json.RawMessage(req.ID)
	}
	quoted, _ := json.Marshal(req.ID)
	return quoted
}
