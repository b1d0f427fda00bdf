package codec

import (
	"fmt"

	"capnproto.org/go/capnp/v3"

	"gateway/pkg/mcp"
)

// Capnp implements the Cap'n Proto codec. The fixed wire schema carries one
// call per message:
//
//	struct Call    { id @0 :Text; method @1 :Text; params @2 :Data; }
//	struct Reply   { id @0 :Text; result @1 :Data; error @2 :Fault; }
//	struct Fault   { code @0 :Int64; message @1 :Text; }
//
// params and result hold the canonical JSON encoding of the value tree, so
// the payload crosses codecs byte-identically. Decoding validates the
// segment table and refuses messages above the size ceiling.
type Capnp struct{}

// NewCapnp creates the Cap'n Proto codec.
func NewCapnp() *Capnp {
	return &Capnp{}
}

// Format returns the codec's format tag.
func (c *Capnp) Format() mcp.Format {
	return mcp.FormatCapnp
}

const (
	callPtrID     = 0
	callPtrMethod = 1
	callPtrParams = 2

	replyPtrID     = 0
	replyPtrResult = 1
	replyPtrFault  = 2

	faultOffCode    = 0
	faultPtrMessage = 0
)

var (
	callSize  = capnp.ObjectSize{PointerCount: 3}
	replySize = capnp.ObjectSize{PointerCount: 3}
	faultSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}
)

// Parse decodes a single call message.
func (c *Capnp) Parse(body []byte, hints TransportHints) ([]*mcp.Request, error) {
	ceiling := hints.MaxBodySize
	if ceiling <= 0 {
		ceiling = DefaultMaxBodySize
	}
	if len(body) > ceiling {
		return nil, parseErrorf(KindTooLarge, "message of %d bytes exceeds ceiling %d", len(body), ceiling)
	}

	msg, err := capnp.Unmarshal(body)
	if err != nil {
		return nil, parseErrorf(KindMalformed, "invalid segment table: %v", err)
	}

	root, err := msg.Root()
	if err != nil {
		return nil, parseErrorf(KindMalformed, "no root struct: %v", err)
	}
	call := root.Struct()

	id, err := textField(call, callPtrID)
	if err != nil {
		return nil, err
	}
	method, err := textField(call, callPtrMethod)
	if err != nil {
		return nil, err
	}
	if method == "" {
		return nil, parseErrorf(KindSchemaMismatch, "call has no method")
	}

	req := &mcp.Request{ID: id, Method: method, Meta: make(map[string]any)}

	paramsPtr, err := call.Ptr(callPtrParams)
	if err != nil {
		return nil, parseErrorf(KindMalformed, "params pointer: %v", err)
	}
	if raw := paramsPtr.Data(); len(raw) > 0 {
		params, coerced, err := decodeTree(raw)
		if err != nil {
			return nil, parseErrorf(KindMalformed, "invalid params payload: %v", err)
		}
		req.Params = params
		if coerced {
			req.SetMeta(mcp.MetaNumericCoercion, true)
		}
	}
	return []*mcp.Request{req}, nil
}

func textField(s capnp.Struct, i uint16) (string, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return "", parseErrorf(KindMalformed, "pointer %d: %v", i, err)
	}
	return p.Text(), nil
}

// Serialize encodes one reply message. The fixed schema carries a single
// call, so batches never reach this codec.
func (c *Capnp) Serialize(reqs []*mcp.Request, resps []*mcp.Response) ([]byte, error) {
	if len(reqs) != 1 || len(resps) != 1 {
		return nil, fmt.Errorf("capnp responses are single-call, got %d", len(resps))
	}
	resp := resps[0]

	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("new capnp message: %w", err)
	}

	reply, err := capnp.NewRootStruct(seg, replySize)
	if err != nil {
		return nil, fmt.Errorf("new reply struct: %w", err)
	}
	if err := reply.SetText(replyPtrID, resp.ID); err != nil {
		return nil, fmt.Errorf("set reply id: %w", err)
	}

	if resp.IsError() {
		fault, err := capnp.NewStruct(seg, faultSize)
		if err != nil {
			return nil, fmt.Errorf("new fault struct: %w", err)
		}
		fault.SetUint64(faultOffCode, uint64(int64(resp.Err.Code)))
		if err := fault.SetText(faultPtrMessage, resp.Err.Message); err != nil {
			return nil, fmt.Errorf("set fault message: %w", err)
		}
		if err := reply.SetPtr(replyPtrFault, fault.ToPtr()); err != nil {
			return nil, fmt.Errorf("set fault: %w", err)
		}
	} else {
		raw, err := canonicalJSON(resp.Result)
		if err != nil {
			return nil, err
		}
		if err := reply.SetData(replyPtrResult, raw); err != nil {
			return nil, fmt.Errorf("set result: %w", err)
		}
	}

	data, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return data, nil
}

// EncodeRequest encodes a canonical request as a call message, used by
// tests and by peers that speak Cap'n Proto natively.
func (c *Capnp) EncodeRequest(req *mcp.Request) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("new capnp message: %w", err)
	}

	call, err := capnp.NewRootStruct(seg, callSize)
	if err != nil {
		return nil, fmt.Errorf("new call struct: %w", err)
	}
	if err := call.SetText(callPtrID, req.ID); err != nil {
		return nil, fmt.Errorf("set call id: %w", err)
	}
	if err := call.SetText(callPtrMethod, req.Method); err != nil {
		return nil, fmt.Errorf("set call method: %w", err)
	}
	if req.Params != nil {
		raw, err := canonicalJSON(req.Params)
		if err != nil {
			return nil, err
		}
		if err := call.SetData(callPtrParams, raw); err != nil {
			return nil, fmt.Errorf("set call params: %w", err)
		}
	}

	data, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}
	return data, nil
}

// ParseReply decodes a reply message, used by tests exercising the full
// request/reply cycle.
func (c *Capnp) ParseReply(body []byte) (*mcp.Response, error) {
	msg, err := capnp.Unmarshal(body)
	if err != nil {
		return nil, parseErrorf(KindMalformed, "invalid segment table: %v", err)
	}
	root, err := msg.Root()
	if err != nil {
		return nil, parseErrorf(KindMalformed, "no root struct: %v", err)
	}
	reply := root.Struct()

	id, err := textField(reply, replyPtrID)
	if err != nil {
		return nil, err
	}
	resp := &mcp.Response{ID: id}

	faultPtr, err := reply.Ptr(replyPtrFault)
	if err != nil {
		return nil, parseErrorf(KindMalformed, "fault pointer: %v", err)
	}
	if faultPtr.IsValid() {
		fault := faultPtr.Struct()
		message, err := textField(fault, faultPtrMessage)
		if err != nil {
			return nil, err
		}
		resp.Err = &mcp.Error{
			Code:    int(int64(fault.Uint64(faultOffCode))),
			Message: message,
		}
		return resp, nil
	}

	resultPtr, err := reply.Ptr(replyPtrResult)
	if err != nil {
		return nil, parseErrorf(KindMalformed, "result pointer: %v", err)
	}
	if raw := resultPtr.Data(); len(raw) > 0 {
		result, _, err := decodeTree(raw)
		if err != nil {
			return nil, parseErrorf(KindMalformed, "invalid result payload: %v", err)
		}
		resp.Result = result
	}
	return resp, nil
}

func canonicalJSON(v any) ([]byte, error) {
	req := mcp.Request{Params: v}
	raw, err := req.CanonicalParams()
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return raw, nil
}
