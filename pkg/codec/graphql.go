package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"gateway/pkg/gwerrors"
	"gateway/pkg/mcp"
)

// metaGraphQLField is the response key (alias or field name) under which a
// request's result is placed in the data object on the return path.
const metaGraphQLField = "graphql_field"

// GraphQL implements the GraphQL codec. Each top-level selection of the
// operation flattens into one canonical call; multi-field selections become
// a batch. Subscriptions are rejected until a streaming transport exists.
type GraphQL struct{}

// NewGraphQL creates the GraphQL codec.
func NewGraphQL() *GraphQL {
	return &GraphQL{}
}

// Format returns the codec's format tag.
func (c *GraphQL) Format() mcp.Format {
	return mcp.FormatGraphQL
}

// graphqlEnvelope is the standard JSON POST body. Raw query bodies are also
// accepted.
type graphqlEnvelope struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

// Parse decodes either a JSON envelope or a bare operation document.
func (c *GraphQL) Parse(body []byte, _ TransportHints) ([]*mcp.Request, error) {
	query, variables, err := unwrapEnvelope(body)
	if err != nil {
		return nil, err
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(query), Name: "request"}),
	})
	if err != nil {
		return nil, parseErrorf(KindMalformed, "graphql parse: %v", err)
	}

	op := firstOperation(doc)
	if op == nil {
		return nil, parseErrorf(KindSchemaMismatch, "document contains no operation")
	}
	if op.Operation == "subscription" {
		return nil, parseErrorf(KindSchemaMismatch, "subscriptions require a streaming transport")
	}
	if op.SelectionSet == nil || len(op.SelectionSet.Selections) == 0 {
		return nil, parseErrorf(KindMalformed, "operation has an empty selection set")
	}

	reqs := make([]*mcp.Request, 0, len(op.SelectionSet.Selections))
	for _, sel := range op.SelectionSet.Selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			return nil, parseErrorf(KindSchemaMismatch, "only plain fields are supported at the top level")
		}
		req, err := c.requestForField(op, field, variables)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func unwrapEnvelope(body []byte) (string, map[string]any, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return "", nil, parseErrorf(KindMalformed, "empty body")
	}

	if trimmed[0] != '{' {
		return string(trimmed), nil, nil
	}

	var env graphqlEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return "", nil, parseErrorf(KindMalformed, "invalid graphql envelope: %v", err)
	}
	if env.Query == "" {
		return "", nil, parseErrorf(KindMalformed, "envelope has no query")
	}

	var variables map[string]any
	if len(env.Variables) > 0 && !bytes.Equal(env.Variables, []byte("null")) {
		decoded, _, err := decodeTree(env.Variables)
		if err != nil {
			return "", nil, parseErrorf(KindMalformed, "invalid variables: %v", err)
		}
		m, ok := decoded.(map[string]any)
		if !ok {
			return "", nil, parseErrorf(KindMalformed, "variables must be an object")
		}
		variables = m
	}
	return env.Query, variables, nil
}

func firstOperation(doc *ast.Document) *ast.OperationDefinition {
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}
	return nil
}

// requestForField flattens one top-level field into a canonical call:
// method is the field name prefixed by operation type, params is the
// arguments object merged with the operation variables.
func (c *GraphQL) requestForField(op *ast.OperationDefinition, field *ast.Field, variables map[string]any) (*mcp.Request, error) {
	name := field.Name.Value
	method := op.Operation + "." + name
	if !mcp.ValidMethod(method) {
		return nil, parseErrorf(KindSchemaMismatch, "field %q does not form a valid method", name)
	}

	params := make(map[string]any, len(variables)+len(field.Arguments))
	for k, v := range variables {
		params[k] = v
	}

	coerced := false
	for _, arg := range field.Arguments {
		v, err := valueOf(arg.Value, variables, &coerced)
		if err != nil {
			return nil, err
		}
		params[arg.Name.Value] = v
	}

	req := &mcp.Request{
		ID:     uuid.NewString(),
		Method: method,
		Meta:   make(map[string]any),
	}
	if len(params) > 0 {
		req.Params = params
	}
	if coerced {
		req.SetMeta(mcp.MetaNumericCoercion, true)
	}

	responseKey := name
	if field.Alias != nil {
		responseKey = field.Alias.Value
		req.SetMeta(mcp.MetaAliases, map[string]any{name: responseKey})
	}
	req.SetMeta(metaGraphQLField, responseKey)
	return req, nil
}

func valueOf(v ast.Value, variables map[string]any, coerced *bool) (any, error) {
	switch val := v.(type) {
	case *ast.IntValue:
		return normalizeScalarLiteral(val.Value, coerced)
	case *ast.FloatValue:
		return normalizeScalarLiteral(val.Value, coerced)
	case *ast.StringValue:
		return val.Value, nil
	case *ast.BooleanValue:
		return val.Value, nil
	case *ast.EnumValue:
		return val.Value, nil
	case *ast.ListValue:
		out := make([]any, 0, len(val.Values))
		for _, item := range val.Values {
			decoded, err := valueOf(item, variables, coerced)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
		}
		return out, nil
	case *ast.ObjectValue:
		out := make(map[string]any, len(val.Fields))
		for _, f := range val.Fields {
			decoded, err := valueOf(f.Value, variables, coerced)
			if err != nil {
				return nil, err
			}
			out[f.Name.Value] = decoded
		}
		return out, nil
	case *ast.Variable:
		name := val.Name.Value
		resolved, ok := variables[name]
		if !ok {
			return nil, parseErrorf(KindMalformed, "undefined variable $%s", name)
		}
		return resolved, nil
	default:
		return nil, parseErrorf(KindSchemaMismatch, "unsupported value kind %T", v)
	}
}

// graphqlError is one member of the response errors array.
type graphqlError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Serialize assembles the GraphQL response envelope: results keyed by alias
// or field name under data, failures appended to the errors array with the
// gateway code under extensions.
func (c *GraphQL) Serialize(reqs []*mcp.Request, resps []*mcp.Response) ([]byte, error) {
	if len(reqs) != len(resps) {
		return nil, fmt.Errorf("request/response count mismatch: %d vs %d", len(reqs), len(resps))
	}

	data := make(map[string]any, len(reqs))
	var errs []graphqlError

	for i, req := range reqs {
		key := req.MetaString(metaGraphQLField)
		if key == "" {
			key = req.Method
		}
		resp := resps[i]
		if resp.IsError() {
			data[key] = nil
			errs = append(errs, graphqlError{
				Message: resp.Err.Message,
				Path:    []any{key},
				Extensions: map[string]any{
					"code": gwErrorCodeName(resp.Err.Code),
				},
			})
			continue
		}
		data[key] = resp.Result
	}

	envelope := make(map[string]any, 2)
	envelope["data"] = data
	if len(errs) > 0 {
		envelope["errors"] = errs
	}
	return json.Marshal(envelope)
}

// gwErrorCodeName maps wire codes onto the SCREAMING_SNAKE extension codes
// GraphQL clients conventionally switch on.
func gwErrorCodeName(code int) string {
	switch code {
	case gwerrors.CodeParse:
		return "MALFORMED"
	case gwerrors.CodeMethodNotFound:
		return "UNSUPPORTED_METHOD"
	case gwerrors.CodeUnauthorized:
		return "UNAUTHORIZED"
	case gwerrors.CodeForbidden:
		return "FORBIDDEN"
	case gwerrors.CodeRateLimited:
		return "RATE_LIMITED"
	case gwerrors.CodeOverloaded:
		return "OVERLOADED"
	case gwerrors.CodeUpstreamTimeout:
		return "UPSTREAM_TIMEOUT"
	case gwerrors.CodeUpstreamDown:
		return "UPSTREAM_UNAVAILABLE"
	case gwerrors.CodeUpstreamError:
		return "UPSTREAM_ERROR"
	default:
		return "INTERNAL"
	}
}
