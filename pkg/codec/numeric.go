package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxSafeInteger is the largest integer a JSON consumer can rely on without
// precision loss (2^53 - 1). Integers beyond it are carried as strings.
const maxSafeInteger = int64(1)<<53 - 1

// decodeTree decodes arbitrary JSON into the canonical value tree: maps,
// slices, strings, bools, int64, float64. Integers outside the 53-bit safe
// range become strings; the returned flag reports whether any coercion
// happened anywhere in the tree.
func decodeTree(raw []byte) (any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, err
	}

	coerced := false
	out := normalizeValue(v, &coerced)
	return out, coerced, nil
}

func normalizeValue(v any, coerced *bool) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeValue(item, coerced)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeValue(item, coerced)
		}
		return val
	case json.Number:
		return normalizeNumber(val, coerced)
	default:
		return v
	}
}

func normalizeNumber(n json.Number, coerced *bool) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// Out of int64 range entirely; carry the digits as a string.
			*coerced = true
			return s
		}
		if i > maxSafeInteger || i < -maxSafeInteger {
			*coerced = true
			return s
		}
		return i
	}
	f, err := n.Float64()
	if err != nil {
		*coerced = true
		return s
	}
	return f
}

// normalizeScalarLiteral converts a textual numeric literal from a non-JSON
// source (e.g. a GraphQL int) into the canonical representation.
func normalizeScalarLiteral(s string, coerced *bool) (any, error) {
	if s == "" || !isNumericLiteral(s) {
		return nil, fmt.Errorf("invalid numeric literal %q", s)
	}
	return normalizeNumber(json.Number(s), coerced), nil
}

func isNumericLiteral(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' || r == '+' || r == '.' || r == 'e' || r == 'E':
		default:
			return false
		}
	}
	return true
}
