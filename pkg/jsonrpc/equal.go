package jsonrpc

import "encoding/json"

// Equal reports structural equality of two decoded JSON values.
// Numbers compare by value regardless of representation, so a json.Number
// from a wire decode equals the float64 a test literal produces.
func Equal(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !Equal(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
