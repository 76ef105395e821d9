package carla

import (
	"fmt"
	"math"
)

// The helpers below convert the loosely typed values produced by msgp.Reader.ReadIntf.
// Carla serialises every struct as a positional array, so decoding is mostly a matter
// of picking elements by index and converting their numeric representation.

func asArray(v any) ([]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	return arr, nil
}

func asString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func asUint64(v any) (uint64, error) {
	switch v := v.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("expected unsigned integer, got %d", v)
		}
		return uint64(v), nil
	case int32:
		if v < 0 {
			return 0, fmt.Errorf("expected unsigned integer, got %d", v)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("expected unsigned integer, got %d", v)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asUint32(v any) (uint32, error) {
	n, err := asUint64(v)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("value %d overflows uint32", n)
	}
	return uint32(n), nil
}

func asFloat64(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asFloat32(v any) (float32, error) {
	f, err := asFloat64(v)
	return float32(f), err
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

// field returns arr[i], or nil when the array is too short. Older simulator
// versions send shorter structs, so missing trailing fields read as zero values.
func field(arr []any, i int) any {
	if i < 0 || i >= len(arr) {
		return nil
	}
	return arr[i]
}

// unwrapResponse strips Carla's Response<T> envelope.
//
// Response<T> is packed as a one element array holding a variant [index, value], where
// index 0 carries a ResponseError ([message]) and index 1 the value. Response<void> holds
// an optional error instead: [false] on success or [true, [message]]. Values that do not
// have either shape are returned unchanged.
func unwrapResponse(v any) (any, error) {
	outer, ok := v.([]any)
	if !ok || len(outer) != 1 {
		return v, nil
	}
	inner, ok := outer[0].([]any)
	if !ok || len(inner) == 0 {
		return v, nil
	}

	if set, ok := inner[0].(bool); ok {
		if !set {
			return nil, nil
		}
		return nil, responseError(field(inner, 1))
	}

	idx, err := asUint64(inner[0])
	if err != nil || len(inner) != 2 {
		return v, nil
	}
	if idx == 0 {
		return nil, responseError(inner[1])
	}
	return inner[1], nil
}

func responseError(v any) error {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		v = arr[0]
	}
	return &ServerError{Message: describeError(v)}
}

// describeError renders the error slot of an rpclib response.
func describeError(v any) string {
	switch v := v.(type) {
	case nil:
		return "unknown error"
	case string:
		return v
	case []byte:
		return string(v)
	case []any:
		if len(v) == 1 {
			return describeError(v[0])
		}
		return fmt.Sprint(v...)
	default:
		return fmt.Sprint(v)
	}
}
