package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CoerceValue normalizes an arbitrary metadata value into the narrow string
// form both backends can store. Strings pass through unchanged; numbers use
// their shortest decimal representation; booleans become "True"/"False"
// (the documented store format); everything else (lists, maps, structs) is
// coerced to its JSON string representation.
//
// The store is documented as lossy for non-string types: readers must treat
// metadata values as opaque strings unless they know the original type.
func CoerceValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// CoerceMetadata applies CoerceValue to every value of a metadata map.
// A nil input yields an empty (non-nil) map so callers can stamp timestamps
// without a nil check.
func CoerceMetadata(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = CoerceValue(v)
	}
	return out
}
