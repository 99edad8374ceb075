// SPDX-License-Identifier: Apache-2.0

package respmerge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined marks a value that is absent, as opposed to an explicit JSON null.
//
// Lookups that find nothing return Undefined, and projections write it so that
// the projected shape mirrors the requested path even when the source has no
// value there. Use [Export] before handing a tree to an encoder.
var Undefined any = undefined{}

// IsUndefined reports whether v is the [Undefined] marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// isNullish reports whether v is nil or [Undefined].
func isNullish(v any) bool {
	return v == nil || IsUndefined(v)
}

// Clone returns a deep copy of a decoded document.
//
// Maps and slices are copied recursively; all other values are shared.
// Container types that some decoders produce instead of the generic ones are
// converted on the way: []map[string]any (TOML arrays of tables) becomes
// []any and map[any]any becomes map[string]any with stringified keys.
func Clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Clone(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[Stringify(k)] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Clone(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// Export returns a copy of v that any encoder can serialize.
//
// Map entries holding [Undefined] are dropped and [Undefined] slice elements
// become nil, the same way JSON.stringify treats undefined.
func Export(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if IsUndefined(val) {
				continue
			}
			out[k] = Export(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			if IsUndefined(val) {
				continue
			}
			out[i] = Export(val)
		}
		return out
	case undefined:
		return nil
	default:
		return v
	}
}

// Stringify converts a value to the string used for aggregation keys and
// identity comparisons.
//
// nil and [Undefined] become the empty string. Numbers are rendered the way
// JavaScript's String(number) renders them, so 1, 1.0 and uint64(1) all yield
// "1". Arrays join their elements with commas and objects become
// "[object Object]".
func Stringify(v any) string {
	switch v := v.(type) {
	case nil, undefined:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(v)
	case float32:
		return formatNumber(float64(v))
	case int:
		return strconv.Itoa(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return formatNumber(f)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	default:
		return fmt.Sprint(v)
	}
}

// formatNumber implements ECMAScript Number::toString for finite and
// non-finite doubles.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}

	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	// Go pads the exponent to two digits ("1e-07"); JavaScript does not.
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + sign + digits
}

// truthy reports whether v would be truthy in a boolean context of the
// documents' origin: nil, Undefined, false, zero, NaN and "" are falsy.
func truthy(v any) bool {
	switch v := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0 && !math.IsNaN(v)
	case float32:
		return v != 0 && !math.IsNaN(float64(v))
	case int:
		return v != 0
	case int64:
		return v != 0
	case int32:
		return v != 0
	case uint64:
		return v != 0
	case uint:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err != nil || (f != 0 && !math.IsNaN(f))
	default:
		return true
	}
}
