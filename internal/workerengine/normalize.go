package workerengine

import "reflect"

// Quantity is a unit-bearing numeric value. The real engine returns many of
// its results this way (temperatures, masses, radii); the bundle mirrors the
// shape without attaching real units semantics.
type Quantity struct {
	Value float64
	Unit  string
}

// Normalize walks an arbitrary engine result and coerces it into a stable
// JSON shape: integer widths collapse to a common integer, floats to a
// common float, booleans pass through, Quantity becomes {value, unit},
// arrays and maps recurse, and unrecognized leaf types
// pass through unchanged (encoding/json will reject what it can't encode).
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case Quantity:
		return map[string]interface{}{"value": x.Value, "unit": x.Unit}
	case *Quantity:
		return map[string]interface{}{"value": x.Value, "unit": x.Unit}
	case bool:
		return x
	case string:
		return x
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return toInt64(x)
	case float32, float64:
		return toFloat64(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, elem := range x {
			out[i] = Normalize(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, elem := range x {
			out[k] = Normalize(elem)
		}
		return out
	default:
		return normalizeReflect(v)
	}
}

// normalizeReflect handles slices and maps with concrete (non-interface{})
// element types, which the type switch above can't match directly.
func normalizeReflect(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		for _, key := range rv.MapKeys() {
			out[key.String()] = Normalize(rv.MapIndex(key).Interface())
		}
		return out
	default:
		return v
	}
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}
