package automation

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
)

// Matches reports whether every (path, expected) pair in conditions holds
// for doc under strict equality. An empty condition set always matches.
func Matches(doc payload.Document, conditions map[string]interface{}) bool {
	for path, expected := range conditions {
		actual, ok := doc.Lookup(path)
		if !ok {
			return false
		}
		if !strictEqual(actual, expected) {
			return false
		}
	}
	return true
}

// strictEqual compares without coercion: a number only equals a number, a
// string only a string, null only null. Objects and arrays are never equal.
func strictEqual(actual gjson.Result, expected interface{}) bool {
	switch want := expected.(type) {
	case nil:
		return actual.Type == gjson.Null
	case string:
		return actual.Type == gjson.String && actual.Str == want
	case bool:
		if want {
			return actual.Type == gjson.True
		}
		return actual.Type == gjson.False
	case json.Number:
		f, err := want.Float64()
		return err == nil && actual.Type == gjson.Number && actual.Num == f
	}
	if f, ok := toFloat(expected); ok {
		return actual.Type == gjson.Number && actual.Num == f
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
