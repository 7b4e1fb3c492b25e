// Package payload holds event payloads as JSON documents and resolves
// dot-paths and {{ path }} templates against them.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Document is a raw JSON payload. The zero value is an empty document in
// which every path is absent.
type Document []byte

// characters gjson treats as path syntax; a segment containing them must
// still be read as a literal key.
const pathSyntax = `\.*?|#@!=<>%~[]{}"`

// New marshals an arbitrary Go value into a Document.
func New(v interface{}) (Document, error) {
	if v == nil {
		return Document("null"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return Parse(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Document(b), nil
}

// Parse wraps raw JSON bytes. Invalid JSON yields a document where every
// lookup is absent.
func Parse(raw []byte) Document {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	return Document(raw)
}

// Lookup walks a dot-path segment by segment. It reports false when any
// segment is missing or an intermediate value is null. A final null value
// is found (ok is true, Value is nil).
func (d Document) Lookup(path string) (gjson.Result, bool) {
	if len(d) == 0 || path == "" {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(d, escapePath(path))
	if !res.Exists() {
		return gjson.Result{}, false
	}
	return res, true
}

// Get returns the raw value at path, or nil when absent or null.
func (d Document) Get(path string) interface{} {
	res, ok := d.Lookup(path)
	if !ok {
		return nil
	}
	return res.Value()
}

// String returns the template string form of the value at path; absent and
// null both give "".
func (d Document) String(path string) string {
	res, ok := d.Lookup(path)
	if !ok {
		return ""
	}
	return stringify(res)
}

// IsObject reports whether the document root is a JSON object.
func (d Document) IsObject() bool {
	return len(d) > 0 && gjson.ParseBytes(d).IsObject()
}

// With returns a copy of the document with value set at path. An empty
// document starts as {}; any other non-object root is an error.
func (d Document) With(path string, value interface{}) (Document, error) {
	base := []byte(d)
	if len(base) == 0 {
		base = []byte("{}")
	} else if !d.IsObject() {
		return d, fmt.Errorf("cannot set %q: document root is not an object", path)
	}
	out, err := sjson.SetBytes(append([]byte(nil), base...), path, value)
	if err != nil {
		return d, err
	}
	return Document(out), nil
}

// Map decodes the document as an object, or nil when it is not one.
func (d Document) Map() map[string]interface{} {
	if len(d) == 0 {
		return nil
	}
	res, ok := gjson.ParseBytes(d).Value().(map[string]interface{})
	if !ok {
		return nil
	}
	return res
}

func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

func escapePath(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		segments[i] = escapeSegment(seg)
	}
	return strings.Join(segments, ".")
}

func escapeSegment(seg string) string {
	if !strings.ContainsAny(seg, pathSyntax) {
		return seg
	}
	var b strings.Builder
	for _, r := range seg {
		if strings.ContainsRune(pathSyntax, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stringify(res gjson.Result) string {
	switch res.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return res.Str
	case gjson.Number:
		return formatNumber(res.Num)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	default:
		return res.Raw
	}
}

// formatNumber prints numbers the way a JavaScript String() call does for
// the common range: integers without a fraction, shortest round-trip digits.
func formatNumber(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if math.Abs(f) >= 1e21 || (f != 0 && math.Abs(f) < 1e-6) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
