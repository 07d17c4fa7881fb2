package abakus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldKind tags the variant held by a FieldValue. The remote payload is
// loosely typed and varies per operation, so fields are represented as a
// small tagged union rather than a fixed record.
type FieldKind int

const (
	FieldInt FieldKind = iota
	FieldString
	FieldBool
)

// FieldValue is one interpreted response field. Secret marks values that
// must receive secret handling downstream (only admin_key today).
type FieldValue struct {
	Kind   FieldKind
	Int    int64
	Str    string
	Bool   bool
	Secret bool
}

// IntField wraps an integer field value.
func IntField(v int64) FieldValue { return FieldValue{Kind: FieldInt, Int: v} }

// StringField wraps a string field value.
func StringField(v string) FieldValue { return FieldValue{Kind: FieldString, Str: v} }

// BoolField wraps a boolean field value.
func BoolField(v bool) FieldValue { return FieldValue{Kind: FieldBool, Bool: v} }

// String renders the field for display.
func (f FieldValue) String() string {
	switch f.Kind {
	case FieldInt:
		return fmt.Sprintf("%d", f.Int)
	case FieldBool:
		return fmt.Sprintf("%t", f.Bool)
	default:
		return f.Str
	}
}

// Result is the interpreted outcome of one invocation: a success flag
// derived from the HTTP status class and the operation-specific output
// fields that were present in the payload. Absent fields are omitted,
// never defaulted.
type Result struct {
	Success    bool
	StatusCode int
	Fields     map[string]FieldValue
}

// Int returns the named integer field if present.
func (r *Result) Int(name string) (int64, bool) {
	f, ok := r.Fields[name]
	if !ok || f.Kind != FieldInt {
		return 0, false
	}
	return f.Int, true
}

// Str returns the named string field if present.
func (r *Result) Str(name string) (string, bool) {
	f, ok := r.Fields[name]
	if !ok || f.Kind != FieldString {
		return "", false
	}
	return f.Str, true
}

// Bool returns the named boolean field if present.
func (r *Result) Bool(name string) (bool, bool) {
	f, ok := r.Fields[name]
	if !ok || f.Kind != FieldBool {
		return false, false
	}
	return f.Bool, true
}

// Has reports whether the named field was present in the payload.
func (r *Result) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// FieldNames returns the present field names in sorted order.
func (r *Result) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// outputFields lists which payload fields each operation surfaces.
var outputFields = map[Operation][]string{
	OpHit:    {"value"},
	OpGet:    {"value"},
	OpSet:    {"value"},
	OpReset:  {"value"},
	OpUpdate: {"value"},
	OpCreate: {"value", "namespace", "key", "admin_key"},
	OpInfo:   {"exists", "expires_in", "expires_str", "full_key", "is_genuine"},
	OpDelete: {"status", "message"},
}

// parsePayload decodes the response body into a loose field map. An empty
// body yields an empty map. A body that is not a JSON object is not fatal:
// the raw text is exposed under the "error" field instead, leaving the
// success decision to the HTTP status class.
func parsePayload(body []byte) map[string]interface{} {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return map[string]interface{}{}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return map[string]interface{}{"error": trimmed}
	}
	return payload
}

// interpretResponse turns the final raw response into a Result. Success is
// determined solely by the status class; field extraction depends on the
// operation.
func interpretResponse(op Operation, statusCode int, body []byte) *Result {
	payload := parsePayload(body)
	result := &Result{
		Success:    statusCode >= 200 && statusCode < 300,
		StatusCode: statusCode,
		Fields:     make(map[string]FieldValue),
	}

	for _, name := range outputFields[op] {
		raw, ok := payload[name]
		if !ok {
			continue
		}
		field, ok := convertField(raw)
		if !ok {
			continue
		}
		if name == "admin_key" {
			field.Secret = true
		}
		result.Fields[name] = field
	}

	// A parse-failure (or server-side) error text rides along so callers
	// can inspect it even on nominally successful responses.
	if errText, ok := payload["error"].(string); ok {
		result.Fields["error"] = StringField(errText)
	}

	return result
}

// convertField narrows a decoded JSON value to one of the supported
// variants. Unsupported shapes (nested objects, null) are dropped.
func convertField(raw interface{}) (FieldValue, bool) {
	switch v := raw.(type) {
	case float64:
		return IntField(int64(v)), true
	case string:
		return StringField(v), true
	case bool:
		return BoolField(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return IntField(i), true
		}
		return StringField(v.String()), true
	default:
		return FieldValue{}, false
	}
}

// errorMessage extracts the failure message for a non-2xx response: the
// string-typed "error" field when present, otherwise a generic message
// naming the status code and operation.
func errorMessage(op Operation, statusCode int, payload map[string]interface{}) string {
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("operation %s failed with status %d", op, statusCode)
}
