package abakus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const (
	// MaskToken replaces credential-like fields and registered secret
	// values in diagnostic output.
	MaskToken = "[REDACTED]"

	// maxLogLength bounds any single formatted diagnostic string.
	maxLogLength = 2000
)

// sensitiveFields are field names that are always masked, matched
// case-insensitively.
var sensitiveFields = map[string]struct{}{
	"admin_key":     {},
	"authorization": {},
}

// Redactor formats values for diagnostic output. Registered secret values
// are scrubbed from any string it produces, credential-like fields in
// structured values are masked, and everything is truncated to a bounded
// length. The secret set is append-only: once a value is marked sensitive
// it stays sensitive for the lifetime of the redactor.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates an empty redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// AddSecret registers a value that must never appear in formatted output.
// Empty strings are ignored. There is intentionally no removal.
func (r *Redactor) AddSecret(value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	r.secrets = append(r.secrets, value)
	r.mu.Unlock()
}

// Format renders any value as a bounded-length string safe for logs.
// It never panics: serialization failures fall back to fmt formatting,
// still scrubbed and truncated.
func (r *Redactor) Format(v interface{}) (out string) {
	defer func() {
		if recover() != nil {
			out = "<unloggable value>"
		}
	}()

	switch val := v.(type) {
	case string:
		return r.bound(val)
	case []byte:
		return r.bound(string(val))
	default:
		data, err := json.Marshal(sanitizeValue(v))
		if err != nil {
			return r.bound(fmt.Sprintf("%v", v))
		}
		return r.bound(string(data))
	}
}

// bound scrubs registered secrets and truncates to maxLogLength with an
// explicit marker stating how many characters were dropped.
func (r *Redactor) bound(s string) string {
	s = r.scrub(s)
	if len(s) <= maxLogLength {
		return s
	}
	omitted := len(s) - maxLogLength
	return s[:maxLogLength] + fmt.Sprintf("... [truncated %d chars]", omitted)
}

func (r *Redactor) scrub(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, MaskToken)
	}
	return s
}

// sanitizeValue walks structured values replacing credential-like fields
// with the mask token before serialization. Non-container values pass
// through unchanged.
func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		clean := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if isSensitiveField(k) {
				clean[k] = MaskToken
				continue
			}
			clean[k] = sanitizeValue(inner)
		}
		return clean
	case map[string]string:
		clean := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if isSensitiveField(k) {
				clean[k] = MaskToken
				continue
			}
			clean[k] = inner
		}
		return clean
	case []interface{}:
		clean := make([]interface{}, len(val))
		for i, inner := range val {
			clean[i] = sanitizeValue(inner)
		}
		return clean
	default:
		return v
	}
}

func isSensitiveField(name string) bool {
	_, ok := sensitiveFields[strings.ToLower(name)]
	return ok
}
