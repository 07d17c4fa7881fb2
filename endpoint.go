package abakus

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the public Abacus endpoint used when no base URL is
// configured.
const DefaultBaseURL = "https://abacus.jasoncameron.dev"

// buildURL produces the fully qualified request URL for an operation:
// base origin + /{operation}/{namespace}/{key}, with namespace and key
// percent-encoded and operation-specific query parameters attached only
// when applicable. Pure function: identical inputs yield identical output.
func buildURL(base string, op Operation, namespace, key string, initializer, value *int64) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteByte('/')
	b.WriteString(string(op))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(namespace))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(key))

	query := url.Values{}
	if op == OpCreate && initializer != nil {
		query.Set("initializer", strconv.FormatInt(*initializer, 10))
	}
	if (op == OpSet || op == OpUpdate) && value != nil {
		query.Set("value", strconv.FormatInt(*value, 10))
	}
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(query.Encode())
	}

	return b.String()
}
