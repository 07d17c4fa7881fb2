package abakus

import (
	"fmt"
	"net/http"
	"regexp"
)

// Operation identifies one of the counter service's endpoints. The set is
// closed: the remote service exposes exactly these eight operations.
type Operation string

const (
	OpHit    Operation = "hit"
	OpCreate Operation = "create"
	OpGet    Operation = "get"
	OpInfo   Operation = "info"
	OpSet    Operation = "set"
	OpUpdate Operation = "update"
	OpReset  Operation = "reset"
	OpDelete Operation = "delete"
)

// descriptor maps an operation to its HTTP method and whether it mutates
// counter state destructively enough to require the admin credential.
type descriptor struct {
	method string
	admin  bool
}

var descriptors = map[Operation]descriptor{
	OpHit:    {method: http.MethodGet, admin: false},
	OpCreate: {method: http.MethodGet, admin: false},
	OpGet:    {method: http.MethodGet, admin: false},
	OpInfo:   {method: http.MethodGet, admin: false},
	OpSet:    {method: http.MethodPost, admin: true},
	OpUpdate: {method: http.MethodPost, admin: true},
	OpReset:  {method: http.MethodPost, admin: true},
	OpDelete: {method: http.MethodPost, admin: true},
}

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	_, ok := descriptors[op]
	return ok
}

// Method returns the HTTP method the operation is dispatched with.
// Unknown operations default to GET; callers validate with Valid first.
func (op Operation) Method() string {
	if d, ok := descriptors[op]; ok {
		return d.method
	}
	return http.MethodGet
}

// Admin reports whether the operation requires the admin credential.
func (op Operation) Admin() bool {
	if d, ok := descriptors[op]; ok {
		return d.admin
	}
	return false
}

// ParseOperation converts a raw operation name into an Operation,
// rejecting anything outside the closed set before any network activity.
func ParseOperation(name string) (Operation, error) {
	op := Operation(name)
	if !op.Valid() {
		return "", &ClientError{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("unknown operation %q", name),
		}
	}
	return op, nil
}

// identifierPattern is the rule both namespaces and keys must satisfy:
// 3-64 characters of letters, digits, underscore, hyphen or dot.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

// ValidateIdentifier checks a namespace or key against the service's
// identifier rule. The label only decorates the error message.
func ValidateIdentifier(label, value string) error {
	if !identifierPattern.MatchString(value) {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("invalid %s %q: must be 3-64 characters of letters, digits, underscore, hyphen or dot", label, value),
		}
	}
	return nil
}
