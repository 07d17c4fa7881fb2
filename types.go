package abakus

import (
	"context"
	"net/http"
	"time"
)

// Request describes one counter invocation. Initializer is honored only by
// create; Value only by set/update. AdminKey overrides the client-level
// credential for this invocation.
type Request struct {
	Operation   Operation
	Namespace   string
	Key         string
	Initializer *int64
	Value       *int64
	AdminKey    string
}

// Middleware represents a middleware function wrapping the transport.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// SleepFunc suspends between attempts. Injectable so the retry engine can
// be tested with a fake clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option represents a configuration option.
type Option func(*Client)

// Int64 returns a pointer to v, for optional Initializer/Value fields.
func Int64(v int64) *int64 {
	return &v
}
