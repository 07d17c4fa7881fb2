// Package abakus provides a resilient client for Abacus-style namespaced
// counter services exposed over HTTP:
//
//   - One call per counter operation (hit, create, get, info, set, update, reset, delete)
//   - Bounded retries with exponential backoff and Retry-After awareness
//   - Rate limiting (token bucket) and circuit breaking, both optional
//   - Secret-aware diagnostic logging (admin credentials never reach logs)
//   - Middleware chain for cross-cutting concerns (auth, tracing, etc.)
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - One invocation is one stateless conversation with the remote service
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware & pluggable metrics
//
// Typical usage:
//
//	client := abakus.New(
//	    abakus.WithBaseURL("https://abacus.jasoncameron.dev"),
//	    abakus.WithMaxAttempts(5),
//	    abakus.WithAdminKey(os.Getenv("ABAKUS_ADMIN_KEY")),
//	)
//	result, err := client.Hit(ctx, "my-org", "deploy-count")
//
// Rate limited (429) and transient server (5xx) responses are retried with
// doubling backoff up to the attempt ceiling; every other status is final.
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) + enable debug flags selectively (WithDebug /
// WithDebugConfig) for insight without noise.
package abakus
