package abakus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/abakus/internal/backoff"
)

// Client is a resilient counter-service client that layers bounded
// retries, rate-limit awareness, optional circuit breaking and local rate
// limiting, middleware and metrics around the standard net/http Client.
// It is safe for concurrent use, though each invocation is one strictly
// sequential conversation with the remote service.
type Client struct {
	httpClient        *http.Client
	baseURL           string
	adminKey          string
	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	timeout           time.Duration
	backoffCalc       *backoff.Calculator
	circuitBreaker    *CircuitBreaker
	rateLimiter       *RateLimiter
	middleware        []Middleware
	metrics           *MetricsCollector
	debug             *DebugConfig
	logger            Logger
	redactor          *Redactor
	sleep             SleepFunc
	validationError   error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for
// errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:           DefaultBaseURL,
		maxAttempts:       5,
		initialBackoff:    500 * time.Millisecond,
		maxBackoff:        8 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0,
		timeout:           30 * time.Second,
		backoffCalc:       backoff.NewExponentialCalculator(),
		circuitBreaker:    nil,
		rateLimiter:       nil,
		middleware:        []Middleware{},
		metrics:           nil,
		debug:             DefaultDebugConfig(),
		logger:            nil,
		redactor:          NewRedactor(),
		sleep:             sleepContext,
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Hit increments the counter and returns its new value.
func (c *Client) Hit(ctx context.Context, namespace, key string) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpHit, Namespace: namespace, Key: key})
}

// Create registers a new counter, optionally seeded with an initializer.
// The returned admin_key is surfaced exactly once; persist it externally.
func (c *Client) Create(ctx context.Context, namespace, key string, initializer *int64) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpCreate, Namespace: namespace, Key: key, Initializer: initializer})
}

// Get reads the counter value without incrementing it.
func (c *Client) Get(ctx context.Context, namespace, key string) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpGet, Namespace: namespace, Key: key})
}

// Info reports counter metadata (existence, expiry, genuineness).
func (c *Client) Info(ctx context.Context, namespace, key string) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpInfo, Namespace: namespace, Key: key})
}

// Set overwrites the counter value. Requires the admin credential.
func (c *Client) Set(ctx context.Context, namespace, key string, value int64) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpSet, Namespace: namespace, Key: key, Value: &value})
}

// Update adjusts the counter by a signed delta. Requires the admin
// credential.
func (c *Client) Update(ctx context.Context, namespace, key string, value int64) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpUpdate, Namespace: namespace, Key: key, Value: &value})
}

// Reset sets the counter back to zero. Requires the admin credential.
func (c *Client) Reset(ctx context.Context, namespace, key string) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpReset, Namespace: namespace, Key: key})
}

// Delete removes the counter. Requires the admin credential.
func (c *Client) Delete(ctx context.Context, namespace, key string) (*Result, error) {
	return c.Execute(ctx, Request{Operation: OpDelete, Namespace: namespace, Key: key})
}

// Execute performs one counter operation end to end: validation, URL
// construction, the retrying HTTP exchange and response interpretation.
// It either returns a Result for a 2xx response or an error; there is no
// partial-success state.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.validationError != nil {
		return nil, c.validationError
	}
	if err := c.validateRequest(&req); err != nil {
		return nil, err
	}

	adminKey := req.AdminKey
	if adminKey == "" {
		adminKey = c.adminKey
	}
	// Mark the credential before anything can log; the classification is
	// one-way for the lifetime of the redactor.
	if adminKey != "" {
		c.redactor.AddSecret(adminKey)
	}

	op := req.Operation
	method := op.Method()
	requestURL := buildURL(c.baseURL, op, req.Namespace, req.Key, req.Initializer, req.Value)

	if c.metrics != nil {
		c.metrics.RecordRequestStart(string(op))
	}

	resp, err := c.doWithRetry(ctx, op, method, requestURL, adminKey, requestID)

	if c.metrics != nil {
		c.metrics.RecordRequestEnd(string(op))
	}

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.statusCode
	}
	if c.metrics != nil {
		c.metrics.RecordRequest(string(op), statusCode, duration)
	}

	if err != nil {
		return nil, err
	}

	result := interpretResponse(op, resp.statusCode, resp.body)
	if field, ok := result.Fields["admin_key"]; ok && field.Secret {
		c.redactor.AddSecret(field.Str)
	}

	if !result.Success {
		errType := ErrorTypeAPI
		switch {
		case resp.statusCode == http.StatusTooManyRequests:
			errType = ErrorTypeRateLimit
		case resp.statusCode >= 500:
			errType = ErrorTypeServer
		}
		return nil, c.newError(errType, errorMessage(op, resp.statusCode, parsePayload(resp.body)),
			nil, requestID, op, method, requestURL, resp.attempt, resp.statusCode, time.Since(start))
	}

	return result, nil
}

// rawResponse is the fully drained final response of the retry loop.
type rawResponse struct {
	statusCode int
	header     http.Header
	body       []byte
	attempt    int
}

// doWithRetry drives the attempt/wait state machine: at most maxAttempts
// strictly sequential attempts, doubling backoff between retries, with
// Retry-After overriding the wait on 429. Only rate-limited responses,
// 5xx responses and transport failures are retried; everything else is
// final.
func (c *Client) doWithRetry(ctx context.Context, op Operation, method, requestURL, adminKey, requestID string) (*rawResponse, error) {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
			c.logger.Warn("Local rate limit exceeded", "requestID", requestID, "operation", op)
		}
		if c.metrics != nil {
			c.metrics.RecordError(ErrorTypeRateLimit, string(op))
		}
		return nil, c.newError(ErrorTypeRateLimit, "rate limit exceeded", ErrRateLimited,
			requestID, op, method, requestURL, 0, 0, 0)
	}

	if c.rateLimiter != nil && c.metrics != nil {
		c.metrics.RecordRateLimiterTokens("default", c.rateLimiter.Tokens())
	}

	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		if c.debug != nil && c.debug.Enabled && c.logger != nil {
			c.logger.Warn("Circuit breaker open", "requestID", requestID, "operation", op)
		}
		if c.metrics != nil {
			c.metrics.RecordError(ErrorTypeCircuitOpen, string(op))
		}
		return nil, c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen,
			requestID, op, method, requestURL, 0, 0, 0)
	}

	for attempt := 1; ; attempt++ {
		if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
			// Method, URL and attempt index only. Headers may carry
			// credentials and are never logged.
			c.logger.Debug("Sending request",
				"requestID", requestID, "operation", op, "method", method, "url", requestURL, "attempt", attempt)
		}
		if attempt > 1 && c.metrics != nil {
			c.metrics.RecordRetry(string(op), attempt)
		}

		resp, err := c.attempt(ctx, method, requestURL, adminKey)

		if c.circuitBreaker != nil {
			if err != nil || resp.statusCode >= 500 {
				c.circuitBreaker.RecordFailure()
			} else {
				c.circuitBreaker.RecordSuccess()
			}
			if c.metrics != nil {
				c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())
			}
		}

		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordError(ErrorTypeNetwork, string(op))
			}
			if attempt >= c.maxAttempts {
				// Transport failures stay transport failures; they are
				// never dressed up as HTTP-status errors.
				return nil, c.newError(ErrorTypeNetwork,
					fmt.Sprintf("request failed after %d attempts", attempt),
					err, requestID, op, method, requestURL, attempt, 0, 0)
			}
			if waitErr := c.waitBeforeRetry(ctx, c.backoffFor(attempt), attempt, op, requestID); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		resp.attempt = attempt
		c.logRateLimitHeaders(resp.header, requestID)

		switch {
		case resp.statusCode == http.StatusTooManyRequests:
			if c.metrics != nil {
				c.metrics.RecordRateLimited(string(op))
			}
			if attempt >= c.maxAttempts {
				return resp, nil
			}
			c.logDiscardedBody(resp, requestID)
			wait := c.backoffFor(attempt)
			if header := resp.header.Get("Retry-After"); header != "" {
				seconds, parseErr := strconv.Atoi(strings.TrimSpace(header))
				if parseErr != nil || seconds < 0 {
					return nil, c.newError(ErrorTypeProtocol,
						fmt.Sprintf("malformed Retry-After header %q", header),
						parseErr, requestID, op, method, requestURL, attempt, resp.statusCode, 0)
				}
				wait = time.Duration(seconds) * time.Second
			}
			if waitErr := c.waitBeforeRetry(ctx, wait, attempt, op, requestID); waitErr != nil {
				return nil, waitErr
			}

		case resp.statusCode >= 500:
			if c.metrics != nil {
				c.metrics.RecordError(ErrorTypeServer, string(op))
			}
			if attempt >= c.maxAttempts {
				return resp, nil
			}
			c.logDiscardedBody(resp, requestID)
			if waitErr := c.waitBeforeRetry(ctx, c.backoffFor(attempt), attempt, op, requestID); waitErr != nil {
				return nil, waitErr
			}

		default:
			return resp, nil
		}
	}
}

// attempt performs a single HTTP exchange and drains the body so the
// response can be inspected and logged repeatedly.
func (c *Client) attempt(ctx context.Context, method, requestURL, adminKey string) (*rawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if adminKey != "" {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}

	resp, err := c.executeMiddleware(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &rawResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header.Clone(),
		body:       body,
	}, nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// backoffFor returns the wait preceding the retry that follows the given
// attempt: 500ms after the first, doubling per retry, capped at 8s (with
// default options).
func (c *Client) backoffFor(attempt int) time.Duration {
	return c.backoffCalc.Calculate(attempt-1, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter)
}

func (c *Client) waitBeforeRetry(ctx context.Context, wait time.Duration, attempt int, op Operation, requestID string) error {
	if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
		c.logger.Info("Scheduling retry",
			"requestID", requestID, "operation", op, "attempt", attempt+1, "maxAttempts", c.maxAttempts, "wait", wait)
	}
	if err := c.sleep(ctx, wait); err != nil {
		return &ClientError{
			Type:      ErrorTypeTimeout,
			Message:   "wait between attempts interrupted",
			Cause:     err,
			RequestID: requestID,
			Operation: op,
			Attempt:   attempt,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// rateLimitHeaders are advisory throttling headers logged for operational
// visibility when present.
var rateLimitHeaders = []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"}

func (c *Client) logRateLimitHeaders(header http.Header, requestID string) {
	if c.debug == nil || !c.debug.Enabled || !c.debug.LogRateLimit || c.logger == nil {
		return
	}
	keysAndValues := []interface{}{"requestID", requestID}
	for _, name := range rateLimitHeaders {
		if v := header.Get(name); v != "" {
			keysAndValues = append(keysAndValues, name, v)
		}
	}
	if len(keysAndValues) > 2 {
		c.logger.Debug("Rate limit status", keysAndValues...)
	}
}

// logDiscardedBody logs (redacted, truncated) the body of a response that
// will be retried away; such bodies never become the final result.
func (c *Client) logDiscardedBody(resp *rawResponse, requestID string) {
	if c.debug == nil || !c.debug.Enabled || !c.debug.LogResponses || c.logger == nil {
		return
	}
	var rendered string
	if payload := parsePayload(resp.body); len(payload) > 0 {
		rendered = c.redactor.Format(payload)
	} else {
		rendered = c.redactor.Format(string(resp.body))
	}
	c.logger.Debug("Discarding retryable response",
		"requestID", requestID, "status", resp.statusCode, "body", rendered)
}

// validateRequest enforces every precondition that must hold before any
// network activity: known operation, well-formed identifiers, a credential
// for admin operations and a value for set/update.
func (c *Client) validateRequest(req *Request) error {
	if !req.Operation.Valid() {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("unknown operation %q", string(req.Operation)),
		}
	}
	if err := ValidateIdentifier("namespace", req.Namespace); err != nil {
		return err
	}
	if err := ValidateIdentifier("key", req.Key); err != nil {
		return err
	}
	if req.Operation.Admin() && req.AdminKey == "" && c.adminKey == "" {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   fmt.Sprintf("operation %s requires an admin key", req.Operation),
			Operation: req.Operation,
		}
	}
	if (req.Operation == OpSet || req.Operation == OpUpdate) && req.Value == nil {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   fmt.Sprintf("operation %s requires a value", req.Operation),
			Operation: req.Operation,
		}
	}
	return nil
}

func (c *Client) newError(errType, message string, cause error, requestID string, op Operation, method, requestURL string, attempt, statusCode int, duration time.Duration) *ClientError {
	return &ClientError{
		Type:        errType,
		Message:     message,
		Cause:       cause,
		RequestID:   requestID,
		Operation:   op,
		Method:      method,
		URL:         requestURL,
		Attempt:     attempt,
		MaxAttempts: c.maxAttempts,
		StatusCode:  statusCode,
		Timestamp:   time.Now(),
		Duration:    duration,
	}
}

// Redactor exposes the client's redactor so embedding applications can
// route their own diagnostics through the same secret handling.
func (c *Client) Redactor() *Redactor {
	return c.redactor
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// sleepContext blocks for d or until the context is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
