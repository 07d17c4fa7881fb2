package abakus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleeper captures the waits the retry engine schedules without
// actually sleeping.
type recordingSleeper struct {
	waits []time.Duration
	err   error
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func newTestClient(serverURL string, sleeper *recordingSleeper, options ...Option) *Client {
	base := []Option{
		WithBaseURL(serverURL),
		WithSleeper(sleeper.sleep),
	}
	return New(append(base, options...)...)
}

func TestHitSuccess(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		if r.URL.Path != "/hit/myns/mykey" {
			t.Errorf("Expected path /hit/myns/mykey, got %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		if accept := r.Header.Get("Accept"); accept != "application/json" {
			t.Errorf("Expected Accept application/json, got %q", accept)
		}
		fmt.Fprint(w, `{"value": 42}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	result, err := client.Hit(context.Background(), "myns", "mykey")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.Success {
		t.Error("Expected success result")
	}
	if v, ok := result.Int("value"); !ok || v != 42 {
		t.Errorf("Expected value 42, got %d (present=%v)", v, ok)
	}
	if got := atomic.LoadInt64(&requests); got != 1 {
		t.Errorf("Expected 1 request, got %d", got)
	}
	if len(sleeper.waits) != 0 {
		t.Errorf("Expected no waits, got %v", sleeper.waits)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&requests, 1)
		switch n {
		case 1:
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"value": 7}`)
		}
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	result, err := client.Get(context.Background(), "myns", "mykey")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if v, ok := result.Int("value"); !ok || v != 7 {
		t.Errorf("Expected value 7, got %d (present=%v)", v, ok)
	}
	if got := atomic.LoadInt64(&requests); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}

	// The first wait honors Retry-After exactly; the second falls back to
	// the backoff schedule, which has kept doubling in the background.
	expected := []time.Duration{2 * time.Second, 1 * time.Second}
	if len(sleeper.waits) != len(expected) {
		t.Fatalf("Expected %d waits, got %v", len(expected), sleeper.waits)
	}
	for i, want := range expected {
		if sleeper.waits[i] != want {
			t.Errorf("Wait %d: expected %v, got %v", i, want, sleeper.waits[i])
		}
	}
}

func TestServerErrorsExhaustAttempts(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		http.Error(w, `{"error": "service unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeServer {
		t.Errorf("Expected Server error type, got %s", clientErr.Type)
	}
	if clientErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", clientErr.StatusCode)
	}
	if clientErr.Attempt != 5 {
		t.Errorf("Expected attempt 5, got %d", clientErr.Attempt)
	}
	if got := atomic.LoadInt64(&requests); got != 5 {
		t.Errorf("Expected 5 attempts, got %d", got)
	}

	// Waits between the 5 attempts: 500ms doubling, never reaching the cap.
	expected := []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeper.waits) != len(expected) {
		t.Fatalf("Expected %d waits, got %v", len(expected), sleeper.waits)
	}
	for i, want := range expected {
		if sleeper.waits[i] != want {
			t.Errorf("Wait %d: expected %v, got %v", i, want, sleeper.waits[i])
		}
	}
}

func TestFinalRateLimitedResponseSurfaced(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "slow down"}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeRateLimit {
		t.Errorf("Expected RateLimit error type, got %s", clientErr.Type)
	}
	if clientErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", clientErr.StatusCode)
	}
	if clientErr.Message != "slow down" {
		t.Errorf("Expected error message from payload, got %q", clientErr.Message)
	}
	if got := atomic.LoadInt64(&requests); got != 5 {
		t.Errorf("Expected 5 attempts, got %d", got)
	}
	// No wait is scheduled after the final attempt.
	if len(sleeper.waits) != 4 {
		t.Errorf("Expected 4 waits, got %v", sleeper.waits)
	}
}

type failingTransport struct {
	calls int64
}

func (ft *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	atomic.AddInt64(&ft.calls, 1)
	return nil, errors.New("connection refused")
}

func TestTransportFailureStaysTransportFailure(t *testing.T) {
	transport := &failingTransport{}
	sleeper := &recordingSleeper{}
	client := New(
		WithBaseURL("http://counter.invalid"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithSleeper(sleeper.sleep),
	)

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeNetwork {
		t.Errorf("Expected Network error type, got %s", clientErr.Type)
	}
	if clientErr.StatusCode != 0 {
		t.Errorf("Expected no status code on transport failure, got %d", clientErr.StatusCode)
	}
	if clientErr.Unwrap() == nil {
		t.Error("Expected transport cause to be preserved")
	}
	if !strings.Contains(clientErr.Error(), "connection refused") {
		t.Errorf("Expected cause in error string, got %q", clientErr.Error())
	}
	if got := atomic.LoadInt64(&transport.calls); got != 5 {
		t.Errorf("Expected 5 transport attempts, got %d", got)
	}
	if !IsTransient(err) {
		t.Error("Expected transport failure to be transient")
	}
}

func TestMalformedRetryAfterIsFatal(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.Header().Set("Retry-After", "soon")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeProtocol {
		t.Errorf("Expected Protocol error type, got %s", clientErr.Type)
	}
	if !strings.Contains(clientErr.Message, `"soon"`) {
		t.Errorf("Expected offending header in message, got %q", clientErr.Message)
	}
	if got := atomic.LoadInt64(&requests); got != 1 {
		t.Errorf("Expected no retries after protocol violation, got %d attempts", got)
	}
	if IsTransient(err) {
		t.Error("Expected protocol error to be non-transient")
	}
}

func TestRetryAfterZeroMeansImmediateRetry(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"value": 1}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(sleeper.waits) != 1 || sleeper.waits[0] != 0 {
		t.Errorf("Expected single zero wait, got %v", sleeper.waits)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": "counter not found"}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	_, err := client.Get(context.Background(), "myns", "missing")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeAPI {
		t.Errorf("Expected API error type, got %s", clientErr.Type)
	}
	if clientErr.Message != "counter not found" {
		t.Errorf("Expected payload error message, got %q", clientErr.Message)
	}
	if got := atomic.LoadInt64(&requests); got != 1 {
		t.Errorf("Expected 1 attempt for 404, got %d", got)
	}
	if len(sleeper.waits) != 0 {
		t.Errorf("Expected no waits, got %v", sleeper.waits)
	}
}

func TestAdminOperationSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sekret" {
			t.Errorf("Expected Bearer sekret, got %q", auth)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if got := r.URL.Query().Get("value"); got != "10" {
			t.Errorf("Expected value=10 query, got %q", got)
		}
		fmt.Fprint(w, `{"value": 10}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper, WithAdminKey("sekret"))

	result, err := client.Set(context.Background(), "myns", "mykey", 10)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if v, ok := result.Int("value"); !ok || v != 10 {
		t.Errorf("Expected value 10, got %d (present=%v)", v, ok)
	}
}

func TestPerRequestAdminKeyOverridesClientKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer override" {
			t.Errorf("Expected Bearer override, got %q", auth)
		}
		fmt.Fprint(w, `{"value": 0}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper, WithAdminKey("default"))

	_, err := client.Execute(context.Background(), Request{
		Operation: OpReset,
		Namespace: "myns",
		Key:       "mykey",
		AdminKey:  "override",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
}

func TestCreateRoundTripMarksAdminKeySecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("initializer"); got != "5" {
			t.Errorf("Expected initializer=5 query, got %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"value": 5, "namespace": "myns", "key": "mykey", "admin_key": "abc123"}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	result, err := client.Create(context.Background(), "myns", "mykey", Int64(5))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	names := result.FieldNames()
	expected := []string{"admin_key", "key", "namespace", "value"}
	if len(names) != len(expected) {
		t.Fatalf("Expected fields %v, got %v", expected, names)
	}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("Field %d: expected %s, got %s", i, want, names[i])
		}
	}
	if !result.Fields["admin_key"].Secret {
		t.Error("Expected admin_key field to be marked secret")
	}
	if v, ok := result.Int("value"); !ok || v != 5 {
		t.Errorf("Expected value 5, got %d (present=%v)", v, ok)
	}

	// The returned credential is registered with the redactor, so any
	// diagnostic passing through it is scrubbed.
	formatted := client.Redactor().Format("the key is abc123, keep it safe")
	if strings.Contains(formatted, "abc123") {
		t.Errorf("Expected credential scrubbed from diagnostics, got %q", formatted)
	}
	if !strings.Contains(formatted, MaskToken) {
		t.Errorf("Expected mask token in diagnostics, got %q", formatted)
	}
}

func TestValidationRejectsBeforeNetwork(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		fmt.Fprint(w, `{"value": 1}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	tests := []struct {
		name string
		req  Request
	}{
		{"short namespace", Request{Operation: OpHit, Namespace: "ab", Key: "mykey"}},
		{"slash in key", Request{Operation: OpHit, Namespace: "myns", Key: "bad/key"}},
		{"unknown operation", Request{Operation: "increment", Namespace: "myns", Key: "mykey"}},
		{"admin op without credential", Request{Operation: OpDelete, Namespace: "myns", Key: "mykey"}},
		{"set without value", Request{Operation: OpSet, Namespace: "myns", Key: "mykey", AdminKey: "sekret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Execute(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				t.Fatalf("Expected ClientError, got %T", err)
			}
			if clientErr.Type != ErrorTypeValidation {
				t.Errorf("Expected Validation error type, got %s", clientErr.Type)
			}
		})
	}

	if got := atomic.LoadInt64(&requests); got != 0 {
		t.Errorf("Expected no network activity, got %d requests", got)
	}
}

func TestNonJSONSuccessBodyPreserved(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper)

	result, err := client.Hit(context.Background(), "myns", "mykey")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.Success {
		t.Error("Expected success despite unparseable body")
	}
	if text, ok := result.Str("error"); !ok || text != "OK" {
		t.Errorf("Expected raw body under error field, got %q (present=%v)", text, ok)
	}
	if result.Has("value") {
		t.Error("Expected no value field for non-JSON body")
	}
}

func TestWaitInterruptionSurfacesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{err: context.Canceled}
	client := newTestClient(server.URL, sleeper)

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeTimeout {
		t.Errorf("Expected Timeout error type, got %s", clientErr.Type)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected context.Canceled cause to unwrap")
	}
}

func TestLocalRateLimiterFailsFast(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		fmt.Fprint(w, `{"value": 1}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper, WithRateLimiter(1, time.Hour))

	if _, err := client.Hit(context.Background(), "myns", "mykey"); err != nil {
		t.Fatalf("Expected first request to pass, got %v", err)
	}

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected rate limit error, got nil")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	if got := atomic.LoadInt64(&requests); got != 1 {
		t.Errorf("Expected second request to be stopped locally, got %d requests", got)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper,
		WithMaxAttempts(1),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  time.Hour,
			SuccessThreshold: 1,
		}),
	)

	for i := 0; i < 2; i++ {
		if _, err := client.Hit(context.Background(), "myns", "mykey"); err == nil {
			t.Fatal("Expected server error, got nil")
		}
	}

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected circuit open error, got nil")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestMiddlewareChainOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": 1}`)
	}))
	defer server.Close()

	var order []string
	first := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		order = append(order, "first")
		return next.RoundTrip(req)
	}
	second := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		order = append(order, "second")
		return next.RoundTrip(req)
	}

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper, WithMiddleware(first, second))

	if _, err := client.Hit(context.Background(), "myns", "mykey"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected middleware order [first second], got %v", order)
	}
}

func TestInvalidConfigurationBlocksExecution(t *testing.T) {
	client := New(WithMaxAttempts(0))
	if client.IsValid() {
		t.Error("Expected invalid configuration")
	}

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected validation error, got nil")
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Type != ErrorTypeValidation {
		t.Errorf("Expected Validation error type, got %s", clientErr.Type)
	}
	if client.ValidationError() == nil {
		t.Error("Expected ValidationError to report the construction failure")
	}
}

func TestBackoffCapAtCeiling(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(server.URL, sleeper, WithMaxAttempts(7))

	_, err := client.Hit(context.Background(), "myns", "mykey")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	expected := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	if len(sleeper.waits) != len(expected) {
		t.Fatalf("Expected %d waits, got %v", len(expected), sleeper.waits)
	}
	for i, want := range expected {
		if sleeper.waits[i] != want {
			t.Errorf("Wait %d: expected %v, got %v", i, want, sleeper.waits[i])
		}
	}
}
