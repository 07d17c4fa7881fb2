package abakus

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
)

// Logger is the minimal structured logging interface the client emits
// diagnostics through. Key/value pairs follow the message.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger is a console logger for quick diagnostics. Prefer wiring a
// real logger via WithLogger in anything long-lived.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger creates a logger writing to stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		logger: log.New(os.Stderr, "abakus ", log.LstdFlags|log.Lmsgprefix),
	}
}

func (l *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.print("DEBUG", msg, keysAndValues)
}

func (l *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	l.print("INFO", msg, keysAndValues)
}

func (l *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.print("WARN", msg, keysAndValues)
}

func (l *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	l.print("ERROR", msg, keysAndValues)
}

func (l *SimpleLogger) print(level, msg string, keysAndValues []interface{}) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	l.logger.Print(b.String())
}

// DebugConfig selects which request lifecycle events are logged when a
// Logger is configured. All flags default to on once debugging is enabled.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogRateLimit bool
	LogResponses bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a config with all event classes enabled and
// a random short request ID generator. Debugging itself stays off until
// WithDebug flips Enabled.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogRateLimit: true,
		LogResponses: true,
		RequestIDGen: defaultRequestID,
	}
}

const requestIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func defaultRequestID() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = requestIDAlphabet[rand.Intn(len(requestIDAlphabet))]
	}
	return string(b)
}
