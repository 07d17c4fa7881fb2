// Command abakus is a small CLI for the Abacus counter service. It wraps
// the client library one invocation at a time: parse flags, run a single
// operation, print the result and exit.
//
// Usage:
//
//	abakus [flags] <operation> <namespace> <key>
//
// Operations: hit, create, get, info, set, update, reset, delete.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/kelseyhightower/envconfig"

	"github.com/ambiyansyah-risyal/abakus"
)

// config carries the settings read from ABAKUS_* environment variables.
// Flags override these where both are given.
type config struct {
	BaseURL  string        `envconfig:"BASE_URL"`
	AdminKey string        `envconfig:"ADMIN_KEY"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

// charmLogger adapts charmbracelet/log to the client's Logger interface.
type charmLogger struct {
	l *charmlog.Logger
}

func (c *charmLogger) Debug(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c *charmLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Info(msg, keysAndValues...)
}

func (c *charmLogger) Warn(msg string, keysAndValues ...interface{}) {
	c.l.Warn(msg, keysAndValues...)
}

func (c *charmLogger) Error(msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, keysAndValues...)
}

func main() {
	var (
		initializer = flag.String("initializer", "", "initial value for create")
		value       = flag.String("value", "", "value for set, delta for update")
		adminKey    = flag.String("admin-key", "", "admin credential (overrides ABAKUS_ADMIN_KEY)")
		jsonOut     = flag.Bool("json", false, "print the result as JSON")
		verbose     = flag.Bool("verbose", false, "log the request lifecycle to stderr")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(abakus.GetVersionInfo())
		return
	}

	if flag.NArg() != 3 {
		usage()
		os.Exit(1)
	}

	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "abakus",
	})
	if *verbose {
		logger.SetLevel(charmlog.DebugLevel)
	}

	if err := run(flag.Args(), *initializer, *value, *adminKey, *jsonOut, *verbose, logger); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(args []string, initializer, value, adminKey string, jsonOut, verbose bool, logger *charmlog.Logger) error {
	var cfg config
	if err := envconfig.Process("abakus", &cfg); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if adminKey == "" {
		adminKey = cfg.AdminKey
	}

	op, err := abakus.ParseOperation(args[0])
	if err != nil {
		return err
	}

	req := abakus.Request{
		Operation: op,
		Namespace: args[1],
		Key:       args[2],
		AdminKey:  adminKey,
	}
	if req.Initializer, err = parseOptionalInt("initializer", initializer); err != nil {
		return err
	}
	if req.Value, err = parseOptionalInt("value", value); err != nil {
		return err
	}

	options := []abakus.Option{
		abakus.WithTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		options = append(options, abakus.WithBaseURL(cfg.BaseURL))
	}
	if verbose {
		options = append(options, abakus.WithDebug(), abakus.WithLogger(&charmLogger{l: logger}))
	}

	client := abakus.New(options...)
	if err := client.ValidationError(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := client.Execute(ctx, req)
	if err != nil {
		return err
	}

	return printResult(result, jsonOut)
}

func parseOptionalInt(name, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s %q: must be an integer", name, raw)
	}
	return &v, nil
}

// printResult writes the interpreted fields to stdout. Secret fields are
// printed in the clear here on purpose: create surfaces the admin key
// exactly once and the operator must be able to capture it. Diagnostics
// on stderr stay redacted.
func printResult(result *abakus.Result, jsonOut bool) error {
	if jsonOut {
		payload := make(map[string]interface{}, len(result.Fields))
		for _, name := range result.FieldNames() {
			field := result.Fields[name]
			switch field.Kind {
			case abakus.FieldInt:
				payload[name] = field.Int
			case abakus.FieldBool:
				payload[name] = field.Bool
			default:
				payload[name] = field.Str
			}
		}
		encoder := json.NewEncoder(os.Stdout)
		return encoder.Encode(payload)
	}

	for _, name := range result.FieldNames() {
		fmt.Printf("%s=%s\n", name, result.Fields[name].String())
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: abakus [flags] <operation> <namespace> <key>

Operations:
  hit      increment the counter and print its new value
  create   register a new counter (prints the admin key exactly once)
  get      read the counter without incrementing
  info     print counter metadata
  set      overwrite the counter value (-value required, admin)
  update   adjust the counter by a delta (-value required, admin)
  reset    set the counter back to zero (admin)
  delete   remove the counter (admin)

Environment:
  ABAKUS_BASE_URL    counter service origin (default %s)
  ABAKUS_ADMIN_KEY   admin credential for set/update/reset/delete
  ABAKUS_TIMEOUT     per-request HTTP timeout (default 30s)

Flags:
`, abakus.DefaultBaseURL)
	flag.PrintDefaults()
}
