package gov4git

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skridlevsky/govdesk/internal/metrics"
	"github.com/skridlevsky/govdesk/internal/retry"
)

// ErrMalformedOutput is returned when stdout is neither empty nor a valid
// status envelope.
var ErrMalformedOutput = errors.New("malformed gov4git output")

// CommandError is a {"status":"error"} envelope.
type CommandError struct {
	Command string
	Message string
	Details json.RawMessage
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gov4git %s failed", e.Command)
	}
	return e.Message
}

type envelope struct {
	Status   string          `json:"status"`
	Returned json.RawMessage `json:"returned"`
	Msg      string          `json:"msg"`
	Error    json.RawMessage `json:"error"`
}

// Client invokes gov4git against one config file. Identical concurrent
// invocations share a single process.
type Client struct {
	runner     Runner
	configPath string
	verbose    bool
	policy     retry.Policy
	group      singleflight.Group
}

// NewClient creates a client bound to configPath.
func NewClient(runner Runner, configPath string, verbose bool) *Client {
	return &Client{
		runner:     runner,
		configPath: configPath,
		verbose:    verbose,
		policy:     retry.Default,
	}
}

// ConfigPath returns the config file passed on every invocation.
func (c *Client) ConfigPath() string {
	return c.configPath
}

// argv appends the flags every invocation carries.
func (c *Client) argv(args []string) []string {
	full := make([]string, 0, len(args)+3)
	full = append(full, args...)
	if c.configPath != "" {
		full = append(full, "--config", c.configPath)
	}
	if c.verbose {
		full = append(full, "-v")
	}
	return full
}

// Invoke runs gov4git with args and returns the raw "returned" payload.
// An empty stdout yields a nil payload and no error.
func (c *Client) Invoke(ctx context.Context, args ...string) (json.RawMessage, error) {
	full := c.argv(args)
	key := strings.Join(full, "\x00")

	// Started invocations run to completion even if the first caller leaves.
	runCtx := context.WithoutCancel(ctx)
	v, err, shared := c.group.Do(key, func() (any, error) {
		return retry.Do(runCtx, c.policy, classify, func() (json.RawMessage, error) {
			return c.runOnce(runCtx, full)
		})
	})
	if shared {
		slog.Debug("gov4git invocation shared", "command", commandName(args))
	}
	if err != nil {
		var permErr *retry.PermanentError
		if errors.As(err, &permErr) {
			return nil, permErr.Err
		}
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

func (c *Client) runOnce(ctx context.Context, full []string) (json.RawMessage, error) {
	command := commandName(full)
	start := time.Now()
	slog.Debug("Running gov4git", "args", redact(full))

	stdout, runErr := c.runner.Run(ctx, full...)
	metrics.CLIDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())

	raw, err := decode(command, stdout, runErr)
	status := "success"
	if err != nil {
		status = "error"
		slog.Warn("gov4git invocation failed", "command", command, "error", err)
	}
	metrics.CLIInvocationsTotal.WithLabelValues(command, status).Inc()
	return raw, err
}

// decode interprets stdout. A parseable envelope wins over the process exit
// status, since gov4git reports domain errors both ways.
func decode(command string, stdout []byte, runErr error) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		if runErr != nil {
			return nil, runErr
		}
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		if runErr != nil {
			return nil, runErr
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	switch env.Status {
	case "success":
		return env.Returned, nil
	case "error":
		return nil, &CommandError{Command: command, Message: env.Msg, Details: env.Error}
	default:
		if runErr != nil {
			return nil, runErr
		}
		return nil, fmt.Errorf("%w: unexpected status %q", ErrMalformedOutput, env.Status)
	}
}

func classify(err error) retry.Action {
	switch {
	case errors.Is(err, ErrMalformedOutput),
		errors.Is(err, ErrBinaryNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	}
	return retry.Retry
}

// call invokes gov4git and decodes the payload into T.
func call[T any](ctx context.Context, c *Client, args ...string) (T, error) {
	var out T
	raw, err := c.Invoke(ctx, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s result: %v", ErrMalformedOutput, commandName(args), err)
	}
	return out, nil
}

// commandName is the subcommand path, e.g. "ballot vote".
func commandName(args []string) string {
	var parts []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") || len(parts) == 2 {
			break
		}
		parts = append(parts, a)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, " ")
}

// redact hides secret flag values before logging.
func redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--token" {
			out[i+1] = "***"
		}
	}
	return out
}
