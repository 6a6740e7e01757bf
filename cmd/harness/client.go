package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"harness/daemon"
	"harness/harnesserr"
)

// callTimeout bounds every CLI-to-daemon round trip; exceeding it is a
// timeout (exit 5), not a generic failure.
const callTimeout = 10 * time.Second

// unreachableErr marks a failure to establish the daemon connection at all
// (exit 4), distinct from a connected call that returned an error (exit 3).
type unreachableErr struct{ cause error }

func (e unreachableErr) Error() string { return "daemon unreachable: " + e.cause.Error() }
func (e unreachableErr) Unwrap() error { return e.cause }

func dial() (*daemon.Client, error) {
	endpoint := os.Getenv("HARNESS_ENDPOINT")
	if endpoint == "" {
		endpoint = "127.0.0.1:4777"
	}
	c, err := daemon.Dial(endpoint, os.Getenv("HARNESS_INSECURE_SKIP_VERIFY") == "1")
	if err != nil {
		return nil, unreachableErr{cause: err}
	}
	return c, nil
}

// call dials, invokes action with params, and closes the connection —
// every CLI invocation is a single short-lived request, never a
// long-running session.
func call(action string, params any, out any) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	data, err := c.Call(ctx, action, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return decodeInto(data, out)
}

func decodeInto(data json.RawMessage, out any) error {
	return json.Unmarshal(data, out)
}

func exitCodeFor(err error) int {
	var u unreachableErr
	if errors.As(err, &u) {
		return exitUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return exitTimeout
	}
	if herr, ok := err.(*harnesserr.Error); ok {
		switch herr.Kind {
		case harnesserr.StartupTimeout, harnesserr.ShutdownTimeout:
			return exitTimeout
		}
	}
	return exitOperationFail
}
