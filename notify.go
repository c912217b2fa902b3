package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// The three notifier failure kinds are kept distinguishable because their
// retry policies differ: a timeout is safe to retry (record requests are
// idempotent), a missing executable is an operator error and is not.
var (
	errNotifyTimeout  = errors.New("notify command timed out")
	errNotifyNotFound = errors.New("notify command not found")
)

type notifyExitError struct {
	Code   int
	Output string
}

func (e *notifyExitError) Error() string {
	return fmt.Sprintf("notify command exited with status %d: %s", e.Code, e.Output)
}

// notifier signals the DNS authority out-of-band by executing the notify
// binary. Success and failure are judged by exit status alone; command
// output is captured for diagnostics but never inspected for content.
type notifier struct {
	command string
	timeout time.Duration
}

func (n *notifier) send(ctx context.Context, kind string, payload map[string]string) error {
	args := []string{"notify", kind}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s='%s'", k, payload[k]))
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, n.command, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after %s", errNotifyTimeout, n.timeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s", errNotifyNotFound, n.command)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &notifyExitError{Code: exitErr.ExitCode(), Output: strings.TrimSpace(string(out))}
	}
	return fmt.Errorf("notify command failed: %w", err)
}

// deliverNotice hands a notice to the authority. With no notify command
// configured the notice is dispatched in-process through the bridge, which
// is the single-deployment mode and the mode the tests run in.
func (s *server) deliverNotice(ctx context.Context, kind string, payload map[string]string) error {
	if s.cfg.NotifyCommand == "" {
		return s.dispatchNotice(kind, payload)
	}
	return s.notify.send(ctx, kind, payload)
}
