// Package fetcher runs the external data tool (btcli by default) and turns
// its exit status and output into Go values.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rshade/netuidfetch/internal/config"
	"github.com/rshade/netuidfetch/internal/logging"
)

// processWaitDelay bounds how long Wait blocks on I/O after the process is killed.
const processWaitDelay = 500 * time.Millisecond

var (
	// ErrToolNotFound is returned when the tool binary cannot be resolved.
	ErrToolNotFound = errors.New("tool not found")
	// ErrTimeout is returned when an invocation outlives its deadline.
	ErrTimeout = errors.New("tool invocation timed out")
	// ErrEmptyPayload is returned when the tool succeeds but prints nothing useful.
	ErrEmptyPayload = errors.New("empty response")
)

// ExitError reports a non-zero exit status from the tool.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Result is the captured output of one invocation.
type Result struct {
	Netuid   int
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// Runner fetches the raw payload for one netuid.
type Runner interface {
	Fetch(ctx context.Context, netuid int) (Result, error)
}

// CommandRunner runs the tool as a child process.
type CommandRunner struct {
	Command     string
	FetchArgs   []string
	ListArgs    []string
	VersionArgs []string
	// Env is appended to the parent environment.
	Env []string
}

// NewCommandRunner builds a CommandRunner from the tool section of the config.
func NewCommandRunner(cfg config.ToolConfig) *CommandRunner {
	return &CommandRunner{
		Command:     cfg.Command,
		FetchArgs:   cfg.FetchArgs,
		ListArgs:    cfg.ListArgs,
		VersionArgs: cfg.VersionArgs,
		Env:         cfg.Env,
	}
}

// BuildArgs substitutes netuid into the argument template. When the template
// has no placeholder the netuid is appended as the last argument.
func BuildArgs(template []string, netuid int) []string {
	id := strconv.Itoa(netuid)
	args := make([]string, 0, len(template)+1)
	substituted := false
	for _, a := range template {
		if strings.Contains(a, config.NetuidPlaceholder) {
			a = strings.ReplaceAll(a, config.NetuidPlaceholder, id)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, id)
	}
	return args
}

// Fetch runs the fetch command for netuid. The returned Result carries
// whatever the tool printed even when err is non-nil.
func (r *CommandRunner) Fetch(ctx context.Context, netuid int) (Result, error) {
	started := time.Now()
	stdout, stderr, err := r.run(ctx, BuildArgs(r.FetchArgs, netuid))
	res := Result{
		Netuid:   netuid,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(started),
	}
	if err != nil {
		return res, err
	}
	if IsEmptyPayload(stdout) {
		return res, ErrEmptyPayload
	}
	return res, nil
}

func (r *CommandRunner) run(ctx context.Context, args []string) ([]byte, string, error) {
	log := logging.ComponentLogger(*logging.FromContext(ctx), "fetcher")
	log.Debug().
		Ctx(ctx).
		Str("command", r.Command).
		Strs("args", args).
		Msg("starting tool process")

	//nolint:gosec // The command comes from operator configuration.
	cmd := exec.CommandContext(ctx, r.Command, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Set WaitDelay before Start to avoid a race with the context watcher.
	cmd.WaitDelay = processWaitDelay

	err := cmd.Run()
	errText := strings.TrimSpace(stderr.String())
	if err == nil {
		return stdout.Bytes(), errText, nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil, errText, fmt.Errorf("%w: %s", ErrToolNotFound, r.Command)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return stdout.Bytes(), errText, ErrTimeout
		}
		return stdout.Bytes(), errText, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), errText, &ExitError{Code: exitErr.ExitCode(), Stderr: errText}
	}
	return stdout.Bytes(), errText, fmt.Errorf("running %s: %w", r.Command, err)
}
