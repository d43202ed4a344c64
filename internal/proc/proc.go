// Package proc supervises external tool invocations: per-stage log
// capture, bounded retry, per-attempt timeouts, cooperative stop, and
// process-group cleanup. Every engine and geospatial tool call in the
// pipeline goes through Run or RunWatched.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds a single attempt when no timeout is given.
	DefaultTimeout = 2 * time.Hour

	// stopPollInterval bounds the latency between a stop request and the
	// process-group kill.
	stopPollInterval = 500 * time.Millisecond

	// killGracePeriod is how long SIGTERM gets before SIGKILL.
	killGracePeriod = 5 * time.Second

	logDirName = "logs"

	// libraryPathEnv always receives extraLibraryPath so engine shared
	// libraries resolve regardless of the invoking shell.
	libraryPathEnv   = "LD_LIBRARY_PATH"
	extraLibraryPath = "/usr/local/lib"

	maxLineBytes = 1024 * 1024
	tailLineCap  = 20
)

// Options describes one supervised command.
type Options struct {
	// Args is the full argv; Args[0] is the binary.
	Args []string

	// Workspace is the project root. The per-stage log is written to
	// Workspace/logs/<Stage>.log.
	Workspace string

	// Stage names the pipeline stage for logs and errors.
	Stage string

	// Dir is the working directory. Empty runs in Workspace.
	Dir string

	// Env holds extra KEY=VALUE entries appended to the inherited
	// environment.
	Env []string

	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first.
	Retries int

	// Stop is polled while the command runs; reporting true kills the
	// process group and aborts without retry.
	Stop func() bool

	// OnLine receives every output line as it is read.
	OnLine func(line string)

	Logger *slog.Logger
}

// attemptResult classifies one attempt for the retry loop.
type attemptResult struct {
	err       error
	detail    string
	retryable bool
}

// attemptFlags records why an attempt's process was killed.
type attemptFlags struct {
	stopped  atomic.Bool
	timedOut atomic.Bool
	canceled atomic.Bool
}

// Run executes the command, retrying the whole invocation on non-zero
// exit or timeout up to Retries additional times. Output is streamed
// line-by-line into the stage log and the OnLine callback. On stop or
// context cancellation the command is killed and the error returned
// without retry; exhausting retries returns an *ExecutionError.
func Run(ctx context.Context, opts Options) error {
	if len(opts.Args) == 0 {
		return errors.New("proc: empty command")
	}

	if opts.Workspace == "" {
		return errors.New("proc: workspace not set")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	maxAttempts := max(1, opts.Retries+1)

	logsDir := filepath.Join(opts.Workspace, logDirName)

	err := os.MkdirAll(logsDir, 0o755)
	if err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	logPath := filepath.Join(logsDir, opts.Stage+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open stage log: %w", err)
	}
	defer logFile.Close()

	tail := &tailBuffer{}

	var last attemptResult

	for attempt := range maxAttempts {
		tail.reset()

		last = runAttempt(ctx, opts, attempt, timeout, logFile, tail)
		if last.err == nil {
			return nil
		}

		if !last.retryable {
			return last.err
		}

		logger.Warn("stage attempt failed",
			slog.String("stage", opts.Stage),
			slog.Int("attempt", attempt),
			slog.String("detail", last.detail),
		)
	}

	return &ExecutionError{
		Stage:    opts.Stage,
		Detail:   last.detail,
		Tail:     tail.snapshot(),
		Attempts: maxAttempts,
		Err:      last.err,
	}
}

// runAttempt executes one attempt. The calling goroutine drains the
// combined output pipe; an auxiliary watcher goroutine enforces the
// timeout, the stop flag, and context cancellation by killing the
// process group. Both the pipe and the watcher are settled before the
// attempt returns, so no process or handle outlives it.
func runAttempt(
	ctx context.Context,
	opts Options,
	attempt int,
	timeout time.Duration,
	logFile *os.File,
	tail *tailBuffer,
) attemptResult {
	fmt.Fprintf(logFile, "\n--- Attempt %d ---\n", attempt)

	cmd := exec.Command(opts.Args[0], opts.Args[1:]...)

	cmd.Dir = opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = opts.Workspace
	}

	cmd.Env = buildEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return attemptResult{err: fmt.Errorf("stdout pipe: %w", err), detail: "pipe setup failed", retryable: true}
	}

	cmd.Stderr = cmd.Stdout

	start := time.Now()

	err = cmd.Start()
	if err != nil {
		detail := fmt.Sprintf("start failed: %v", err)
		fmt.Fprintf(logFile, "%s\n", detail)

		return attemptResult{err: fmt.Errorf("start %s: %w", opts.Args[0], err), detail: detail, retryable: true}
	}

	flags := &attemptFlags{}
	exited := make(chan struct{})
	watcherDone := make(chan struct{})

	go watchAttempt(ctx, opts.Stop, cmd.Process.Pid, timeout, flags, exited, watcherDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()

		fmt.Fprintln(logFile, line)
		tail.add(line)

		if opts.OnLine != nil {
			opts.OnLine(line)
		}
	}

	waitErr := cmd.Wait()
	close(exited)
	<-watcherDone

	duration := time.Since(start)

	switch {
	case flags.stopped.Load():
		return attemptResult{
			err:       fmt.Errorf("%s: %w", opts.Stage, ErrStopped),
			detail:    "stopped by request",
			retryable: false,
		}
	case flags.canceled.Load():
		return attemptResult{
			err:       fmt.Errorf("%s: %w", opts.Stage, ctx.Err()),
			detail:    "context canceled",
			retryable: false,
		}
	case flags.timedOut.Load():
		fmt.Fprintf(logFile, "--- Attempt %d: TIMEOUT (>%.0fs) ---\n", attempt, timeout.Seconds())

		return attemptResult{
			err:       fmt.Errorf("%s: attempt timed out after %s", opts.Stage, timeout),
			detail:    fmt.Sprintf("timed out after %s", timeout),
			retryable: true,
		}
	case waitErr != nil:
		detail := exitDetail(waitErr)
		fmt.Fprintf(logFile, "%s (after %.1fs)\n", detail, duration.Seconds())

		return attemptResult{
			err:       fmt.Errorf("%s: %w", opts.Stage, waitErr),
			detail:    detail,
			retryable: true,
		}
	default:
		return attemptResult{}
	}
}

// watchAttempt kills the process group on timeout, stop request, or
// context cancellation, recording which condition fired.
func watchAttempt(
	ctx context.Context,
	stop func() bool,
	pid int,
	timeout time.Duration,
	flags *attemptFlags,
	exited <-chan struct{},
	done chan<- struct{},
) {
	defer close(done)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var tick <-chan time.Time

	if stop != nil {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-exited:
			return
		case <-ctx.Done():
			flags.canceled.Store(true)
			killProcessGroup(pid, exited)

			return
		case <-timer.C:
			flags.timedOut.Store(true)
			killProcessGroup(pid, exited)

			return
		case <-tick:
			if stop() {
				flags.stopped.Store(true)
				killProcessGroup(pid, exited)

				return
			}
		}
	}
}

// killProcessGroup terminates the whole group so tool children die with
// their parent. SIGTERM first, then SIGKILL after the grace period.
func killProcessGroup(pid int, exited <-chan struct{}) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(killGracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// buildEnv extends the inherited environment with the library search
// path and any caller-provided entries.
func buildEnv(extra []string) []string {
	env := os.Environ()
	found := false

	for i, kv := range env {
		after, ok := strings.CutPrefix(kv, libraryPathEnv+"=")
		if !ok {
			continue
		}

		found = true

		if !containsPathEntry(after, extraLibraryPath) {
			env[i] = kv + ":" + extraLibraryPath
		}

		break
	}

	if !found {
		env = append(env, libraryPathEnv+"="+extraLibraryPath)
	}

	return append(env, extra...)
}

func containsPathEntry(list, entry string) bool {
	for part := range strings.SplitSeq(list, ":") {
		if part == entry {
			return true
		}
	}

	return false
}

func exitDetail(waitErr error) string {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}

	return waitErr.Error()
}

// tailBuffer keeps the last lines of output for error reporting.
type tailBuffer struct {
	lines []string
}

func (t *tailBuffer) add(line string) {
	if len(t.lines) == tailLineCap {
		copy(t.lines, t.lines[1:])
		t.lines[tailLineCap-1] = line

		return
	}

	t.lines = append(t.lines, line)
}

func (t *tailBuffer) reset() {
	t.lines = t.lines[:0]
}

func (t *tailBuffer) snapshot() []string {
	return slices.Clone(t.lines)
}
