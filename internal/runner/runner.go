// Package runner spawns and supervises one shell command per deployment.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pushdeploy/internal/domain"
)

const (
	// DefaultGracePeriod is the time between SIGTERM and SIGKILL on cancellation
	DefaultGracePeriod = 5 * time.Second

	// MaxLineSize bounds a single captured output line
	MaxLineSize = 1024 * 1024

	// ExitCodeUnknown is reported when no exit status could be obtained
	ExitCodeUnknown = -1
)

// ErrCanceled is the cause recorded when Cancel is called without one
var ErrCanceled = errors.New("canceled")

// EventKind discriminates Event
type EventKind int

const (
	// KindOutput carries one line of stdout or stderr
	KindOutput EventKind = iota
	// KindExited is the terminal event of a command that ran
	KindExited
	// KindSpawnFailed is the terminal event of a command that never started
	KindSpawnFailed
)

func (k EventKind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindExited:
		return "exited"
	case KindSpawnFailed:
		return "spawn_failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one item of a run's event sequence. A sequence is zero or more
// KindOutput events followed by exactly one KindExited or KindSpawnFailed.
type Event struct {
	Kind   EventKind
	Stream domain.Stream
	Text   string
	Time   time.Time

	// Set on KindExited
	ExitCode int
	Canceled bool

	// Cancellation cause on KindExited, spawn error on KindSpawnFailed
	Err error
}

// Spec describes the command to run
type Spec struct {
	Dir     string
	Command string
	// Env is appended to the host environment ("KEY=value")
	Env []string
}

// Runner starts shell commands. The zero value is usable.
type Runner struct {
	// Shell is resolved via PATH; defaults to "sh"
	Shell string

	// GracePeriod between SIGTERM and SIGKILL; defaults to DefaultGracePeriod
	GracePeriod time.Duration

	// WaitDelay bounds how long output pipes held open by background
	// children may delay completion once the shell has exited or the run
	// has been canceled. Defaults to GracePeriod plus five seconds.
	WaitDelay time.Duration
}

// New returns a Runner with default settings
func New() *Runner {
	return &Runner{}
}

// Run is a single supervised command
type Run struct {
	events chan Event
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Events returns the run's event channel. It is closed after the terminal
// event. Callers must drain it.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Cancel requests termination. The process group receives SIGTERM, then
// SIGKILL after the grace period. Calling Cancel after exit is a no-op.
func (r *Run) Cancel(cause error) {
	if cause == nil {
		cause = ErrCanceled
	}
	r.cancel(cause)
}

// Done is closed once the event channel has been closed
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Start launches spec asynchronously. Cancelling ctx cancels the run.
func (r *Runner) Start(ctx context.Context, spec Spec) *Run {
	ctx, cancel := context.WithCancelCause(ctx)
	run := &Run{
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer close(run.events)
		defer cancel(nil)
		r.execute(ctx, spec, run.events)
	}()

	return run
}

func (r *Runner) settings() (shell string, grace, waitDelay time.Duration) {
	shell = r.Shell
	if shell == "" {
		shell = "sh"
	}
	grace = r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	waitDelay = r.WaitDelay
	if waitDelay <= 0 {
		waitDelay = grace + 5*time.Second
	}
	return shell, grace, waitDelay
}

func (r *Runner) execute(ctx context.Context, spec Spec, events chan<- Event) {
	if err := ctx.Err(); err != nil {
		events <- Event{
			Kind:     KindExited,
			Time:     time.Now(),
			ExitCode: ExitCodeUnknown,
			Canceled: true,
			Err:      context.Cause(ctx),
		}
		return
	}

	shell, grace, waitDelay := r.settings()

	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	// Own process group so signals reach the shell and everything it spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	exited := make(chan struct{})
	var signaled atomic.Bool
	cmd.Cancel = func() error {
		signaled.Store(true)
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
				// ESRCH from an already-gone group is harmless
				_ = unix.Kill(pgid, unix.SIGKILL)
			case <-exited:
			}
		}()
		return nil
	}
	cmd.WaitDelay = waitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		close(exited)
		stdoutW.Close()
		stderrW.Close()
		events <- Event{Kind: KindSpawnFailed, Time: time.Now(), Err: err}
		return
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdoutR, domain.StreamStdout, events)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderrR, domain.StreamStderr, events)
	}()

	waitErr := cmd.Wait()
	// Only a run that was actually signaled counts as canceled
	canceled := signaled.Load()
	close(exited)

	stdoutW.Close()
	stderrW.Close()
	readers.Wait()

	ev := Event{
		Kind:     KindExited,
		Time:     time.Now(),
		ExitCode: exitCode(cmd, waitErr),
		Canceled: canceled,
	}
	if canceled {
		ev.Err = context.Cause(ctx)
	}
	events <- ev
}

// scanLines forwards each line of r as an output event. After an
// over-long line the rest of the stream is discarded so the writer never
// blocks.
func scanLines(r io.Reader, stream domain.Stream, events chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	for scanner.Scan() {
		events <- Event{
			Kind:   KindOutput,
			Stream: stream,
			Text:   scanner.Text(),
			Time:   time.Now(),
		}
	}

	if err := scanner.Err(); err != nil {
		events <- Event{
			Kind:   KindOutput,
			Stream: domain.StreamSystem,
			Text:   fmt.Sprintf("%s: %v, remaining output discarded", stream, err),
			Time:   time.Now(),
		}
		_, _ = io.Copy(io.Discard, r)
	}
}

// exitCode maps a Wait result to a shell-style exit code. A process killed
// by a signal reports 128 plus the signal number.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay) {
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode()
		}
		return 0
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return ExitCodeUnknown
	}

	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return ExitCodeUnknown
}
