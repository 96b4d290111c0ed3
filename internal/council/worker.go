package council

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultKillGrace is how long a timed out child gets between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second
	waitDelay        = 5 * time.Second
)

// AttemptResult is the classified outcome of one attempt.
type AttemptResult struct {
	State    State
	Attempt  int
	PID      *int
	ExitCode *int
	Signal   *string
	Message  *string
}

// Worker runs one entity's command and owns that entity's status record.
type Worker struct {
	Layout    Layout
	Entity    Entity
	EntityKey string
	// Prompt is written to the child's stdin.
	Prompt    string
	Timeout   time.Duration
	KillGrace time.Duration
	Logger    *zap.Logger

	now       func() time.Time
	written   func(StatusRecord)
	queuedAt  *time.Time
	startedAt *time.Time
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Worker) clock() time.Time {
	if w.now != nil {
		return w.now().UTC()
	}
	return time.Now().UTC()
}

// Run drives attempts through sup and writes the single terminal record.
func (w *Worker) Run(ctx context.Context, sup Supervisor) AttemptResult {
	if prev, ok := ReadStatus(w.Layout.Status(w.Entity.SafeName), w.EntityKey); ok {
		w.queuedAt = prev.QueuedAt
	}
	res := sup.Run(ctx, w.RunAttempt, w.markRetrying)
	w.finish(res)
	return res
}

// RunAttempt spawns the command once and classifies how it ended. It writes
// the running transitions but leaves the terminal write to Run.
func (w *Worker) RunAttempt(ctx context.Context, attempt int) AttemptResult {
	log := w.logger().With(zap.Int("attempt", attempt))
	started := w.clock()
	w.startedAt = &started

	running := w.record(StateRunning, attempt)
	w.write(running)

	argv, err := SplitCommand(w.Entity.Command)
	if err != nil {
		return failed(attempt, fmt.Sprintf("parse command: %v", err))
	}
	if len(argv) == 0 {
		return failed(attempt, "empty command")
	}

	stdout, err := os.Create(w.Layout.Output(w.Entity.SafeName))
	if err != nil {
		return failed(attempt, fmt.Sprintf("create output file: %v", err))
	}
	defer stdout.Close()
	stderr, err := os.Create(w.Layout.Error(w.Entity.SafeName))
	if err != nil {
		return failed(attempt, fmt.Sprintf("create error file: %v", err))
	}
	defer stderr.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(w.Prompt)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			log.Warn("command not found", zap.String("program", argv[0]), zap.Error(err))
			return AttemptResult{
				State:   StateMissingCLI,
				Attempt: attempt,
				Message: ptr(fmt.Sprintf("command not found: %s", argv[0])),
			}
		}
		log.Warn("spawn failed", zap.Error(err))
		return failed(attempt, fmt.Sprintf("spawn %s: %v", argv[0], err))
	}

	pid := cmd.Process.Pid
	running.PID = ptr(pid)
	w.write(running)
	log.Info("started", zap.Int("pid", pid))

	var timedOut atomic.Bool
	exited := make(chan struct{})
	if w.Timeout > 0 {
		timer := time.AfterFunc(w.Timeout, func() {
			timedOut.Store(true)
			log.Warn("timeout reached, terminating", zap.Duration("timeout", w.Timeout))
			_ = signalProcess(pid, syscall.SIGTERM)
			if w.KillGrace <= 0 {
				return
			}
			select {
			case <-exited:
			case <-time.After(w.KillGrace):
				_ = signalProcess(pid, syscall.SIGKILL)
			}
		})
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = signalProcess(pid, syscall.SIGTERM)
		case <-exited:
		}
	}()

	waitErr := cmd.Wait()
	close(exited)
	if cmd.ProcessState == nil {
		return AttemptResult{
			State:   StateError,
			Attempt: attempt,
			PID:     ptr(pid),
			Message: ptr(fmt.Sprintf("wait: %v", waitErr)),
		}
	}

	res := classifyExit(cmd.ProcessState, timedOut.Load(), w.Timeout)
	res.Attempt = attempt
	res.PID = ptr(pid)
	log.Info("exited", zap.String("state", string(res.State)), zap.Int("pid", pid))
	return res
}

// classifyExit maps a finished process onto a state. timedOut says whether
// our own timer fired; the exit status alone cannot tell a timeout from an
// external stop because both arrive as SIGTERM.
func classifyExit(ps *os.ProcessState, timedOut bool, timeout time.Duration) AttemptResult {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		name := signalName(sig)
		switch {
		case timedOut && (sig == syscall.SIGTERM || sig == syscall.SIGKILL):
			return AttemptResult{
				State:   StateTimedOut,
				Signal:  ptr(name),
				Message: ptr(fmt.Sprintf("timed out after %s", timeout)),
			}
		case sig == syscall.SIGTERM:
			return AttemptResult{
				State:   StateCanceled,
				Signal:  ptr(name),
				Message: ptr("terminated by " + name),
			}
		default:
			return AttemptResult{
				State:   StateError,
				Signal:  ptr(name),
				Message: ptr("killed by " + name),
			}
		}
	}
	code := ps.ExitCode()
	if code == 0 {
		return AttemptResult{State: StateDone, ExitCode: ptr(0)}
	}
	return AttemptResult{
		State:    StateError,
		ExitCode: ptr(code),
		Message:  ptr(fmt.Sprintf("exited with code %d", code)),
	}
}

func failed(attempt int, msg string) AttemptResult {
	return AttemptResult{State: StateError, Attempt: attempt, Message: ptr(msg)}
}

func (w *Worker) record(state State, attempt int) StatusRecord {
	return StatusRecord{
		EntityKey: w.EntityKey,
		Entity:    w.Entity.Name,
		State:     state,
		QueuedAt:  w.queuedAt,
		StartedAt: w.startedAt,
		Command:   w.Entity.Command,
		Attempt:   attempt,
	}
}

func (w *Worker) markRetrying(next int, last AttemptResult, delay time.Duration) {
	rec := w.record(StateRetrying, next)
	rec.ExitCode = last.ExitCode
	rec.Signal = last.Signal
	rec.Message = ptr(fmt.Sprintf("attempt %d failed (%s); retrying in %s",
		last.Attempt+1, deref(last.Message), delay.Round(time.Millisecond)))
	w.write(rec)
	w.logger().Info("retrying", zap.Int("next_attempt", next), zap.Duration("delay", delay))
}

func (w *Worker) finish(res AttemptResult) {
	finished := w.clock()
	rec := w.record(res.State, res.Attempt)
	rec.FinishedAt = &finished
	rec.PID = res.PID
	rec.ExitCode = res.ExitCode
	rec.Signal = res.Signal
	rec.Message = res.Message
	w.write(rec)
	w.logger().Info("finished",
		zap.String("state", string(res.State)),
		zap.Int("attempt", res.Attempt),
		zap.String("message", deref(res.Message)))
}

func (w *Worker) write(rec StatusRecord) {
	if err := WriteStatus(w.Layout.Status(w.Entity.SafeName), rec); err != nil {
		w.logger().Error("write status", zap.String("state", string(rec.State)), zap.Error(err))
		return
	}
	if w.written != nil {
		w.written(rec)
	}
}
