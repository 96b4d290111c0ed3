package council

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EntitySpec is one requested participant before normalization.
type EntitySpec struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// StartRequest describes a fan-out job.
type StartRequest struct {
	Prompt   string
	Content  string
	Entities []EntitySpec
	Settings Settings
}

// WorkerArgs is everything a detached worker receives on its command line.
// The prompt is deliberately absent; workers read it from the job directory.
type WorkerArgs struct {
	JobDir     string
	Entity     string
	SafeName   string
	Command    string
	TimeoutSec float64
}

// Argv renders the worker flags.
func (a WorkerArgs) Argv() []string {
	return []string{
		"--job-dir", a.JobDir,
		"--entity", a.Entity,
		"--safe-name", a.SafeName,
		"--command", a.Command,
		"--timeout-sec", strconv.FormatFloat(a.TimeoutSec, 'f', -1, 64),
	}
}

// ParseWorkerArgs is the inverse of Argv.
func ParseWorkerArgs(argv []string) (WorkerArgs, error) {
	var a WorkerArgs
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.JobDir, "job-dir", "", "job directory")
	fs.StringVar(&a.Entity, "entity", "", "entity display name")
	fs.StringVar(&a.SafeName, "safe-name", "", "entity safe name")
	fs.StringVar(&a.Command, "command", "", "command to run")
	fs.Float64Var(&a.TimeoutSec, "timeout-sec", 0, "per-attempt timeout in seconds")
	if err := fs.Parse(argv); err != nil {
		return WorkerArgs{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if a.JobDir == "" || a.SafeName == "" {
		return WorkerArgs{}, fmt.Errorf("%w: --job-dir and --safe-name are required", ErrInvalidArgument)
	}
	if err := ValidTimeoutSec(a.TimeoutSec); err != nil {
		return WorkerArgs{}, fmt.Errorf("--timeout-sec: %w", err)
	}
	return a, nil
}

// Launcher starts one detached worker and returns its pid.
type Launcher interface {
	Launch(ctx context.Context, args WorkerArgs, logPath string) (int, error)
}

// ProcessLauncher re-executes a binary (the running one by default) in its
// own session so the worker outlives the dispatching process.
type ProcessLauncher struct {
	Executable string
	// Prefix is placed before the worker flags, e.g. {"council", "worker"}.
	Prefix []string
	// Env is appended to the inherited environment.
	Env []string
}

func (l ProcessLauncher) Launch(ctx context.Context, args WorkerArgs, logPath string) (int, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	argv := append(append([]string{}, l.Prefix...), args.Argv()...)
	// Not CommandContext: the worker must survive the dispatcher's context.
	cmd := exec.Command(exe, argv...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child if we are still alive when it exits.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Dispatcher creates job directories and launches workers.
type Dispatcher struct {
	// JobsDir is the parent of every job directory.
	JobsDir  string
	Launcher Launcher
	Logger   *zap.Logger

	// LaunchRate caps worker launches per second; 0 launches them back to back.
	LaunchRate float64

	now func() time.Time
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now().UTC()
	}
	return time.Now().UTC()
}

// Start validates req, lays out a new job directory and launches one worker
// per entity. Validation, including the safe-name collision check, happens
// before anything is written. A worker that fails to launch is recorded as
// an error in its status record rather than failing the whole job.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest) (*Job, error) {
	entities, err := normalizeEntities(req.Entities)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidArgument)
	}
	settings := req.Settings
	if err := ValidTimeoutSec(settings.TimeoutSec); err != nil {
		return nil, err
	}
	settings.EntityKey = settings.entityKey()
	if err := ValidEntityKey(settings.EntityKey); err != nil {
		return nil, err
	}
	if settings.RolesDir != "" {
		if abs, err := filepath.Abs(settings.RolesDir); err == nil {
			settings.RolesDir = abs
		}
	}
	if d.Launcher == nil {
		return nil, fmt.Errorf("%w: no launcher configured", ErrInvalidArgument)
	}
	root, err := filepath.Abs(d.JobsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs dir: %w", err)
	}

	created := d.clock()
	id := newJobID(created)
	job := &Job{
		ID:         id,
		CreatedAt:  created,
		Dir:        filepath.Join(root, id),
		Settings:   settings,
		Entities:   entities,
		PromptHash: promptHash(req.Prompt),
		HasContent: strings.TrimSpace(req.Content) != "",
	}
	log := d.logger().With(zap.String("job", id))
	layout := job.Layout()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	if err := os.Mkdir(job.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	if err := os.MkdirAll(layout.EntitiesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create entities dir: %w", err)
	}
	if err := WriteFileAtomic(layout.Prompt(), []byte(req.Prompt)); err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}
	if job.HasContent {
		if err := WriteFileAtomic(layout.Content(), []byte(req.Content)); err != nil {
			return nil, fmt.Errorf("write content: %w", err)
		}
	}
	if err := WriteJSON(layout.Manifest(), job); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	for _, e := range entities {
		if err := os.MkdirAll(layout.EntityDir(e.SafeName), 0o755); err != nil {
			return nil, fmt.Errorf("create entity dir %s: %w", e.SafeName, err)
		}
		rec := StatusRecord{
			EntityKey: settings.EntityKey,
			Entity:    e.Name,
			State:     StateQueued,
			QueuedAt:  ptr(created),
			Command:   e.Command,
		}
		if err := WriteStatus(layout.Status(e.SafeName), rec); err != nil {
			return nil, fmt.Errorf("write queued status for %s: %w", e.Name, err)
		}
	}

	var limiter *rate.Limiter
	if d.LaunchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.LaunchRate), 1)
	}
	for _, e := range entities {
		args := WorkerArgs{
			JobDir:     job.Dir,
			Entity:     e.Name,
			SafeName:   e.SafeName,
			Command:    e.Command,
			TimeoutSec: settings.TimeoutSec,
		}
		queued := StatusRecord{
			EntityKey: settings.EntityKey,
			Entity:    e.Name,
			State:     StateQueued,
			QueuedAt:  ptr(created),
			Command:   e.Command,
		}
		pid, err := d.launch(ctx, limiter, layout, &queued, args)
		if err != nil {
			log.Error("launch worker", zap.String("entity", e.Name), zap.Error(err))
			finished := d.clock()
			rec := queued
			rec.State = StateError
			rec.FinishedAt = &finished
			rec.Message = ptr(fmt.Sprintf("launch worker: %v", err))
			if werr := WriteStatus(layout.Status(e.SafeName), rec); werr != nil {
				log.Error("write launch failure", zap.String("entity", e.Name), zap.Error(werr))
			}
			continue
		}
		log.Debug("worker launched", zap.String("entity", e.Name), zap.Int("pid", pid))
	}
	return job, nil
}

// launch waits for the throttle, if any, then starts the worker. A throttled
// entity gets its queued record restamped when it leaves the throttle so the
// reaper measures staleness from the launch, not from job creation.
func (d *Dispatcher) launch(ctx context.Context, limiter *rate.Limiter, layout Layout, queued *StatusRecord, args WorkerArgs) (int, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("launch throttle: %w", err)
		}
		queued.QueuedAt = ptr(d.clock())
		if err := WriteStatus(layout.Status(args.SafeName), *queued); err != nil {
			return 0, fmt.Errorf("restamp queued status: %w", err)
		}
	}
	return d.Launcher.Launch(ctx, args, layout.WorkerLog(args.SafeName))
}

func normalizeEntities(specs []EntitySpec) ([]Entity, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no entities", ErrInvalidArgument)
	}
	bySafe := make(map[string]string, len(specs))
	out := make([]Entity, 0, len(specs))
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: entity name is empty", ErrInvalidArgument)
		}
		command := strings.TrimSpace(s.Command)
		argv, err := SplitCommand(command)
		if err != nil {
			return nil, fmt.Errorf("%w: command for %s: %v", ErrInvalidArgument, name, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%w: command for %s is empty", ErrInvalidArgument, name)
		}
		safe := SafeName(name)
		if prev, ok := bySafe[safe]; ok {
			return nil, fmt.Errorf("%w: %q and %q both map to %q", ErrNameCollision, prev, name, safe)
		}
		bySafe[safe] = name
		out = append(out, Entity{Name: name, SafeName: safe, Command: command})
	}
	return out, nil
}

// newJobID is "job-" plus a lowercase ULID: sortable by creation time with a
// random suffix.
func newJobID(t time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy())
	return "job-" + strings.ToLower(id.String())
}

func promptHash(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return "blake3:" + hex.EncodeToString(sum[:])
}

// WorkerOptions tunes RunWorker.
type WorkerOptions struct {
	Logger *zap.Logger
	// Supervisor defaults to DefaultSupervisor when nil.
	Supervisor *Supervisor
	KillGrace  time.Duration
}

// RunWorker is the body of a detached worker process: it loads the job,
// assembles the prompt for its entity and drives the attempts to a
// terminal status record.
func RunWorker(ctx context.Context, args WorkerArgs, opts WorkerOptions) (AttemptResult, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	job, err := LoadJob(args.JobDir)
	if err != nil {
		return AttemptResult{}, err
	}
	log = log.With(zap.String("job", job.ID), zap.String("entity", args.SafeName))
	layout := job.Layout()

	entity, ok := job.EntityBySafeName(args.SafeName)
	if !ok {
		return AttemptResult{}, fmt.Errorf("%w: entity %q is not part of job %s", ErrInvalidArgument, args.SafeName, job.ID)
	}
	if args.Entity != "" {
		entity.Name = args.Entity
	}
	if args.Command != "" {
		entity.Command = args.Command
	}

	key := job.EntityKey()
	if rec, ok := ReadStatus(layout.Status(entity.SafeName), key); ok && rec.State.Terminal() {
		log.Warn("status already terminal, not running", zap.String("state", string(rec.State)))
		return AttemptResult{State: rec.State, Attempt: rec.Attempt, Message: rec.Message}, nil
	}

	timeout := job.Settings.Timeout()
	if args.TimeoutSec > 0 {
		timeout = Seconds(args.TimeoutSec)
	}

	prompt := ReadText(layout.Prompt(), "")
	content := ReadText(layout.Content(), "")
	assembled, err := PromptAssembler{RolesDir: job.Settings.RolesDir}.Assemble(prompt, entity.Name, content)
	if err != nil {
		log.Warn("prompt assembly failed, using raw prompt", zap.Error(err))
		assembled = AssembledPrompt{Text: prompt}
	}
	if assembled.Structured {
		if err := WriteFileAtomic(layout.AssembledPrompt(entity.SafeName), []byte(assembled.Text)); err != nil {
			log.Warn("write assembled prompt", zap.Error(err))
		}
		log.Debug("role template applied", zap.String("template", assembled.TemplatePath))
	}

	killGrace := opts.KillGrace
	if killGrace == 0 {
		killGrace = DefaultKillGrace
	}
	w := &Worker{
		Layout:    layout,
		Entity:    entity,
		EntityKey: key,
		Prompt:    assembled.Text,
		Timeout:   timeout,
		KillGrace: killGrace,
		Logger:    log,
	}
	sup := DefaultSupervisor()
	if opts.Supervisor != nil {
		sup = *opts.Supervisor
	}
	return w.Run(ctx, sup), nil
}
