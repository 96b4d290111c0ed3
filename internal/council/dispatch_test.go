package council

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLauncher struct {
	calls []WorkerArgs
	fail  map[string]bool
}

func (l *recordingLauncher) Launch(_ context.Context, args WorkerArgs, logPath string) (int, error) {
	if l.fail[args.SafeName] {
		return 0, errors.New("exec format error")
	}
	l.calls = append(l.calls, args)
	return 1000 + len(l.calls), nil
}

func TestDispatcherStart_Layout(t *testing.T) {
	root := t.TempDir()
	launcher := &recordingLauncher{}
	d := &Dispatcher{JobsDir: root, Launcher: launcher}

	job, err := d.Start(context.Background(), StartRequest{
		Prompt:  "Review the patch.",
		Content: "diff --git a/x b/x\n",
		Entities: []EntitySpec{
			{Name: "Claude Opus", Command: "claude -p"},
			{Name: "codex", Command: `codex exec --model "gpt 5"`},
		},
		Settings: Settings{TimeoutSec: 90, EntityKey: "reviewer"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(job.ID, "job-"))
	assert.Equal(t, job.ID, job.Dir[len(job.Dir)-len(job.ID):])
	assert.True(t, strings.HasPrefix(job.PromptHash, "blake3:"))
	assert.True(t, job.HasContent)

	loaded, err := LoadJob(job.Dir)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "reviewer", loaded.EntityKey())
	require.Len(t, loaded.Entities, 2)
	assert.Equal(t, "claude-opus", loaded.Entities[0].SafeName)

	layout := job.Layout()
	assert.Equal(t, "Review the patch.", ReadText(layout.Prompt(), ""))
	assert.Equal(t, "diff --git a/x b/x\n", ReadText(layout.Content(), ""))

	rec, ok := ReadStatus(layout.Status("claude-opus"), "reviewer")
	require.True(t, ok)
	assert.Equal(t, StateQueued, rec.State)
	assert.Equal(t, "Claude Opus", rec.Entity)
	assert.NotNil(t, rec.QueuedAt)
	assert.Nil(t, rec.PID)

	require.Len(t, launcher.calls, 2)
	call := launcher.calls[1]
	assert.Equal(t, job.Dir, call.JobDir)
	assert.Equal(t, "codex", call.SafeName)
	assert.Equal(t, `codex exec --model "gpt 5"`, call.Command)
	assert.Equal(t, 90.0, call.TimeoutSec)
	for _, arg := range call.Argv() {
		assert.NotContains(t, arg, "Review the patch", "the prompt never travels on argv")
	}
}

func TestDispatcherStart_CollisionCreatesNothing(t *testing.T) {
	root := t.TempDir()
	launcher := &recordingLauncher{}
	d := &Dispatcher{JobsDir: root, Launcher: launcher}

	_, err := d.Start(context.Background(), StartRequest{
		Prompt: "p",
		Entities: []EntitySpec{
			{Name: "Gemini Pro", Command: "gemini"},
			{Name: "gemini  pro", Command: "gemini"},
		},
	})
	require.ErrorIs(t, err, ErrNameCollision)
	assert.Empty(t, launcher.calls)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatcherStart_Validation(t *testing.T) {
	d := &Dispatcher{JobsDir: t.TempDir(), Launcher: &recordingLauncher{}}
	ok := []EntitySpec{{Name: "a", Command: "true"}}

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"no entities", StartRequest{Prompt: "p"}},
		{"empty prompt", StartRequest{Prompt: "  ", Entities: ok}},
		{"empty name", StartRequest{Prompt: "p", Entities: []EntitySpec{{Name: " ", Command: "true"}}}},
		{"empty command", StartRequest{Prompt: "p", Entities: []EntitySpec{{Name: "a", Command: ""}}}},
		{"bad quoting", StartRequest{Prompt: "p", Entities: []EntitySpec{{Name: "a", Command: `echo "x`}}}},
		{"negative timeout", StartRequest{Prompt: "p", Entities: ok, Settings: Settings{TimeoutSec: -1}}},
		{"timeout beyond the cap", StartRequest{Prompt: "p", Entities: ok, Settings: Settings{TimeoutSec: 1e300}}},
		{"NaN timeout", StartRequest{Prompt: "p", Entities: ok, Settings: Settings{TimeoutSec: math.NaN()}}},
		{"reserved key", StartRequest{Prompt: "p", Entities: ok, Settings: Settings{EntityKey: "state"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Start(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestDispatcherStart_LaunchFailureIsRecorded(t *testing.T) {
	launcher := &recordingLauncher{fail: map[string]bool{"broken": true}}
	d := &Dispatcher{JobsDir: t.TempDir(), Launcher: launcher}

	job, err := d.Start(context.Background(), StartRequest{
		Prompt:   "p",
		Entities: []EntitySpec{{Name: "broken", Command: "true"}, {Name: "fine", Command: "true"}},
	})
	require.NoError(t, err)
	assert.Len(t, launcher.calls, 1)

	rec, ok := ReadStatus(job.Layout().Status("broken"), job.EntityKey())
	require.True(t, ok)
	assert.Equal(t, StateError, rec.State)
	assert.Contains(t, deref(rec.Message), "exec format error")
}

func TestDispatcherStart_LaunchRate(t *testing.T) {
	launcher := &recordingLauncher{}
	d := &Dispatcher{JobsDir: t.TempDir(), Launcher: launcher, LaunchRate: 20}

	start := time.Now()
	job, err := d.Start(context.Background(), StartRequest{
		Prompt:   "p",
		Entities: []EntitySpec{{Name: "a", Command: "true"}, {Name: "b", Command: "true"}, {Name: "c", Command: "true"}},
	})
	require.NoError(t, err)
	assert.Len(t, launcher.calls, 3)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	// The last entity waited in the throttle; its queue clock starts at launch.
	rec, ok := ReadStatus(job.Layout().Status("c"), job.EntityKey())
	require.True(t, ok)
	assert.Equal(t, StateQueued, rec.State)
	require.NotNil(t, rec.QueuedAt)
	assert.GreaterOrEqual(t, rec.QueuedAt.Sub(job.CreatedAt), 90*time.Millisecond)
}

func TestDispatcherStart_UnthrottledKeepsCreationStamp(t *testing.T) {
	d := &Dispatcher{JobsDir: t.TempDir(), Launcher: &recordingLauncher{}}
	job, err := d.Start(context.Background(), StartRequest{
		Prompt:   "p",
		Entities: []EntitySpec{{Name: "a", Command: "true"}},
	})
	require.NoError(t, err)

	rec, ok := ReadStatus(job.Layout().Status("a"), job.EntityKey())
	require.True(t, ok)
	require.NotNil(t, rec.QueuedAt)
	assert.True(t, rec.QueuedAt.Equal(job.CreatedAt))
}

func TestDispatcherStart_ThrottledLaunchCanceled(t *testing.T) {
	launcher := &recordingLauncher{}
	d := &Dispatcher{JobsDir: t.TempDir(), Launcher: launcher, LaunchRate: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := d.Start(ctx, StartRequest{
		Prompt:   "p",
		Entities: []EntitySpec{{Name: "a", Command: "true"}},
	})
	require.NoError(t, err)
	assert.Empty(t, launcher.calls)

	rec, ok := ReadStatus(job.Layout().Status("a"), job.EntityKey())
	require.True(t, ok)
	assert.Equal(t, StateError, rec.State)
	assert.Contains(t, deref(rec.Message), "launch throttle")
}

func TestWorkerArgs_RoundTrip(t *testing.T) {
	in := WorkerArgs{
		JobDir:     "/tmp/jobs/job-1",
		Entity:     "Claude Opus",
		SafeName:   "claude-opus",
		Command:    `claude -p --append "x y"`,
		TimeoutSec: 0.2,
	}
	out, err := ParseWorkerArgs(in.Argv())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ParseWorkerArgs([]string{"--entity", "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ParseWorkerArgs([]string{"--bogus"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ParseWorkerArgs([]string{"--job-dir", "/j", "--safe-name", "a", "--timeout-sec", "1e300"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, time.Duration(0), Seconds(0))
	assert.Equal(t, time.Duration(0), Seconds(-3))
	assert.Equal(t, time.Duration(0), Seconds(math.NaN()))
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5))

	capped := time.Duration(MaxTimeoutSec) * time.Second
	assert.Equal(t, capped, Seconds(1e300))
	assert.Equal(t, capped, Settings{TimeoutSec: math.Inf(1)}.Timeout())
	assert.Positive(t, 2*Settings{TimeoutSec: 1e300}.Timeout(), "doubling the cap does not overflow")
}
