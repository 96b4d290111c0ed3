package council

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Job directory layout:
//
//	<dir>/job.json
//	<dir>/prompt.txt
//	<dir>/content.txt                      (optional)
//	<dir>/.wait_cursor
//	<dir>/entities/<safe>/status.json
//	<dir>/entities/<safe>/output.txt
//	<dir>/entities/<safe>/error.txt
//	<dir>/entities/<safe>/assembled-prompt.txt
//	<dir>/entities/<safe>/worker.log
const (
	manifestFile        = "job.json"
	promptFile          = "prompt.txt"
	contentFile         = "content.txt"
	cursorFile          = ".wait_cursor"
	entitiesDir         = "entities"
	statusFile          = "status.json"
	outputFile          = "output.txt"
	errorFile           = "error.txt"
	assembledFile       = "assembled-prompt.txt"
	workerLogFile       = "worker.log"
	defaultRoleBasename = "default"
)

// Layout resolves paths inside one job directory.
type Layout struct {
	Dir string
}

func (l Layout) Manifest() string    { return filepath.Join(l.Dir, manifestFile) }
func (l Layout) Prompt() string      { return filepath.Join(l.Dir, promptFile) }
func (l Layout) Content() string     { return filepath.Join(l.Dir, contentFile) }
func (l Layout) Cursor() string      { return filepath.Join(l.Dir, cursorFile) }
func (l Layout) EntitiesDir() string { return filepath.Join(l.Dir, entitiesDir) }

func (l Layout) EntityDir(safe string) string {
	return filepath.Join(l.Dir, entitiesDir, safe)
}

func (l Layout) Status(safe string) string { return filepath.Join(l.EntityDir(safe), statusFile) }
func (l Layout) Output(safe string) string { return filepath.Join(l.EntityDir(safe), outputFile) }
func (l Layout) Error(safe string) string  { return filepath.Join(l.EntityDir(safe), errorFile) }

func (l Layout) AssembledPrompt(safe string) string {
	return filepath.Join(l.EntityDir(safe), assembledFile)
}

func (l Layout) WorkerLog(safe string) string {
	return filepath.Join(l.EntityDir(safe), workerLogFile)
}

// Settings are the per-job knobs recorded in the manifest.
type Settings struct {
	// TimeoutSec is the per-worker wall clock limit; 0 disables it.
	TimeoutSec float64        `json:"timeoutSec"`
	EntityKey  string         `json:"entityKey"`
	RolesDir   string         `json:"rolesDir,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func (s Settings) Timeout() time.Duration {
	return Seconds(s.TimeoutSec)
}

// MaxTimeoutSec is the largest accepted timeout, one year. Doubling it for
// the reaper threshold still fits a time.Duration.
const MaxTimeoutSec = 365 * 24 * 60 * 60

// ValidTimeoutSec rejects negative, NaN and over-large timeouts.
func ValidTimeoutSec(sec float64) error {
	if !(sec >= 0 && sec <= MaxTimeoutSec) {
		return fmt.Errorf("%w: timeout must be between 0 and %d seconds, got %v", ErrInvalidArgument, MaxTimeoutSec, sec)
	}
	return nil
}

// Seconds converts a float second count to a Duration. Non-positive and NaN
// values give 0; values above MaxTimeoutSec are clamped.
func Seconds(sec float64) time.Duration {
	if !(sec > 0) {
		return 0
	}
	if sec > MaxTimeoutSec {
		sec = MaxTimeoutSec
	}
	return time.Duration(sec * float64(time.Second))
}

func (s Settings) entityKey() string {
	if strings.TrimSpace(s.EntityKey) == "" {
		return DefaultEntityKey
	}
	return s.EntityKey
}

// Entity is one participant of a job.
type Entity struct {
	Name     string `json:"name"`
	SafeName string `json:"safeName"`
	Command  string `json:"command"`
}

// Job is the manifest written once to job.json before any worker starts.
type Job struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	Dir        string    `json:"dir"`
	Settings   Settings  `json:"settings"`
	Entities   []Entity  `json:"entities"`
	PromptHash string    `json:"promptHash,omitempty"`
	HasContent bool      `json:"hasContent,omitempty"`
}

func (j *Job) Layout() Layout {
	return Layout{Dir: j.Dir}
}

func (j *Job) EntityKey() string {
	return j.Settings.entityKey()
}

// EntityBySafeName returns the manifest entry for safe.
func (j *Job) EntityBySafeName(safe string) (Entity, bool) {
	for _, e := range j.Entities {
		if e.SafeName == safe {
			return e, true
		}
	}
	return Entity{}, false
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// SafeName lowercases name and collapses every run of characters outside
// [a-z0-9_-] into a single dash.
func SafeName(name string) string {
	return unsafeNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// LoadJob reads and validates the manifest in dir. A missing directory or
// manifest is a caller error, not a transient condition.
func LoadJob(dir string) (*Job, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve job dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, abs)
	}
	layout := Layout{Dir: abs}
	b, err := os.ReadFile(layout.Manifest())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestMissing, layout.Manifest())
		}
		return nil, fmt.Errorf("%w: %v", ErrManifestMissing, err)
	}
	if err := validateManifest(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestMissing, err)
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("%w: parse job.json: %v", ErrManifestMissing, err)
	}
	// The directory may have moved since dispatch; trust where we found it.
	job.Dir = abs
	return &job, nil
}
