package council

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// EntityResult is one entity's final artifacts.
type EntityResult struct {
	Name     string        `json:"name"`
	SafeName string        `json:"safeName"`
	Status   *StatusRecord `json:"status"`
	Output   string        `json:"output"`
	Error    string        `json:"error"`
	// Truncated is set when Output or Error was cut to the requested tail.
	Truncated bool `json:"truncated,omitempty"`
}

// JobResults is the payload of Results.
type JobResults struct {
	JobID    string         `json:"jobId"`
	JobDir   string         `json:"jobDir"`
	Entities []EntityResult `json:"entities"`
}

// Results reads every entity's status and output files without aggregating.
// tail > 0 keeps only the last tail bytes of each output.
func Results(dir string, tail int) (*JobResults, error) {
	if tail < 0 {
		return nil, fmt.Errorf("%w: tail must be >= 0", ErrInvalidArgument)
	}
	job, err := LoadJob(dir)
	if err != nil {
		return nil, err
	}
	layout := job.Layout()
	out := &JobResults{JobID: job.ID, JobDir: job.Dir, Entities: make([]EntityResult, 0, len(job.Entities))}
	for _, e := range job.Entities {
		r := EntityResult{Name: e.Name, SafeName: e.SafeName}
		if rec, ok := ReadStatus(layout.Status(e.SafeName), job.EntityKey()); ok {
			r.Status = &rec
		}
		var cutOut, cutErr bool
		r.Output, cutOut = tailText(ReadText(layout.Output(e.SafeName), ""), tail)
		r.Error, cutErr = tailText(ReadText(layout.Error(e.SafeName), ""), tail)
		r.Truncated = cutOut || cutErr
		out.Entities = append(out.Entities, r)
	}
	return out, nil
}

// tailText keeps the last n bytes of s, moved forward to a rune boundary.
func tailText(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:], true
}

// StopResult lists which entities were signalled.
type StopResult struct {
	JobID    string   `json:"jobId"`
	Signaled []string `json:"signaled"`
	// Gone are running entities whose process could not be signalled,
	// usually because it had already exited.
	Gone []string `json:"gone,omitempty"`
}

// Stop sends SIGTERM to every running entity with a known pid. Workers
// record the resulting exit as canceled.
func Stop(dir string, logger *zap.Logger) (*StopResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	job, err := LoadJob(dir)
	if err != nil {
		return nil, err
	}
	layout := job.Layout()
	res := &StopResult{JobID: job.ID, Signaled: []string{}}
	for _, e := range job.Entities {
		rec, ok := ReadStatus(layout.Status(e.SafeName), job.EntityKey())
		if !ok || rec.State != StateRunning || rec.PID == nil {
			continue
		}
		if err := signalProcess(*rec.PID, syscall.SIGTERM); err != nil {
			logger.Debug("signal failed", zap.String("entity", e.SafeName), zap.Int("pid", *rec.PID), zap.Error(err))
			res.Gone = append(res.Gone, e.SafeName)
			continue
		}
		res.Signaled = append(res.Signaled, e.SafeName)
	}
	return res, nil
}

// Clean removes the job directory tree. The directory must hold a manifest
// so an arbitrary path is never removed.
func Clean(dir string) error {
	job, err := LoadJob(dir)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(job.Dir); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// JobSummary is one row of ListJobs.
type JobSummary struct {
	ID        string        `json:"id"`
	Dir       string        `json:"dir"`
	CreatedAt time.Time     `json:"createdAt"`
	State     State         `json:"overallState"`
	Total     int           `json:"total"`
	Counts    map[State]int `json:"counts"`
}

// ListJobs summarizes every job under root, newest first. match, when not
// empty, is a doublestar pattern applied to job ids. Directories without a
// valid manifest are skipped.
func (a *Aggregator) ListJobs(root, match string) ([]JobSummary, error) {
	if match != "" && !doublestar.ValidatePattern(match) {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidArgument, match)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []JobSummary{}, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	out := []JobSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if match != "" {
			if ok, _ := doublestar.Match(match, entry.Name()); !ok {
				continue
			}
		}
		snap, err := a.Collect(filepath.Join(root, entry.Name()))
		if err != nil {
			a.logger().Debug("skipping job dir", zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		out = append(out, JobSummary{
			ID:        snap.JobID,
			Dir:       snap.JobDir,
			CreatedAt: snap.Job().CreatedAt,
			State:     snap.State,
			Total:     snap.Total,
			Counts:    snap.Counts,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ResolveJobDir turns ref into a job directory. ref may be a path, a job id
// under root, or a unique prefix of one.
func ResolveJobDir(root, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: job reference is empty", ErrInvalidArgument)
	}
	if isDir(ref) {
		return filepath.Abs(ref)
	}
	if strings.ContainsRune(ref, filepath.Separator) || root == "" {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	if candidate := filepath.Join(root, ref); isDir(candidate) {
		return filepath.Abs(candidate)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), ref) {
			matches = append(matches, entry.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	case 1:
		return filepath.Abs(filepath.Join(root, matches[0]))
	default:
		return "", fmt.Errorf("%w: %q matches %d jobs (%s)", ErrInvalidArgument, ref, len(matches), strings.Join(matches, ", "))
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
