package council

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultStaleFloor is the minimum time a record may sit in queued
	// before the reaper considers its worker dead.
	DefaultStaleFloor = 120 * time.Second
	// DefaultRecheckDelay is the pause between spotting a stale record and
	// re-reading it.
	DefaultRecheckDelay = 250 * time.Millisecond
)

// EntityView is one entity's status as seen by the aggregator.
type EntityView struct {
	SafeName string       `json:"safeName"`
	Status   StatusRecord `json:"status"`
}

// Snapshot is the aggregate view of a job at one instant.
type Snapshot struct {
	JobID  string `json:"jobId"`
	JobDir string `json:"jobDir"`
	State  State  `json:"overallState"`
	// Total is the number of entities in the manifest; Counts covers only
	// entities with a readable record.
	Total       int           `json:"total"`
	Counts      map[State]int `json:"counts"`
	Entities    []EntityView  `json:"entities"`
	Reaped      []string      `json:"reaped,omitempty"`
	Cursor      string        `json:"waitCursor"`
	GeneratedAt time.Time     `json:"generatedAt"`

	job *Job
}

// TerminalCount is the number of entities in a terminal state.
func (s *Snapshot) TerminalCount() int {
	n := 0
	for state, c := range s.Counts {
		if state.Terminal() {
			n += c
		}
	}
	return n
}

// Job returns the manifest the snapshot was built from.
func (s *Snapshot) Job() *Job {
	return s.job
}

// overallState is done when nothing is queued, retrying or running; running
// when anything is running or retrying; queued otherwise.
func overallState(counts map[State]int) State {
	if counts[StateQueued]+counts[StateRetrying]+counts[StateRunning] == 0 {
		return StateDone
	}
	if counts[StateRunning]+counts[StateRetrying] > 0 {
		return StateRunning
	}
	return StateQueued
}

// Aggregator reads a job directory and reaps workers that never started.
type Aggregator struct {
	StaleFloor   time.Duration
	RecheckDelay time.Duration
	Logger       *zap.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func (a *Aggregator) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *Aggregator) clock() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

func (a *Aggregator) pause(d time.Duration) {
	if a.sleep != nil {
		a.sleep(d)
		return
	}
	time.Sleep(d)
}

// Collect aggregates the job at dir. A missing directory or manifest is an
// error; missing or malformed status records are skipped.
func (a *Aggregator) Collect(dir string) (*Snapshot, error) {
	job, err := LoadJob(dir)
	if err != nil {
		return nil, err
	}
	layout := job.Layout()
	key := job.EntityKey()

	snap := &Snapshot{
		JobID:    job.ID,
		JobDir:   job.Dir,
		Total:    len(job.Entities),
		Counts:   make(map[State]int, len(AllStates)),
		Entities: []EntityView{},
		job:      job,
	}
	for _, s := range AllStates {
		snap.Counts[s] = 0
	}

	entries, err := os.ReadDir(layout.EntitiesDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read entities dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		safe := entry.Name()
		rec, ok := ReadStatus(layout.Status(safe), key)
		if !ok {
			continue
		}
		if rec.State == StateQueued {
			var reaped bool
			rec, reaped = a.reapIfStale(job, safe, rec)
			if reaped {
				snap.Reaped = append(snap.Reaped, safe)
			}
		}
		snap.Counts[rec.State]++
		snap.Entities = append(snap.Entities, EntityView{SafeName: safe, Status: rec})
	}

	snap.State = overallState(snap.Counts)
	snap.Cursor = ComputeCursor(snap, DefaultBucketSize(snap.Total)).String()
	snap.GeneratedAt = a.clock()
	return snap, nil
}

// staleThreshold is max(2 x timeout, floor).
func (a *Aggregator) staleThreshold(job *Job) time.Duration {
	floor := a.StaleFloor
	if floor <= 0 {
		floor = DefaultStaleFloor
	}
	if t := 2 * job.Settings.Timeout(); t > floor {
		return t
	}
	return floor
}

// reapIfStale marks a queued record as error once it has been queued longer
// than the threshold. The record is re-read after a short pause and only
// overwritten if it is still queued; a worker that starts after the re-read
// can still lose this race.
func (a *Aggregator) reapIfStale(job *Job, safe string, rec StatusRecord) (StatusRecord, bool) {
	path := job.Layout().Status(safe)
	since := rec.QueuedAt
	if since == nil {
		info, err := os.Stat(path)
		if err != nil {
			return rec, false
		}
		mt := info.ModTime()
		since = &mt
	}
	threshold := a.staleThreshold(job)
	elapsed := a.clock().Sub(*since)
	if elapsed <= threshold {
		return rec, false
	}

	delay := a.RecheckDelay
	if delay <= 0 {
		delay = DefaultRecheckDelay
	}
	a.pause(delay)

	current, ok := ReadStatus(path, job.EntityKey())
	if !ok || current.State != StateQueued {
		if ok {
			return current, false
		}
		return rec, false
	}

	finished := a.clock()
	current.State = StateError
	current.FinishedAt = &finished
	current.Message = ptr(fmt.Sprintf(
		"stale: worker never reported running after %s in queued (threshold %s); reaped by status check",
		elapsed.Round(time.Second), threshold))
	if err := WriteStatus(path, current); err != nil {
		a.logger().Warn("write reaped status", zap.String("job", job.ID), zap.String("entity", safe), zap.Error(err))
		return rec, false
	}
	a.logger().Warn("reaped stale worker",
		zap.String("job", job.ID),
		zap.String("entity", safe),
		zap.Duration("elapsed", elapsed))
	return current, true
}
