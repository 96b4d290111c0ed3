package council

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWaitInterval = 250 * time.Millisecond
	MinWaitInterval     = 50 * time.Millisecond
	DefaultWaitTimeout  = 120 * time.Second
)

// WaitOptions controls one Wait call. Zero values select the defaults.
type WaitOptions struct {
	// Cursor overrides the cursor persisted in the job directory.
	Cursor string
	// BucketSize overrides the bucket size inherited from the previous cursor.
	BucketSize int
	Interval   time.Duration
	Timeout    time.Duration
}

// WaitResult is the snapshot Wait returned on, plus how it got there.
type WaitResult struct {
	*Snapshot
	PreviousCursor string `json:"previousCursor,omitempty"`
	BucketSize     int    `json:"bucketSize"`
	Changed        bool   `json:"changed"`
	TimedOut       bool   `json:"timedOut"`
}

func (o WaitOptions) normalized() (WaitOptions, error) {
	if o.BucketSize < 0 {
		return o, fmt.Errorf("%w: bucket size must be >= 0", ErrInvalidArgument)
	}
	if o.Interval < 0 {
		return o, fmt.Errorf("%w: interval must be >= 0", ErrInvalidArgument)
	}
	if o.Timeout < 0 {
		return o, fmt.Errorf("%w: timeout must be >= 0", ErrInvalidArgument)
	}
	if o.Interval == 0 {
		o.Interval = DefaultWaitInterval
	}
	if o.Interval < MinWaitInterval {
		o.Interval = MinWaitInterval
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultWaitTimeout
	}
	return o, nil
}

// Wait blocks until the job's cursor moves past the previous one, or the
// timeout elapses. Without a previous cursor it returns at once. A timeout
// is not an error: the latest snapshot comes back with TimedOut set. The
// returned cursor is persisted to the job directory either way.
func (a *Aggregator) Wait(ctx context.Context, dir string, opts WaitOptions) (*WaitResult, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	var prev *Cursor
	if strings.TrimSpace(opts.Cursor) != "" {
		c, err := ParseCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		prev = &c
	}

	snap, err := a.Collect(dir)
	if err != nil {
		return nil, err
	}
	layout := snap.Job().Layout()
	if prev == nil {
		if saved := strings.TrimSpace(ReadText(layout.Cursor(), "")); saved != "" {
			if c, err := ParseCursor(saved); err == nil {
				prev = &c
			} else {
				a.logger().Warn("ignoring unreadable persisted cursor", zap.String("job", snap.JobID), zap.Error(err))
			}
		}
	}

	bucket := DefaultBucketSize(snap.Total)
	switch {
	case opts.BucketSize > 0:
		bucket = opts.BucketSize
	case prev != nil:
		bucket = prev.BucketSize
	}

	res := &WaitResult{BucketSize: bucket}
	if prev != nil {
		res.PreviousCursor = prev.String()
	}
	current := ComputeCursor(snap, bucket)
	finish := func(s *Snapshot, c Cursor, changed, timedOut bool) *WaitResult {
		s.Cursor = c.String()
		res.Snapshot = s
		res.Changed = changed
		res.TimedOut = timedOut
		if err := WriteFileAtomic(layout.Cursor(), []byte(s.Cursor+"\n")); err != nil {
			a.logger().Warn("persist wait cursor", zap.String("job", s.JobID), zap.Error(err))
		}
		return res
	}

	if prev == nil || current != *prev {
		return finish(snap, current, true, false), nil
	}
	// A finished job cannot move again; waiting out the timeout helps nobody.
	if current.Done {
		return finish(snap, current, false, false), nil
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return finish(snap, current, false, true), nil
		}
		if err := sleepContext(ctx, min(opts.Interval, remaining)); err != nil {
			return nil, err
		}
		next, err := a.Collect(dir)
		if err != nil {
			return nil, err
		}
		snap = next
		current = ComputeCursor(snap, bucket)
		if current != *prev {
			return finish(snap, current, true, false), nil
		}
	}
}
