package council

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	cursorV1 = "v1"
	cursorV2 = "v2"

	// bucketsPerJob is how many progress buckets a default cursor splits a job into.
	bucketsPerJob = 5
)

// Cursor is the coarse progress fingerprint compared by Wait.
type Cursor struct {
	BucketSize int
	// Dispatched is set once no entity remains queued.
	Dispatched bool
	DoneBucket int
	Done       bool
}

// DefaultBucketSize is max(1, ceil(total/5)).
func DefaultBucketSize(total int) int {
	if total <= 0 {
		return 1
	}
	size := (total + bucketsPerJob - 1) / bucketsPerJob
	if size < 1 {
		return 1
	}
	return size
}

// ComputeCursor derives the cursor for snap using bucketSize.
func ComputeCursor(snap *Snapshot, bucketSize int) Cursor {
	if bucketSize < 1 {
		bucketSize = 1
	}
	return Cursor{
		BucketSize: bucketSize,
		Dispatched: snap.Counts[StateQueued] == 0,
		DoneBucket: snap.TerminalCount() / bucketSize,
		Done:       snap.State == StateDone,
	}
}

// String renders the v2 wire form "v2:<bucket>:<dispatched>:<doneBucket>:<done>".
func (c Cursor) String() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", cursorV2, c.BucketSize, flag01(c.Dispatched), c.DoneBucket, flag01(c.Done))
}

// ParseCursor accepts v2 cursors and legacy v1 cursors
// ("v1:<bucket>:<doneBucket>:<done>"), whose dispatch flag reads as 0.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	var fields []string
	switch {
	case len(parts) == 5 && parts[0] == cursorV2:
		fields = parts[1:]
	case len(parts) == 4 && parts[0] == cursorV1:
		fields = []string{parts[1], "0", parts[2], parts[3]}
	default:
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}

	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
		}
		nums[i] = n
	}
	if nums[0] < 1 || nums[1] > 1 || nums[3] > 1 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return Cursor{
		BucketSize: nums[0],
		Dispatched: nums[1] == 1,
		DoneBucket: nums[2],
		Done:       nums[3] == 1,
	}, nil
}

func flag01(b bool) int {
	if b {
		return 1
	}
	return 0
}
