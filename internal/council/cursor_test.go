package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(total int, counts map[State]int) *Snapshot {
	s := &Snapshot{Total: total, Counts: map[State]int{}}
	for k, v := range counts {
		s.Counts[k] = v
	}
	s.State = overallState(s.Counts)
	return s
}

func TestDefaultBucketSize(t *testing.T) {
	tests := map[int]int{0: 1, 1: 1, 5: 1, 6: 2, 10: 2, 11: 3, 25: 5}
	for total, want := range tests {
		assert.Equal(t, want, DefaultBucketSize(total), "total=%d", total)
	}
}

func TestCursor_Stable(t *testing.T) {
	counts := map[State]int{StateRunning: 2, StateDone: 1}
	a := ComputeCursor(snapshotOf(3, counts), 1)
	b := ComputeCursor(snapshotOf(3, counts), 1)
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "v2:1:1:1:0", a.String())
}

func TestCursor_Changes(t *testing.T) {
	base := ComputeCursor(snapshotOf(10, map[State]int{StateQueued: 1, StateRunning: 8, StateDone: 1}), 2)
	assert.Equal(t, "v2:2:0:0:0", base.String())

	// Within the same bucket: no change.
	same := ComputeCursor(snapshotOf(10, map[State]int{StateRunning: 9, StateQueued: 1}), 2)
	assert.Equal(t, base, same)

	dispatched := ComputeCursor(snapshotOf(10, map[State]int{StateRunning: 9, StateDone: 1}), 2)
	assert.NotEqual(t, base, dispatched)

	crossed := ComputeCursor(snapshotOf(10, map[State]int{StateQueued: 1, StateRunning: 7, StateError: 2}), 2)
	assert.NotEqual(t, base, crossed)
	assert.Equal(t, 1, crossed.DoneBucket)

	done := ComputeCursor(snapshotOf(10, map[State]int{StateDone: 9, StateCanceled: 1}), 2)
	assert.Equal(t, "v2:2:1:5:1", done.String())
}

func TestParseCursor(t *testing.T) {
	c, err := ParseCursor("v2:3:1:2:0")
	require.NoError(t, err)
	assert.Equal(t, Cursor{BucketSize: 3, Dispatched: true, DoneBucket: 2}, c)
	assert.Equal(t, "v2:3:1:2:0", c.String())

	legacy, err := ParseCursor("v1:2:4:1")
	require.NoError(t, err)
	assert.Equal(t, Cursor{BucketSize: 2, DoneBucket: 4, Done: true}, legacy)
	assert.Equal(t, "v2:2:0:4:1", legacy.String())

	for _, bad := range []string{"", "v3:1:1:1:1", "v2:0:1:0:0", "v2:1:2:0:0", "v2:1:1:x:0", "v1:1:1", "v2:-1:0:0:0"} {
		_, err := ParseCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}
