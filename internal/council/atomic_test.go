package council

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStatus_ReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	rec := StatusRecord{Entity: "codex", State: StateRunning, Command: "codex exec", PID: ptr(77)}
	require.NoError(t, WriteStatus(path, rec))

	got, ok := ReadStatus(path, DefaultEntityKey)
	require.True(t, ok)
	assert.Equal(t, "codex", got.Entity)
	assert.Equal(t, StateRunning, got.State)
	require.NotNil(t, got.PID)
	assert.Equal(t, 77, *got.PID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadStatus_AbsentOrMalformed(t *testing.T) {
	dir := t.TempDir()

	_, ok := ReadStatus(filepath.Join(dir, "missing.json"), DefaultEntityKey)
	assert.False(t, ok)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, ok = ReadStatus(empty, DefaultEntityKey)
	assert.False(t, ok)

	torn := filepath.Join(dir, "torn.json")
	require.NoError(t, os.WriteFile(torn, []byte(`{"member":"x","sta`), 0o644))
	_, ok = ReadStatus(torn, DefaultEntityKey)
	assert.False(t, ok)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"member":"x","state":"paused"}`), 0o644))
	_, ok = ReadStatus(unknown, DefaultEntityKey)
	assert.False(t, ok)
}

func TestWriteFileAtomic_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = WriteStatus(path, StatusRecord{Entity: "e", State: StateRunning, Attempt: i})
		}(i)
	}
	wg.Wait()

	got, ok := ReadStatus(path, DefaultEntityKey)
	require.True(t, ok, "last writer wins, never a torn file")
	assert.Equal(t, StateRunning, got.State)
}

func TestReadText_Fallback(t *testing.T) {
	assert.Equal(t, "none", ReadText(filepath.Join(t.TempDir(), "nope.txt"), "none"))
}
