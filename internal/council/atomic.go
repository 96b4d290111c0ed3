package council

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to a uniquely named temp file next to path and
// renames it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpName := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")

	tmp, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON.
func WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(b, '\n'))
}

// ReadJSON decodes path into v. It reports false for a missing, unreadable,
// empty or malformed file; callers treat that as "no data yet".
func ReadJSON(path string, v any) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if strings.TrimSpace(string(b)) == "" {
		return false
	}
	return json.Unmarshal(b, v) == nil
}

// ReadText returns the file content, or fallback when it cannot be read.
func ReadText(path, fallback string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return string(b)
}

// WriteStatus persists rec to path.
func WriteStatus(path string, rec StatusRecord) error {
	return WriteJSON(path, rec)
}

// ReadStatus loads the status record at path using key for the entity field.
func ReadStatus(path, key string) (StatusRecord, bool) {
	rec := StatusRecord{EntityKey: key}
	if !ReadJSON(path, &rec) {
		return StatusRecord{}, false
	}
	if !rec.State.Valid() {
		return StatusRecord{}, false
	}
	return rec, true
}
