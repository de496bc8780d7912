package watcher

import (
	"os"
	"path/filepath"
)

// loadCursor reads a persisted cursor. A missing file is an empty
// cursor, not an error.
func loadCursor(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// saveCursor persists a cursor atomically. The rename guarantees a
// crash mid-write leaves the previous cursor intact, so the worst case
// after recovery is re-observing events the store will dedupe anyway.
func saveCursor(path, cursor string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cursor-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(cursor); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
