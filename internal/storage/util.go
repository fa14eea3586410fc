package storage

import (
	"os"
	"path/filepath"
	"strings"
)

// EnsureParentDir creates the directory holding a database file. In-memory
// and URI-style sqlite names are left alone.
func EnsureParentDir(file string) error {
	if file == ":memory:" || strings.HasPrefix(file, "file:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(file), 0o750)
}
