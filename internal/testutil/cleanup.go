// Package testutil provides helpers for tests.
package testutil

import (
	"os"
	"path/filepath"
)

// RemoveAll removes the path and any children. Errors are ignored.
// Use for defer cleanup in tests.
//
// Usage:
//
//	defer testutil.RemoveAll(tmpDir)
func RemoveAll(path string) { _ = os.RemoveAll(path) }

// WriteObject writes data to the slash-separated key below root, creating
// parent directories as needed. It seeds filesystem buckets in tests.
func WriteObject(root, key string, data []byte) error {
	fullPath := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, data, 0o644)
}
