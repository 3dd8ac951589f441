package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/invokerpm/invokerpm"
)

// blobExt is the file extension for cache blob files.
const blobExt = ".cache"

// blobPath derives the blob file path for a key. Keys are digested so
// arbitrary key strings map to filesystem-safe, collision-free filenames.
func (m *Manager) blobPath(key string) string {
	return filepath.Join(m.dataDir, invokerpm.DigestString(key).String()+blobExt)
}

// writeBlob stores blob data using a temp file and rename so readers never
// observe a partially written file.
func writeBlob(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// removeBlob deletes a blob file. A missing file is not an error.
func removeBlob(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}
