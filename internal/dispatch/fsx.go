package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// OutputPath returns the file a netuid's payload is written to.
func OutputPath(dir string, netuid int) string {
	return filepath.Join(dir, strconv.Itoa(netuid)+".json")
}

// ensureDir creates dir if absent and fails when the path exists as a file.
func ensureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return fmt.Errorf("%s exists and is not a directory", dir)
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// writeFileAtomic replaces dst with data via a temp file in the same
// directory, so readers never observe a partially written payload.
func writeFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
