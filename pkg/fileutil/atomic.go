// Package fileutil publishes files atomically and serializes writers across
// processes. Readers of files published here never observe partial content.
package fileutil

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteAtomic replaces path with data. The content is written to a temporary
// file in the same directory, synced, given perm and renamed over path, so
// that a concurrent reader sees either the old or the new content.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %s", path)
	}
	name := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(name)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", name)
	}
	// CreateTemp always uses 0600, chmod explicitly so the umask does not apply
	if err := tmp.Chmod(perm); err != nil {
		return errors.Wrapf(err, "setting mode of %s", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", name)
	}
	if err := os.Rename(name, path); err != nil {
		return errors.Wrapf(err, "replacing %s", path)
	}
	committed = true

	return syncDir(dir)
}

// Exists reports whether path exists. Errors other than "not exist" are
// returned so callers can tell an absent file from an unreadable one.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "opening directory %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "syncing directory %s", dir)
	}
	return nil
}
