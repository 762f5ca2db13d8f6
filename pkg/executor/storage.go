package executor

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Usage is what job outputs occupy on disk.
type Usage struct {
	Bytes int64 `json:"downloads_size"`
	Files int   `json:"files"`
}

func (e *Executor) Usage() (Usage, error) {
	var u Usage
	err := filepath.WalkDir(e.cfg.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed while walking.
			return nil
		}
		u.Bytes += info.Size()
		u.Files++
		return nil
	})
	if err != nil {
		return Usage{}, errors.Wrap(err, "executor measure output dir")
	}

	return u, nil
}

// Prune removes every entry of the output dir for which keep returns false
// and reports how many were removed.
func (e *Executor) Prune(keep func(id string) bool) (int, error) {
	entries, err := os.ReadDir(e.cfg.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "executor read output dir")
	}

	removed := 0
	for _, entry := range entries {
		if keep(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.cfg.OutputDir, entry.Name())); err != nil {
			return removed, errors.Wrap(err, "executor prune output dir")
		}
		removed++
	}

	return removed, nil
}
