package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Footprint reports the on-disk size of each named store location (database file, queue
// directory, keyword index). Missing paths count as zero; an empty path is skipped.
func Footprint(paths map[string]string) (map[string]int64, error) {
	out := make(map[string]int64, len(paths))
	for name, p := range paths {
		if p == "" || p == ":memory:" {
			continue
		}
		n, err := sizeOf(p)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

func sizeOf(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
