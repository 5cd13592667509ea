package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnsureDir creates the directory for path if it does not exist yet.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// EnsureParentDir creates the parent directory of the given file path.
func EnsureParentDir(path string) error {
	if path == "" {
		return nil
	}
	return EnsureDir(filepath.Dir(path))
}

// ListByExt returns the files directly inside dir whose name ends with ext,
// sorted by name. A missing directory yields an empty list.
func ListByExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	ret := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ext) {
			ret = append(ret, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(ret)
	return ret, nil
}
