// Package apputil has a few helpers for file and directory handling used at
// startup.
package apputil

import (
	"os"
	"path/filepath"
)

// FileExists reports whether a file exists at the given path.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

// EnsureDir creates the parent directory of the given file path if it does
// not exist yet.
func EnsureDir(fileName string) (err error) {
	dirName := filepath.Dir(fileName)
	if _, serr := os.Stat(dirName); serr != nil {
		if err = os.MkdirAll(dirName, os.ModePerm); err != nil {
			return
		}
	}
	return
}
