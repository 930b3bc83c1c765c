//go:build !unix

package index

import (
	"io/fs"
	"path/filepath"
)

// fileID identifies a directory by its fully resolved path.
type fileID struct {
	path string
}

func identify(abs string, _ fs.FileInfo) (fileID, bool) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fileID{}, false
	}
	return fileID{path: resolved}, true
}
