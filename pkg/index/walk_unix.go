//go:build unix

package index

import (
	"io/fs"
	"os"
	"syscall"
)

// fileID identifies a directory independently of the path used to reach it.
type fileID struct {
	dev, ino uint64
}

// identify returns the device and inode of the directory at abs. info may
// be nil, in which case the directory is stat'ed.
func identify(abs string, info fs.FileInfo) (fileID, bool) {
	if info == nil {
		var err error
		if info, err = os.Stat(abs); err != nil {
			return fileID{}, false
		}
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileID{}, false
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, true
}
