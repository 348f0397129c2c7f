package types

import (
	"io/fs"
	"os"
)

// FS is the subset of filesystem operations the challenge store needs.
// It is satisfied by vfs.OSFS in production and by vfst.TestFS in tests,
// which roots every path under a temporary directory.
type FS interface {
	Stat(name string) (os.FileInfo, error)
	ReadFile(filename string) ([]byte, error)
	ReadDir(dirname string) ([]fs.DirEntry, error)
	OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	RawPath(name string) (string, error)
}
