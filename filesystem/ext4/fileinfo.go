package ext4

import (
	"os"
	"time"
)

// FileInfo implements os.FileInfo for a single directory entry, as returned
// by FileSystem.ReadDir. It carries just enough of the inode to answer the
// os.FileInfo contract; callers wanting the full inode can read it
// themselves by path.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) IsDir() bool        { return fi.isDir }
func (fi FileInfo) Sys() interface{}   { return nil }
