//go:build !linux

package disk

import (
	"errors"
)

// RawDevice is not supported outside Linux: raw block device nodes with
// O_DIRECT and BLKGETSIZE64 are Linux-specific concepts.
type RawDevice struct{}

// OpenRawDevice always fails on non-Linux platforms.
func OpenRawDevice(path string, blockSize int64) (*RawDevice, error) {
	return nil, errors.New("disk: raw block device access is only supported on linux")
}

func (d *RawDevice) BlockSize() int64                          { return 0 }
func (d *RawDevice) BlockCount() uint64                        { return 0 }
func (d *RawDevice) ReadBlock(addr uint64) ([]byte, error)      { return nil, errUnsupported }
func (d *RawDevice) WriteBlock(addr uint64, buf []byte) error   { return errUnsupported }
func (d *RawDevice) ReadAt(p []byte, off int64) (int, error)    { return 0, errUnsupported }
func (d *RawDevice) WriteAt(p []byte, off int64) (int, error)   { return 0, errUnsupported }
func (d *RawDevice) Sync() error                                { return errUnsupported }
func (d *RawDevice) Close() error                                { return nil }

var errUnsupported = errors.New("disk: raw block device access is only supported on linux")
