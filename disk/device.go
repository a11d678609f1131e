// Package disk abstracts the different kinds of backing stores an ext4
// filesystem can be created on or read from: a plain file, a raw Linux block
// device, an in-memory buffer for tests, or a qcow2-formatted disk image.
package disk

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a block address falls outside the device.
var ErrOutOfRange = errors.New("disk: block address out of range")

// ErrClosed is returned on any operation against a device that has already
// been closed.
var ErrClosed = errors.New("disk: device is closed")

// BlockDevice is the minimal contract the ext4 package needs from whatever
// is holding the filesystem image. Every backend in this package (memory,
// file, raw Linux block device, qcow2) implements it.
type BlockDevice interface {
	// BlockSize returns the logical block size of the device, in bytes.
	BlockSize() int64
	// BlockCount returns the number of logical blocks the device holds.
	BlockCount() uint64
	// ReadBlock reads exactly one logical block at the given block address.
	ReadBlock(addr uint64) ([]byte, error)
	// WriteBlock writes exactly one logical block at the given block address.
	// buf must be exactly BlockSize() bytes.
	WriteBlock(addr uint64, buf []byte) error
	// ReadAt and WriteAt give byte-granular access for the parts of ext4
	// (superblock, group descriptor table) that are not block-aligned on
	// every geometry.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Sync flushes any buffered writes to stable storage.
	Sync() error
	// Close releases any resources (file descriptors, mappings) held by the
	// device.
	Close() error
}

func validateBlockBuf(blockSize int64, buf []byte) error {
	if int64(len(buf)) != blockSize {
		return fmt.Errorf("disk: buffer is %d bytes, block size is %d", len(buf), blockSize)
	}
	return nil
}
