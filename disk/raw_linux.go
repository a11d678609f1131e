//go:build linux

package disk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RawDevice is a BlockDevice backed directly by a Linux block device node
// (e.g. /dev/sdb), opened with O_DIRECT to bypass the page cache so reads
// and writes observe exactly what is on the platter.
type RawDevice struct {
	f         *os.File
	blockSize int64
	size      int64
}

// OpenRawDevice opens a Linux block device node for direct I/O. blockSize
// must be a multiple of the device's physical sector size, as required by
// O_DIRECT.
func OpenRawDevice(path string, blockSize int64) (*RawDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		return nil, fmt.Errorf("disk: opening raw device %s: %w", path, err)
	}
	size, err := unix.IoctlGetUint64(fd, unix.BLKGETSIZE64)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("disk: BLKGETSIZE64 on %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	return &RawDevice{f: f, blockSize: blockSize, size: int64(size)}, nil
}

func (d *RawDevice) BlockSize() int64   { return d.blockSize }
func (d *RawDevice) BlockCount() uint64 { return uint64(d.size / d.blockSize) }

func (d *RawDevice) ReadBlock(addr uint64) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	off := int64(addr) * d.blockSize
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("disk: reading raw block %d: %w", addr, err)
	}
	return buf, nil
}

func (d *RawDevice) WriteBlock(addr uint64, buf []byte) error {
	if err := validateBlockBuf(d.blockSize, buf); err != nil {
		return err
	}
	off := int64(addr) * d.blockSize
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("disk: writing raw block %d: %w", addr, err)
	}
	return nil
}

func (d *RawDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *RawDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

func (d *RawDevice) Sync() error { return d.f.Sync() }

func (d *RawDevice) Close() error { return d.f.Close() }
