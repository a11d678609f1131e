package disk

import (
	"fmt"
	"os"

	times "gopkg.in/djherbis/times.v1"
)

// FileDevice is a BlockDevice backed by a regular *os.File: a disk image
// sitting on the host filesystem.
type FileDevice struct {
	f         *os.File
	blockSize int64
	size      int64
}

// OpenFileDevice opens path as a BlockDevice with the given logical block
// size. If the file does not exist, it is created at the given size.
func OpenFileDevice(path string, size, blockSize int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("disk: truncating %s to %d: %w", path, size, err)
		}
	} else {
		size = info.Size()
	}
	return &FileDevice{f: f, blockSize: blockSize, size: size}, nil
}

func (d *FileDevice) BlockSize() int64 { return d.blockSize }

func (d *FileDevice) BlockCount() uint64 { return uint64(d.size / d.blockSize) }

func (d *FileDevice) ReadBlock(addr uint64) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	off := int64(addr) * d.blockSize
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("disk: reading block %d: %w", addr, err)
	}
	return buf, nil
}

func (d *FileDevice) WriteBlock(addr uint64, buf []byte) error {
	if err := validateBlockBuf(d.blockSize, buf); err != nil {
		return err
	}
	off := int64(addr) * d.blockSize
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("disk: writing block %d: %w", addr, err)
	}
	return nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

func (d *FileDevice) Sync() error { return d.f.Sync() }

func (d *FileDevice) Close() error { return d.f.Close() }

// Timestamps reports the host filesystem's recorded birth (creation) and
// change times for the backing image file, when the platform's stat call
// exposes them. These have nothing to do with the ext4 inode times stored
// inside the image; they describe the image file itself, which is useful
// when auditing how long a captured filesystem image has existed on disk.
type Timestamps struct {
	HasBirthTime bool
	BirthTime    interface{}
	ChangeTime   interface{}
}

// Stat returns the host file's birth/change timestamps using times.v1, which
// knows how to reach birthtime on platforms that expose it (and degrades
// gracefully, via HasBirthTime, on those that don't).
func (d *FileDevice) Stat() (Timestamps, error) {
	t, err := times.Stat(d.f.Name())
	if err != nil {
		return Timestamps{}, fmt.Errorf("disk: stat timestamps: %w", err)
	}
	ts := Timestamps{
		HasBirthTime: t.HasBirthTime(),
		ChangeTime:   t.ChangeTime(),
	}
	if ts.HasBirthTime {
		ts.BirthTime = t.BirthTime()
	}
	return ts, nil
}
