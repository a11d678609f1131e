package disk

import (
	"sync"
)

// MemoryDevice is a BlockDevice backed entirely by a byte slice in memory.
// It is used by the ext4 package's own tests, and is handy for anyone who
// wants to build and inspect a filesystem image without touching disk.
type MemoryDevice struct {
	mu        sync.Mutex
	blockSize int64
	data      []byte
	closed    bool
}

// NewMemoryDevice allocates a MemoryDevice of the given size (bytes) and
// block size.
func NewMemoryDevice(size, blockSize int64) *MemoryDevice {
	return &MemoryDevice{
		blockSize: blockSize,
		data:      make([]byte, size),
	}
}

func (m *MemoryDevice) BlockSize() int64 { return m.blockSize }

func (m *MemoryDevice) BlockCount() uint64 {
	return uint64(int64(len(m.data)) / m.blockSize)
}

func (m *MemoryDevice) ReadBlock(addr uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	off := int64(addr) * m.blockSize
	if off < 0 || off+m.blockSize > int64(len(m.data)) {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, m.blockSize)
	copy(buf, m.data[off:off+m.blockSize])
	return buf, nil
}

func (m *MemoryDevice) WriteBlock(addr uint64, buf []byte) error {
	if err := validateBlockBuf(m.blockSize, buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	off := int64(addr) * m.blockSize
	if off < 0 || off+m.blockSize > int64(len(m.data)) {
		return ErrOutOfRange
	}
	copy(m.data[off:off+m.blockSize], buf)
	return nil
}

func (m *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *MemoryDevice) Sync() error { return nil }

func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
