package qcow2

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

const (
	l2CompressedFlag = uint64(1) << 62
	l2CopiedFlag     = uint64(1) << 63
	offsetMask       = uint64(0x00fffffffffffe00)
)

// Device is a disk.BlockDevice reading and writing guest data through a
// qcow2 image's L1/L2 cluster translation tables. New clusters are
// allocated by appending to the end of the file; existing clusters are
// never relocated or shared (no refcount-based copy-on-write), which keeps
// the allocator simple at the cost of not supporting qcow2 snapshots.
type Device struct {
	mu   sync.Mutex
	f    *os.File
	hdr  *Header
	l1   []uint64
	size int64 // host file size, tracks next allocation point
}

// Open reads an existing qcow2 image and returns a Device ready for block
// I/O against the guest's logical address space.
func Open(f *os.File) (*Device, error) {
	hb := make([]byte, v3HeaderSize)
	n, err := f.ReadAt(hb, 0)
	if err != nil && n < v2HeaderSize {
		return nil, fmt.Errorf("qcow2: reading header: %w", err)
	}
	hdr, err := parseHeader(hb)
	if err != nil {
		return nil, err
	}
	l1, err := readL1Table(f, hdr)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("qcow2: stat: %w", err)
	}
	return &Device{f: f, hdr: hdr, l1: l1, size: info.Size()}, nil
}

func readL1Table(f *os.File, hdr *Header) ([]uint64, error) {
	buf := make([]byte, int(hdr.L1Size)*8)
	if len(buf) > 0 {
		if _, err := f.ReadAt(buf, int64(hdr.L1TableOffset)); err != nil {
			return nil, fmt.Errorf("qcow2: reading L1 table: %w", err)
		}
	}
	l1 := make([]uint64, hdr.L1Size)
	for i := range l1 {
		l1[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
	}
	return l1, nil
}

// Create initializes a new, empty qcow2 image of the given virtual size at
// path, using the given cluster size (must be a power of two between 512
// and 2MB).
func Create(path string, virtualSize int64, clusterSize uint32) (*Device, error) {
	clusterBits := uint32(0)
	for cs := clusterSize; cs > 1; cs >>= 1 {
		clusterBits++
	}
	if uint32(1)<<clusterBits != clusterSize || clusterBits < 9 || clusterBits > 21 {
		return nil, fmt.Errorf("qcow2: cluster size %d is not a supported power of two", clusterSize)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("qcow2: creating %s: %w", path, err)
	}

	l2EntriesPerCluster := clusterSize / 8
	l2CoverageBytes := int64(l2EntriesPerCluster) * int64(clusterSize)
	l1Size := uint32((virtualSize + l2CoverageBytes - 1) / l2CoverageBytes)
	if l1Size == 0 {
		l1Size = 1
	}

	hdr := &Header{
		Version:       Version3,
		ClusterBits:   clusterBits,
		Size:          uint64(virtualSize),
		L1Size:        l1Size,
		L1TableOffset: uint64(clusterSize), // cluster 0 reserved for header
	}

	headerBytes := hdr.toBytes()
	// lay out: cluster 0 = header, cluster 1 = L1 table
	if err := f.Truncate(int64(clusterSize) * 2); err != nil {
		f.Close()
		return nil, fmt.Errorf("qcow2: truncating %s: %w", path, err)
	}
	if _, err := f.WriteAt(headerBytes, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("qcow2: writing header: %w", err)
	}

	d := &Device{
		f:    f,
		hdr:  hdr,
		l1:   make([]uint64, l1Size),
		size: int64(clusterSize) * 2,
	}
	return d, nil
}

func (d *Device) clusterSize() int64 { return int64(d.hdr.ClusterSize()) }

func (d *Device) l2EntriesPerCluster() int {
	return int(d.hdr.ClusterSize() / 8)
}

// clusterOffset returns the host byte offset of the guest cluster containing
// guest byte offset gOff, allocating the L2 table and/or data cluster on
// first write if alloc is true. A zero return with no error means the
// cluster is unallocated (sparse) and alloc was false.
func (d *Device) clusterOffset(gOff int64, alloc bool) (int64, error) {
	cs := d.clusterSize()
	l2PerCluster := d.l2EntriesPerCluster()
	l2Index := (gOff / cs) % int64(l2PerCluster)
	l1Index := (gOff / cs) / int64(l2PerCluster)
	if l1Index < 0 || l1Index >= int64(len(d.l1)) {
		return 0, fmt.Errorf("qcow2: guest offset %d out of range", gOff)
	}

	l1Entry := d.l1[l1Index]
	l2TableOffset := int64(l1Entry & offsetMask)
	if l2TableOffset == 0 {
		if !alloc {
			return 0, nil
		}
		var err error
		l2TableOffset, err = d.appendCluster()
		if err != nil {
			return 0, err
		}
		d.l1[l1Index] = uint64(l2TableOffset) | l2CopiedFlag
		if err := d.writeL1Entry(l1Index); err != nil {
			return 0, err
		}
	}

	l2Buf := make([]byte, 8)
	if _, err := d.f.ReadAt(l2Buf, l2TableOffset+l2Index*8); err != nil {
		return 0, fmt.Errorf("qcow2: reading L2 entry: %w", err)
	}
	l2Entry := binary.BigEndian.Uint64(l2Buf)
	if l2Entry&l2CompressedFlag != 0 {
		return 0, fmt.Errorf("qcow2: compressed clusters are not supported")
	}
	dataOffset := int64(l2Entry & offsetMask)
	if dataOffset == 0 {
		if !alloc {
			return 0, nil
		}
		var err error
		dataOffset, err = d.appendCluster()
		if err != nil {
			return 0, err
		}
		binary.BigEndian.PutUint64(l2Buf, uint64(dataOffset)|l2CopiedFlag)
		if _, err := d.f.WriteAt(l2Buf, l2TableOffset+l2Index*8); err != nil {
			return 0, fmt.Errorf("qcow2: writing L2 entry: %w", err)
		}
	}
	return dataOffset, nil
}

func (d *Device) appendCluster() (int64, error) {
	off := d.size
	cs := d.clusterSize()
	if err := d.f.Truncate(off + cs); err != nil {
		return 0, fmt.Errorf("qcow2: growing image for new cluster: %w", err)
	}
	d.size += cs
	return off, nil
}

func (d *Device) writeL1Entry(index int64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, d.l1[index])
	if _, err := d.f.WriteAt(b, int64(d.hdr.L1TableOffset)+index*8); err != nil {
		return fmt.Errorf("qcow2: writing L1 entry: %w", err)
	}
	return nil
}

// ReadAt reads len(p) guest bytes starting at guest offset off, returning
// zeroes for any unallocated (sparse) region.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.clusterSize()
	total := 0
	for total < len(p) {
		gOff := off + int64(total)
		clusterStart := (gOff / cs) * cs
		inCluster := gOff - clusterStart
		n := int64(len(p) - total)
		if n > cs-inCluster {
			n = cs - inCluster
		}
		hostOff, err := d.clusterOffset(gOff, false)
		if err != nil {
			return total, err
		}
		if hostOff == 0 {
			for i := int64(0); i < n; i++ {
				p[int64(total)+i] = 0
			}
		} else {
			if _, err := d.f.ReadAt(p[total:int64(total)+n], hostOff+inCluster); err != nil {
				return total, fmt.Errorf("qcow2: reading data cluster: %w", err)
			}
		}
		total += int(n)
	}
	return total, nil
}

// WriteAt writes p at guest offset off, allocating clusters as needed.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.clusterSize()
	total := 0
	for total < len(p) {
		gOff := off + int64(total)
		clusterStart := (gOff / cs) * cs
		inCluster := gOff - clusterStart
		n := int64(len(p) - total)
		if n > cs-inCluster {
			n = cs - inCluster
		}
		hostOff, err := d.clusterOffset(gOff, true)
		if err != nil {
			return total, err
		}
		if _, err := d.f.WriteAt(p[total:int64(total)+n], hostOff+inCluster); err != nil {
			return total, fmt.Errorf("qcow2: writing data cluster: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

func (d *Device) BlockSize() int64 { return d.clusterSize() }

func (d *Device) BlockCount() uint64 { return uint64(int64(d.hdr.Size) / d.clusterSize()) }

func (d *Device) ReadBlock(addr uint64) ([]byte, error) {
	buf := make([]byte, d.clusterSize())
	if _, err := d.ReadAt(buf, int64(addr)*d.clusterSize()); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Device) WriteBlock(addr uint64, buf []byte) error {
	if int64(len(buf)) != d.clusterSize() {
		return fmt.Errorf("qcow2: block buffer is %d bytes, cluster size is %d", len(buf), d.clusterSize())
	}
	_, err := d.WriteAt(buf, int64(addr)*d.clusterSize())
	return err
}

func (d *Device) Sync() error { return d.f.Sync() }

func (d *Device) Close() error { return d.f.Close() }
