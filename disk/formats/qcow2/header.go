// Package qcow2 implements enough of the QEMU qcow2 disk image format to
// back a disk.BlockDevice: parsing the header, walking the two-level
// (L1/L2) cluster translation tables, and allocating new clusters on write.
// Compression, encryption, backing files, snapshots and the refcount-based
// cluster sharing used for snapshots are not supported.
package qcow2

import (
	"encoding/binary"
	"fmt"
)

// magic is the four-byte signature at the start of every qcow2 image.
var magic = []byte{0x51, 0x46, 0x49, 0xFB} // "QFI\xfb"

// Version is the qcow2 format revision. Only version 2 and 3 images exist.
type Version uint32

const (
	Version2 Version = 2
	Version3 Version = 3

	v2HeaderSize = 72
	v3HeaderSize = 104
)

// Header is the fixed part of a qcow2 image header, decoded from the first
// v3HeaderSize bytes of the file.
type Header struct {
	Version               Version
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
	IncompatibleFeatures  uint64
	CompatibleFeatures    uint64
	AutoclearFeatures     uint64
	RefcountOrder         uint32
	HeaderLength          uint32
}

// ClusterSize returns the size, in bytes, of one cluster.
func (h *Header) ClusterSize() uint32 {
	return 1 << h.ClusterBits
}

func parseHeader(b []byte) (*Header, error) {
	if len(b) < v2HeaderSize {
		return nil, fmt.Errorf("qcow2: header too short: %d bytes", len(b))
	}
	if string(b[0:4]) != string(magic) {
		return nil, fmt.Errorf("qcow2: bad magic %x", b[0:4])
	}
	h := &Header{
		Version:               Version(binary.BigEndian.Uint32(b[4:8])),
		BackingFileOffset:     binary.BigEndian.Uint64(b[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(b[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(b[20:24]),
		Size:                  binary.BigEndian.Uint64(b[24:32]),
		CryptMethod:           binary.BigEndian.Uint32(b[32:36]),
		L1Size:                binary.BigEndian.Uint32(b[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(b[40:48]),
		RefcountTableOffset:   binary.BigEndian.Uint64(b[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(b[56:60]),
		NbSnapshots:           binary.BigEndian.Uint32(b[60:64]),
		SnapshotsOffset:       binary.BigEndian.Uint64(b[64:72]),
	}
	if h.Version == Version3 {
		if len(b) < v3HeaderSize {
			return nil, fmt.Errorf("qcow2: v3 header too short: %d bytes", len(b))
		}
		h.IncompatibleFeatures = binary.BigEndian.Uint64(b[72:80])
		h.CompatibleFeatures = binary.BigEndian.Uint64(b[80:88])
		h.AutoclearFeatures = binary.BigEndian.Uint64(b[88:96])
		h.RefcountOrder = binary.BigEndian.Uint32(b[96:100])
		h.HeaderLength = binary.BigEndian.Uint32(b[100:104])
	}
	if h.ClusterBits < 9 || h.ClusterBits > 21 {
		return nil, fmt.Errorf("qcow2: unsupported cluster_bits %d", h.ClusterBits)
	}
	if h.CryptMethod != 0 {
		return nil, fmt.Errorf("qcow2: encrypted images are not supported")
	}
	if h.BackingFileOffset != 0 {
		return nil, fmt.Errorf("qcow2: backing files are not supported")
	}
	return h, nil
}

func (h *Header) toBytes() []byte {
	size := v2HeaderSize
	if h.Version == Version3 {
		size = v3HeaderSize
	}
	b := make([]byte, size)
	copy(b[0:4], magic)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.Version))
	binary.BigEndian.PutUint64(b[8:16], h.BackingFileOffset)
	binary.BigEndian.PutUint32(b[16:20], h.BackingFileSize)
	binary.BigEndian.PutUint32(b[20:24], h.ClusterBits)
	binary.BigEndian.PutUint64(b[24:32], h.Size)
	binary.BigEndian.PutUint32(b[32:36], h.CryptMethod)
	binary.BigEndian.PutUint32(b[36:40], h.L1Size)
	binary.BigEndian.PutUint64(b[40:48], h.L1TableOffset)
	binary.BigEndian.PutUint64(b[48:56], h.RefcountTableOffset)
	binary.BigEndian.PutUint32(b[56:60], h.RefcountTableClusters)
	binary.BigEndian.PutUint32(b[60:64], h.NbSnapshots)
	binary.BigEndian.PutUint64(b[64:72], h.SnapshotsOffset)
	if h.Version == Version3 {
		binary.BigEndian.PutUint64(b[72:80], h.IncompatibleFeatures)
		binary.BigEndian.PutUint64(b[80:88], h.CompatibleFeatures)
		binary.BigEndian.PutUint64(b[88:96], h.AutoclearFeatures)
		binary.BigEndian.PutUint32(b[96:100], h.RefcountOrder)
		binary.BigEndian.PutUint32(b[100:104], h.HeaderLength)
	}
	return b
}
