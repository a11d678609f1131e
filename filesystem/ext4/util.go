package ext4

import (
	"fmt"

	uuid "github.com/satori/go.uuid"
)

const (
	// KB represents one KB
	KB int64 = 1024
	// MB represents one MB
	MB int64 = 1024 * KB
	// GB represents one GB
	GB int64 = 1024 * MB
	// TB represents one TB
	TB int64 = 1024 * GB
	// PB represents one TB
	PB int64 = 1024 * TB
	// XB represents one Exabyte
	XB int64 = 1024 * PB
	// these because they are larger than int64 or uint64 can handle
	// ZB represents one Zettabyte
	//ZB int64 = 1024 * XB
	// YB represents one Yottabyte
	//YB int64 = 1024 * ZB
	// Ext4MaxSize is maximum size of an ext4 filesystem in bytes
	//   it varies based on the block size and if we are 64-bit or 32-bit mode, but the absolute complete max
	//   is 64KB per block (128 sectors) in 64-bit mode
	//   for a max filesystem size of 1YB (yottabyte)
	//Ext4MaxSize int64 = YB
	// if we ever actually care, we will use math/big to do it
	//var xb, ZB, kb, YB big.Int
	//kb.SetUint64(1024)
	//xb.SetUint64(uint64(XB))
	//ZB.Mul(&xb, &kb)
	//YB.Mul(&ZB, &kb)

	// Ext4MinSize is minimum size for an ext4 filesystem
	//   it assumes a single block group with:
	//   blocksize = 2 sectors = 1KB
	//   1 block for boot code
	//   1 block for superblock
	//   1 block for block group descriptors
	//   1 block for bock and inode bitmaps and inode table
	//   1 block for data
	//   total = 5 blocks
	Ext4MinSize int64 = 5 * int64(SectorSize512)
)

// convert a string to a byte array, if all characters are valid ascii
func stringToASCIIBytes(s string) ([]byte, error) {
	length := len(s)
	b := make([]byte, length, length)
	// convert the name into 11 bytes
	r := []rune(s)
	// take the first 8 characters
	for i := 0; i < length; i++ {
		val := int(r[i])
		// we only can handle values less than max byte = 255
		if val > 255 {
			return nil, fmt.Errorf("Non-ASCII character in name: %s", s)
		}
		b[i] = byte(val)
	}
	return b, nil
}

// fixedASCIIBytes converts s to exactly n ASCII bytes, truncating or
// zero-padding as needed. Used for the superblock's fixed-width string
// fields (volume label, last-mounted path, mount options), which are
// zero-padded on disk rather than length-prefixed.
func fixedASCIIBytes(s string, n int) ([]byte, error) {
	ab, err := stringToASCIIBytes(s)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, ab)
	return b, nil
}

// bytesToUUIDBytes normalizes a UUID byte slice to exactly 16 bytes. ext4
// stores the volume and journal UUIDs as plain RFC 4122 byte sequences with
// no endian swapping (unlike, say, NTFS's mixed-endian GUIDs), so this is a
// defensive copy rather than a byte-order transform: it protects callers
// passing in a sub-slice of a larger buffer from satori/go.uuid's
// FromBytes, which requires a slice of exactly 16 bytes and otherwise
// panics on a misjudged length.
func bytesToUUIDBytes(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	return out
}

// crc16 implements the CRC-16/ARC (reflected, poly 0x8005, init 0xFFFF,
// final XOR 0) algorithm used by e2fsprogs for the legacy (pre
// metadata_checksum) group descriptor checksum. Callers needing the newer
// CRC32C-based metadata_csum scheme use crc32c_update instead; this one
// exists solely to keep the gdt_csum compatibility path computable.
func crc16(data []byte) uint16 {
	const poly16 = 0xA001 // bit-reversed 0x8005
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly16
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// superblockUUIDBytes returns the raw 16-byte encoding of the superblock's
// volume UUID, as needed by group descriptor checksum computation.
func superblockUUIDBytes(sb *superblock) ([]byte, error) {
	u, err := uuid.FromString(sb.uuid)
	if err != nil {
		return nil, fmt.Errorf("ext4: invalid volume UUID %q: %w", sb.uuid, err)
	}
	return bytesToUUIDBytes(u.Bytes()), nil
}
