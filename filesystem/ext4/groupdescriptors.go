package ext4

import (
	"encoding/binary"
	"fmt"
)

type blockGroupFlag uint16
type gdtChecksumType uint8

const (
	groupDescriptorSize                    int             = 32
	groupDescriptorSize64Bit               int             = 64
	blockGroupFlagInodesUninitialized      blockGroupFlag  = 0x1
	blockGroupFlagBlockBitmapUninitialized blockGroupFlag  = 0x2
	blockGroupFlagInodeTableZeroed         blockGroupFlag  = 0x3
	gdtChecksumNone                        gdtChecksumType = 0
	gdtChecksumGdt                         gdtChecksumType = 1
	gdtChecksumMetadata                    gdtChecksumType = 2
)

type blockGroupFlags struct {
	inodesUninitialized      bool
	blockBitmapUninitialized bool
	inodeTableZeroed         bool
}

// groupDescriptors holds every block group's descriptor, in group order.
type groupDescriptors struct {
	descriptors []groupDescriptor
}

// groupDescriptor holds the data about a single block group: where its
// bitmaps and inode table live, how many free blocks/inodes it has, and
// the metadata checksum over its block bitmap (blockBitmapChecksum, split
// across the lo/hi halves below depending on descriptor size).
type groupDescriptor struct {
	blockBitmapLocation             uint64
	inodeBitmapLocation             uint64
	inodeTableLocation              uint64
	freeBlocks                      uint32
	freeInodes                      uint32
	usedDirectories                 uint32
	flags                           blockGroupFlags
	snapshotExclusionBitmapLocation uint64
	blockBitmapChecksum             uint32
	inodeBitmapChecksum             uint32
	unusedInodes                    uint32
	is64bit                         bool
	number                          uint64
}

func (gd *groupDescriptors) equal(a *groupDescriptors) bool {
	if (gd == nil) != (a == nil) {
		return false
	}
	if gd == nil {
		return true
	}
	if len(gd.descriptors) != len(a.descriptors) {
		return false
	}
	for i := range gd.descriptors {
		if gd.descriptors[i] != a.descriptors[i] {
			return false
		}
	}
	return true
}

// FreeBlocksCount returns the number of free blocks tracked for the given
// group's descriptor.
func (gd *groupDescriptor) FreeBlocksCount() uint32 { return gd.freeBlocks }

// SetFreeBlocksCount updates the descriptor's free block counter.
func (gd *groupDescriptor) SetFreeBlocksCount(n uint32) { gd.freeBlocks = n }

// BlockBitmapLocation returns the absolute block address of this group's
// block bitmap.
func (gd *groupDescriptor) BlockBitmapLocation() uint64 { return gd.blockBitmapLocation }

// SetBlockBitmapChecksum sets the checksum field; the upper half is only
// persisted when is64bit is true.
func (gd *groupDescriptor) SetBlockBitmapChecksum(csum uint32) { gd.blockBitmapChecksum = csum }

// BlockBitmapChecksum returns the stored checksum, masked to the width
// actually present on disk (16 bits in 32-bit mode, 32 in 64-bit mode).
func (gd *groupDescriptor) BlockBitmapChecksum() uint32 {
	if gd.is64bit {
		return gd.blockBitmapChecksum
	}
	return gd.blockBitmapChecksum & 0xffff
}

// groupDescriptorsFromBytes parses every group descriptor out of b, which
// must hold exactly count*gdSize bytes.
func groupDescriptorsFromBytes(b []byte, is64bit bool, count int, superblockUuid []byte, checksumType gdtChecksumType) (*groupDescriptors, error) {
	gdSize := groupDescriptorSize
	if is64bit {
		gdSize = groupDescriptorSize64Bit
	}
	if len(b) < count*gdSize {
		return nil, fmt.Errorf("ext4: group descriptor table is %d bytes, need %d for %d groups", len(b), count*gdSize, count)
	}

	gdSlice := make([]groupDescriptor, 0, count)
	for i := 0; i < count; i++ {
		start := i * gdSize
		end := start + gdSize
		gd, err := groupDescriptorFromBytes(b[start:end], is64bit, i, checksumType, superblockUuid)
		if err != nil {
			return nil, fmt.Errorf("ext4: group descriptor %d: %w", i, err)
		}
		gdSlice = append(gdSlice, *gd)
	}

	return &groupDescriptors{descriptors: gdSlice}, nil
}

// toBytes returns every group descriptor, serialized back to back in group
// order, ready to be written to disk.
func (gds *groupDescriptors) toBytes(checksumType gdtChecksumType, superblockUuid []byte) ([]byte, error) {
	var b []byte
	for i := range gds.descriptors {
		gdBytes, err := gds.descriptors[i].toBytes(checksumType, superblockUuid)
		if err != nil {
			return nil, fmt.Errorf("ext4: group descriptor %d: %w", i, err)
		}
		b = append(b, gdBytes...)
	}
	return b, nil
}

// groupDescriptorFromBytes create a groupDescriptor struct from bytes
func groupDescriptorFromBytes(b []byte, is64bit bool, number int, checksumType gdtChecksumType, superblockUuid []byte) (*groupDescriptor, error) {
	blockBitmapLocation := make([]byte, 8)
	inodeBitmapLocation := make([]byte, 8)
	inodeTableLocation := make([]byte, 8)
	freeBlocks := make([]byte, 4)
	freeInodes := make([]byte, 4)
	usedirectories := make([]byte, 4)
	snapshotExclusionBitmapLocation := make([]byte, 8)
	blockBitmapChecksum := make([]byte, 4)
	inodeBitmapChecksum := make([]byte, 4)
	unusedInodes := make([]byte, 4)

	copy(blockBitmapLocation[0:4], b[0x0:0x4])
	copy(inodeBitmapLocation[0:4], b[0x4:0x8])
	copy(inodeTableLocation[0:4], b[0x8:0xc])
	copy(freeBlocks[0:2], b[0xc:0xe])
	copy(freeInodes[0:2], b[0xe:0x10])
	copy(usedirectories[0:2], b[0x10:0x12])
	copy(snapshotExclusionBitmapLocation[0:4], b[0x14:0x18])
	copy(blockBitmapChecksum[0:2], b[0x18:0x1a])
	copy(inodeBitmapChecksum[0:2], b[0x1a:0x1c])
	copy(unusedInodes[0:2], b[0x1c:0x1e])

	if is64bit {
		copy(blockBitmapLocation[4:8], b[0x20:0x24])
		copy(inodeBitmapLocation[4:8], b[0x24:0x28])
		copy(inodeTableLocation[4:8], b[0x28:0x2c])
		copy(freeBlocks[2:4], b[0x2c:0x2e])
		copy(freeInodes[2:4], b[0x2e:0x30])
		copy(usedirectories[2:4], b[0x30:0x32])
		copy(unusedInodes[2:4], b[0x32:0x34])
		copy(snapshotExclusionBitmapLocation[4:8], b[0x34:0x38])
		copy(blockBitmapChecksum[2:4], b[0x38:0x3a])
		copy(inodeBitmapChecksum[2:4], b[0x3a:0x3c])
	}

	gdNumber := uint64(number)
	if checksumType != gdtChecksumNone {
		checksum := binary.LittleEndian.Uint16(b[0x1e:0x20])
		actualChecksum := groupDescriptorChecksum(b[0x0:0x1e], superblockUuid, gdNumber, checksumType)
		if checksum != actualChecksum {
			return nil, fmt.Errorf("checksum mismatch, passed %x, actual %x", checksum, actualChecksum)
		}
	}

	gd := groupDescriptor{
		is64bit:                         is64bit,
		number:                          gdNumber,
		blockBitmapLocation:             binary.LittleEndian.Uint64(blockBitmapLocation),
		inodeBitmapLocation:             binary.LittleEndian.Uint64(inodeBitmapLocation),
		inodeTableLocation:              binary.LittleEndian.Uint64(inodeTableLocation),
		freeBlocks:                      binary.LittleEndian.Uint32(freeBlocks),
		freeInodes:                      binary.LittleEndian.Uint32(freeInodes),
		usedDirectories:                 binary.LittleEndian.Uint32(usedirectories),
		snapshotExclusionBitmapLocation: binary.LittleEndian.Uint64(snapshotExclusionBitmapLocation),
		blockBitmapChecksum:             binary.LittleEndian.Uint32(blockBitmapChecksum),
		inodeBitmapChecksum:             binary.LittleEndian.Uint32(inodeBitmapChecksum),
		unusedInodes:                    binary.LittleEndian.Uint32(unusedInodes),
		flags:                           parseBlockGroupFlags(binary.LittleEndian.Uint16(b[0x12:0x14])),
	}

	return &gd, nil
}

// toBytes returns a groupDescriptor ready to be written to disk
func (gd *groupDescriptor) toBytes(checksumType gdtChecksumType, superblockUuid []byte) ([]byte, error) {
	gdSize := groupDescriptorSize
	if gd.is64bit {
		gdSize = groupDescriptorSize64Bit
	}
	b := make([]byte, gdSize)

	blockBitmapLocation := make([]byte, 8)
	inodeBitmapLocation := make([]byte, 8)
	inodeTableLocation := make([]byte, 8)
	freeBlocks := make([]byte, 4)
	freeInodes := make([]byte, 4)
	usedirectories := make([]byte, 4)
	snapshotExclusionBitmapLocation := make([]byte, 8)
	blockBitmapChecksum := make([]byte, 4)
	inodeBitmapChecksum := make([]byte, 4)
	unusedInodes := make([]byte, 4)

	binary.LittleEndian.PutUint64(blockBitmapLocation, gd.blockBitmapLocation)
	binary.LittleEndian.PutUint64(inodeTableLocation, gd.inodeTableLocation)
	binary.LittleEndian.PutUint64(inodeBitmapLocation, gd.inodeBitmapLocation)
	binary.LittleEndian.PutUint32(freeBlocks, gd.freeBlocks)
	binary.LittleEndian.PutUint32(freeInodes, gd.freeInodes)
	binary.LittleEndian.PutUint32(usedirectories, gd.usedDirectories)
	binary.LittleEndian.PutUint64(snapshotExclusionBitmapLocation, gd.snapshotExclusionBitmapLocation)
	binary.LittleEndian.PutUint32(blockBitmapChecksum, gd.blockBitmapChecksum)
	binary.LittleEndian.PutUint32(inodeBitmapChecksum, gd.inodeBitmapChecksum)
	binary.LittleEndian.PutUint32(unusedInodes, gd.unusedInodes)

	copy(b[0x0:0x4], blockBitmapLocation[0:4])
	copy(b[0x4:0x8], inodeBitmapLocation[0:4])
	copy(b[0x8:0xc], inodeTableLocation[0:4])
	copy(b[0xc:0xe], freeBlocks[0:2])
	copy(b[0xe:0x10], freeInodes[0:2])
	copy(b[0x10:0x12], usedirectories[0:2])
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.flags.toInt())
	copy(b[0x14:0x18], snapshotExclusionBitmapLocation[0:4])
	copy(b[0x18:0x1a], blockBitmapChecksum[0:2])
	copy(b[0x1a:0x1c], inodeBitmapChecksum[0:2])
	copy(b[0x1c:0x1e], unusedInodes[0:2])

	if gd.is64bit {
		copy(b[0x20:0x24], blockBitmapLocation[4:8])
		copy(b[0x24:0x28], inodeBitmapLocation[4:8])
		copy(b[0x28:0x2c], inodeTableLocation[4:8])
		copy(b[0x2c:0x2e], freeBlocks[2:4])
		copy(b[0x2e:0x30], freeInodes[2:4])
		copy(b[0x30:0x32], usedirectories[2:4])
		copy(b[0x32:0x34], unusedInodes[2:4])
		copy(b[0x34:0x38], snapshotExclusionBitmapLocation[4:8])
		copy(b[0x38:0x3a], blockBitmapChecksum[2:4])
		copy(b[0x3a:0x3c], inodeBitmapChecksum[2:4])
	}

	checksum := groupDescriptorChecksum(b[0x0:0x1e], superblockUuid, gd.number, checksumType)
	binary.LittleEndian.PutUint16(b[0x1e:0x20], checksum)

	return b, nil
}

func parseBlockGroupFlags(flags uint16) blockGroupFlags {
	return blockGroupFlags{
		inodeTableZeroed:         flags&uint16(blockGroupFlagInodeTableZeroed) == uint16(blockGroupFlagInodeTableZeroed),
		inodesUninitialized:      flags&uint16(blockGroupFlagInodesUninitialized) == uint16(blockGroupFlagInodesUninitialized),
		blockBitmapUninitialized: flags&uint16(blockGroupFlagBlockBitmapUninitialized) == uint16(blockGroupFlagBlockBitmapUninitialized),
	}
}

func (f *blockGroupFlags) toInt() uint16 {
	var flags uint16
	if f.inodeTableZeroed {
		flags |= uint16(blockGroupFlagInodeTableZeroed)
	}
	if f.inodesUninitialized {
		flags |= uint16(blockGroupFlagInodesUninitialized)
	}
	if f.blockBitmapUninitialized {
		flags |= uint16(blockGroupFlagBlockBitmapUninitialized)
	}
	return flags
}

// groupDescriptorChecksum calculates the checksum for a block group
// descriptor. b excludes the checksum field itself (bytes 0x1e:0x20).
func groupDescriptorChecksum(b, superblockUuid []byte, groupNumber uint64, checksumType gdtChecksumType) uint16 {
	if checksumType == gdtChecksumNone {
		return 0
	}

	groupBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(groupBytes, groupNumber)

	input := make([]byte, 0, len(superblockUuid)+4+len(b))
	input = append(input, superblockUuid...)
	input = append(input, groupBytes[0:4]...)
	input = append(input, b...)

	switch checksumType {
	case gdtChecksumMetadata:
		checksum32 := crc32c_update(crc32seed, input)
		return uint16(checksum32 & 0xffff)
	case gdtChecksumGdt:
		return crc16(input)
	}
	return 0
}
