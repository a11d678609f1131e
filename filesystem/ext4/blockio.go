package ext4

import (
	"fmt"
)

// blockio.go centralizes the byte-offset arithmetic for reading and
// writing whole filesystem blocks through fs.file, which is exactly the
// util.File the filesystem was opened or created against (a plain disk
// image, or anything satisfying util.File - including a disk.BlockDevice,
// whose ReadAt/WriteAt methods already match the interface).

func (fs *FileSystem) readBlock(addr uint64) ([]byte, error) {
	size := int64(fs.superblock.blockSize)
	buf := make([]byte, size)
	off := fs.start + int64(addr)*size
	n, err := fs.file.ReadAt(buf, off)
	if err != nil {
		return nil, fmt.Errorf("ext4: reading block %d: %w", addr, err)
	}
	if int64(n) != size {
		return nil, fmt.Errorf("ext4: short read of block %d: got %d of %d bytes", addr, n, size)
	}
	return buf, nil
}

func (fs *FileSystem) writeBlock(addr uint64, data []byte) error {
	size := int64(fs.superblock.blockSize)
	if int64(len(data)) != size {
		return fmt.Errorf("ext4: block %d buffer is %d bytes, block size is %d", addr, len(data), size)
	}
	off := fs.start + int64(addr)*size
	n, err := fs.file.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("ext4: writing block %d: %w", addr, err)
	}
	if int64(n) != size {
		return fmt.Errorf("ext4: short write of block %d: wrote %d of %d bytes", addr, n, size)
	}
	return nil
}

// writeGroupDescriptor writes a single descriptor's bytes back into the
// in-memory group descriptor table's on-disk image, at the group
// descriptor table's location (the block after the one holding the
// superblock).
func (fs *FileSystem) writeGroupDescriptor(bgid uint64, gd *groupDescriptor) error {
	gdSize := groupDescriptorSize
	if gd.is64bit {
		gdSize = groupDescriptorSize64Bit
	}
	uuidBytes, err := superblockUUIDBytes(fs.superblock)
	if err != nil {
		return err
	}
	b, err := gd.toBytes(fs.gdtChecksumType(), uuidBytes)
	if err != nil {
		return fmt.Errorf("ext4: serializing group descriptor %d: %w", bgid, err)
	}
	gdtBlock := gdtStartBlock(fs.superblock)
	off := fs.start + int64(gdtBlock)*int64(fs.superblock.blockSize) + int64(bgid)*int64(gdSize)
	if _, err := fs.file.WriteAt(b, off); err != nil {
		return fmt.Errorf("ext4: writing group descriptor %d: %w", bgid, err)
	}
	return nil
}

// gdtStartBlock returns the block holding the start of the group descriptor
// table: the block right after the one holding the superblock.
func gdtStartBlock(sb *superblock) uint64 {
	if sb.blockSize == 1024 {
		return 2
	}
	return 1
}

// gdtChecksumType reports which checksum scheme the group descriptor table
// uses, matching the feature flags recorded in the superblock.
func (fs *FileSystem) gdtChecksumType() gdtChecksumType {
	switch {
	case fs.superblock.features.metadataChecksums:
		return gdtChecksumMetadata
	case fs.superblock.features.gdtChecksum:
		return gdtChecksumGdt
	default:
		return gdtChecksumNone
	}
}
