package ext4

import (
	"fmt"
)

// inodeRef pairs a decoded inode with its inode number and a dirty flag, so
// that whoever mutates the inode (in practice: whoever adjusts its block
// count after an allocation or a free) can release it once and have the
// write-back happen exactly once.
type inodeRef struct {
	fs     *FileSystem
	number uint32
	in     *inode
	dirty  bool
}

// getInodeRef loads the inode with the given number (1-based, as stored on
// disk) from its inode table block.
func (fs *FileSystem) getInodeRef(number uint32) (*inodeRef, error) {
	if number == 0 {
		return nil, fmt.Errorf("ext4: inode number 0 is not valid")
	}
	bgid := uint64(number-1) / uint64(fs.superblock.inodesPerGroup)
	index := uint64(number-1) % uint64(fs.superblock.inodesPerGroup)

	gr, err := fs.getBlockGroupRef(bgid)
	if err != nil {
		return nil, err
	}
	inodeSize := uint64(fs.superblock.inodeSize)
	tableStart := gr.gd.inodeTableLocation * fs.superblock.blockSize
	offset := int64(tableStart + index*inodeSize)

	buf := make([]byte, inodeSize)
	if _, err := fs.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("ext4: reading inode %d: %w", number, err)
	}
	in, err := inodeFromBytes(buf, fs.superblock, int64(number))
	if err != nil {
		return nil, fmt.Errorf("ext4: parsing inode %d: %w", number, err)
	}
	return &inodeRef{fs: fs, number: number, in: in}, nil
}

func (r *inodeRef) setDirty() {
	r.dirty = true
}

// release writes the inode back to its inode table slot if it was
// modified.
func (r *inodeRef) release() error {
	if r == nil || !r.dirty {
		return nil
	}
	bgid := uint64(r.number-1) / uint64(r.fs.superblock.inodesPerGroup)
	index := uint64(r.number-1) % uint64(r.fs.superblock.inodesPerGroup)

	gr, err := r.fs.getBlockGroupRef(bgid)
	if err != nil {
		return err
	}
	inodeSize := uint64(r.fs.superblock.inodeSize)
	tableStart := gr.gd.inodeTableLocation * r.fs.superblock.blockSize
	offset := int64(tableStart + index*inodeSize)

	b, err := r.in.toBytes(r.fs.superblock)
	if err != nil {
		return fmt.Errorf("ext4: serializing inode %d: %w", r.number, err)
	}
	if _, err := r.fs.file.WriteAt(b, offset); err != nil {
		return fmt.Errorf("ext4: writing inode %d: %w", r.number, err)
	}
	return nil
}
