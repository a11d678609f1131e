package ext4

import (
	"fmt"
)

// blockGroupRef is a scoped handle on one block group's descriptor. It is
// obtained from FileSystem.getBlockGroupRef and must be released with
// release, which the allocator always does via defer so that every return
// path - including early errors - writes back a descriptor that was
// modified. This replaces the goto-based single exit point used for the
// same purpose in the original C allocator.
type blockGroupRef struct {
	fs    *FileSystem
	bgid  uint64
	gd    *groupDescriptor
	dirty bool
}

// getBlockGroupRef returns a handle on the descriptor for block group bgid.
// The group descriptor table is held fully in memory, so this never touches
// the device; it exists to give allocation code a single place to mark a
// descriptor dirty and guarantee the writeback happens exactly once.
func (fs *FileSystem) getBlockGroupRef(bgid uint64) (*blockGroupRef, error) {
	if bgid >= uint64(len(fs.groupDescriptors.descriptors)) {
		return nil, fmt.Errorf("ext4: block group %d out of range (have %d groups)", bgid, len(fs.groupDescriptors.descriptors))
	}
	return &blockGroupRef{
		fs:   fs,
		bgid: bgid,
		gd:   &fs.groupDescriptors.descriptors[bgid],
	}, nil
}

// setDirty marks the descriptor as modified, so release writes it back.
func (r *blockGroupRef) setDirty() {
	r.dirty = true
}

// release writes the descriptor back to the group descriptor table on disk
// if it was modified, then lets go of the handle. Safe to call exactly
// once per getBlockGroupRef, normally via defer.
func (r *blockGroupRef) release() error {
	if r == nil || !r.dirty {
		return nil
	}
	return r.fs.writeGroupDescriptor(r.bgid, r.gd)
}
