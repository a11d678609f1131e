package ext4

import (
	"fmt"
	"path"

	"github.com/pkg/xattr"
)

// xattrEntry is one mirrored extended attribute: name and raw value, with no
// interpretation of the ext4 xattr-index/name-prefix compaction scheme real
// ext4 uses on disk. The full on-disk xattr entry format is out of scope
// here (no reference source for it came with this allocator); this stores
// the same information in a simpler length-prefixed layout that a later
// reader of this filesystem's Import output can still parse back out.
type xattrEntry struct {
	name  string
	value []byte
}

// Import creates a regular file at imagePath (via mkFile, so it carries no
// data blocks - see File.Write) and best-effort mirrors hostPath's POSIX
// extended attributes onto the new inode's extended-attribute block.
// Backends that don't support xattrs at all (xattr.IsNotSupported) are
// treated as "nothing to mirror," not an error.
func (fs *FileSystem) Import(hostPath, imagePath string) error {
	dirPath, name := path.Dir(imagePath), path.Base(imagePath)
	if name == "" || name == "." || name == "/" {
		return fmt.Errorf("ext4: invalid import destination %q", imagePath)
	}
	parentDir, _, err := fs.readDirWithMkdir(dirPath, true)
	if err != nil {
		return fmt.Errorf("ext4: could not resolve import destination directory %q: %w", dirPath, err)
	}

	de, err := fs.mkFile(parentDir, name)
	if err != nil {
		return fmt.Errorf("ext4: could not create %q: %w", imagePath, err)
	}

	entries, err := readHostXattrs(hostPath)
	if err != nil {
		return fmt.Errorf("ext4: reading extended attributes from %q: %w", hostPath, err)
	}
	if len(entries) == 0 {
		return nil
	}

	ir, err := fs.getInodeRef(de.inode)
	if err != nil {
		return fmt.Errorf("ext4: reloading inode for %q: %w", imagePath, err)
	}
	if err := fs.writeXattrBlock(ir, entries); err != nil {
		return fmt.Errorf("ext4: writing extended-attribute block for %q: %w", imagePath, err)
	}
	ir.setDirty()
	return ir.release()
}

// readHostXattrs lists and reads every extended attribute on hostPath,
// treating a backend that doesn't support xattrs at all as "none."
func readHostXattrs(hostPath string) ([]xattrEntry, error) {
	names, err := xattr.List(hostPath)
	if err != nil {
		if xattr.IsNotExist(err) || xattr.IsNotSupported(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]xattrEntry, 0, len(names))
	for _, name := range names {
		value, err := xattr.Get(hostPath, name)
		if err != nil {
			if xattr.IsNotExist(err) || xattr.IsNotSupported(err) {
				continue
			}
			return nil, err
		}
		entries = append(entries, xattrEntry{name: name, value: value})
	}
	return entries, nil
}

// writeXattrBlock allocates one data block, serializes entries into it as a
// count followed by length-prefixed name/value pairs, and points ir's inode
// at it via extendedAttributeBlock.
func (fs *FileSystem) writeXattrBlock(ir *inodeRef, entries []xattrEntry) error {
	goal := firstBlockOf(fs.superblock, uint64(ir.number-1)/uint64(fs.superblock.inodesPerGroup))
	blockAddr, err := fs.AllocBlock(ir.number, goal)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, fs.superblock.blockSize)
	buf = appendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = appendUint32(buf, uint32(len(e.name)))
		buf = appendUint32(buf, uint32(len(e.value)))
		buf = append(buf, []byte(e.name)...)
		buf = append(buf, e.value...)
	}
	if int64(len(buf)) > fs.superblock.blockSize {
		return fmt.Errorf("extended attributes for inode %d exceed one block (%d > %d bytes)", ir.number, len(buf), fs.superblock.blockSize)
	}
	padded := make([]byte, fs.superblock.blockSize)
	copy(padded, buf)
	if err := fs.writeBlock(blockAddr, padded); err != nil {
		return err
	}

	ir.in.extendedAttributeBlock = blockAddr
	if ir.in.flags == nil {
		ir.in.flags = &inodeFlags{}
	}
	ir.in.flags.extendedAttributes = true
	return nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
