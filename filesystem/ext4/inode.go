package ext4

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

type inodeFlag uint32
type fileType uint16

const (
	inodeSize                        int       = 128
	extentTreeHeaderLength           int       = 12
	extentTreeEntryLength            int       = 12
	extentHeaderSignature            uint16    = 0xf30a
	extentTreeMaxDepth               int       = 5
	extentInodeMaxEntries            int       = 4
	inodeFlagSecureDeletion          inodeFlag = 0x1
	inodeFlagPreserveForUndeletion   inodeFlag = 0x2
	inodeFlagCompressed              inodeFlag = 0x4
	inodeFlagSynchronous             inodeFlag = 0x8
	inodeFlagImmutable               inodeFlag = 0x10
	inodeFlagAppendOnly              inodeFlag = 0x20
	inodeFlagNoDump                  inodeFlag = 0x40
	inodeFlagNoAccessTimeUpdate      inodeFlag = 0x80
	inodeFlagDirtyCompressed         inodeFlag = 0x100
	inodeFlagCompressedClusters      inodeFlag = 0x200
	inodeFlagNoCompress              inodeFlag = 0x400
	inodeFlagEncryptedInode          inodeFlag = 0x800
	inodeFlagHashedDirectoryIndexes  inodeFlag = 0x1000
	inodeFlagAFSMagicDirectory       inodeFlag = 0x2000
	inodeFlagAlwaysJournal           inodeFlag = 0x4000
	inodeFlagNoMergeTail             inodeFlag = 0x8000
	inodeFlagSyncDirectoryData       inodeFlag = 0x10000
	inodeFlagTopDirectory            inodeFlag = 0x20000
	inodeFlagHugeFile                inodeFlag = 0x40000
	inodeFlagUsesExtents             inodeFlag = 0x80000
	inodeFlagExtendedAttributes      inodeFlag = 0x200000
	inodeFlagBlocksPastEOF           inodeFlag = 0x400000
	inodeFlagSnapshot                inodeFlag = 0x1000000
	inodeFlagDeletingSnapshot        inodeFlag = 0x4000000
	inodeFlagCompletedSnapshotShrink inodeFlag = 0x8000000
	inodeFlagInlineData              inodeFlag = 0x10000000
	inodeFlagInheritProject          inodeFlag = 0x20000000

	fileTypeFifo            fileType = 0x1000
	fileTypeCharacterDevice fileType = 0x2000
	fileTypeDirectory       fileType = 0x4000
	fileTypeBlockDevice     fileType = 0x6000
	fileTypeRegularFile     fileType = 0x8000
	fileTypeSymbolicLink    fileType = 0xA000
	fileTypeSocket          fileType = 0xC000

	filePermissionsOwnerExecute uint16 = 0x40
	filePermissionsOwnerWrite   uint16 = 0x80
	filePermissionsOwnerRead    uint16 = 0x100
	filePermissionsGroupExecute uint16 = 0x8
	filePermissionsGroupWrite   uint16 = 0x10
	filePermissionsGroupRead    uint16 = 0x20
	filePermissionsOtherExecute uint16 = 0x1
	filePermissionsOtherWrite   uint16 = 0x2
	filePermissionsOtherRead    uint16 = 0x4
)

// inodeFlags holds the per-inode flag bits (i_flags).
type inodeFlags struct {
	secureDeletion          bool
	preserveForUndeletion   bool
	compressed              bool
	synchronous             bool
	immutable               bool
	appendOnly              bool
	noDump                  bool
	noAccessTimeUpdate      bool
	dirtyCompressed         bool
	compressedClusters      bool
	noCompress              bool
	encryptedInode          bool
	hashedDirectoryIndexes  bool
	AFSMagicDirectory       bool
	alwaysJournal           bool
	noMergeTail             bool
	syncDirectoryData       bool
	topDirectory            bool
	hugeFile                bool
	usesExtents             bool
	extendedAttributes      bool
	blocksPastEOF           bool
	snapshot                bool
	deletingSnapshot        bool
	completedSnapshotShrink bool
	inlineData              bool
	inheritProject          bool
}

type filePermissions struct {
	read    bool
	write   bool
	execute bool
}

// extentTree represents an inode's extent tree. Only depth 0 (extents
// living directly in the inode's 60-byte i_block area) is supported: a
// file or directory is limited to extentInodeMaxEntries (4) extents,
// which is the allocator's unit of work in AllocBlock/FreeBlocks. Deeper
// trees, with extent index blocks living on disk, are not built; a file
// that would need one is rejected instead.
type extentTree struct {
	depth     uint16
	entries   uint16
	max       uint16
	fileBlock uint32
	extents   extents
}

// inode is a structure holding the data about an inode
type inode struct {
	number                      uint64
	permissionsOther            filePermissions
	permissionsGroup            filePermissions
	permissionsOwner            filePermissions
	fileType                    fileType
	owner                       uint32
	group                       uint32
	size                        uint64
	accessTimeSeconds           int64
	changeTimeSeconds           int64
	creationTimeSeconds         int64
	modificationTimeSeconds     int64
	accessTimeNanoseconds       uint32
	changeTimeNanoseconds       uint32
	creationTimeNanoseconds     uint32
	modificationTimeNanoseconds uint32
	deletionTime                uint32
	hardLinks                   uint16
	blocks                      uint64
	filesystemBlocks            bool
	flags                       *inodeFlags
	version                     uint64
	nfsFileVersion              uint32
	extendedAttributeBlock      uint64
	inodeSize                   uint16
	project                     uint32
	extents                     *extentTree
}

// BlocksCount returns the inode's block count, in 512-byte sectors unless
// filesystemBlocks is set (huge_file with the filesystem-block-units flag),
// in which case it is in filesystem blocks.
func (i *inode) BlocksCount() uint64 { return i.blocks }

// SetBlocksCount sets the inode's block count, in the same units as
// BlocksCount reports (512-byte sectors, or filesystem blocks if
// filesystemBlocks is set).
func (i *inode) SetBlocksCount(n uint64) { i.blocks = n }

func (i *inode) equal(a *inode) bool {
	if (i == nil && a != nil) || (a == nil && i != nil) {
		return false
	}
	if i == nil && a == nil {
		return true
	}
	return i.number == a.number && i.size == a.size && i.blocks == a.blocks && i.fileType == a.fileType
}

// inodeFromBytes create an inode struct from bytes
func inodeFromBytes(b []byte, sb *superblock, number int64) (*inode, error) {
	owner := make([]byte, 4)
	fileSize := make([]byte, 8)
	group := make([]byte, 4)
	accessTime := make([]byte, 8)
	changeTime := make([]byte, 8)
	modifyTime := make([]byte, 8)
	createTime := make([]byte, 8)
	version := make([]byte, 8)
	extendedAttributeBlock := make([]byte, 8)
	checksumBytes := make([]byte, 4)

	// checksum before using the data
	copy(checksumBytes[0:2], b[0x7c:0x7e])
	copy(checksumBytes[2:4], b[0x82:0x84])
	// zero out checksum fields for the calculation
	work := append([]byte(nil), b...)
	work[0x7c] = 0
	work[0x7d] = 0
	work[0x82] = 0
	work[0x83] = 0

	checksum := binary.LittleEndian.Uint32(checksumBytes)
	uuidBytes, err := superblockUUIDBytes(sb)
	if err != nil {
		return nil, err
	}
	actualChecksum := inodeChecksum(work, uuidBytes, uint64(number))

	if sb.features.metadataChecksums && actualChecksum != checksum {
		return nil, fmt.Errorf("checksum mismatch for inode %d, on-disk %x vs calculated %x", number, checksum, actualChecksum)
	}

	mode := binary.LittleEndian.Uint16(b[0x0:0x2])

	copy(owner[0:2], b[0x2:0x4])
	copy(owner[2:4], b[0x78:0x7a])
	copy(group[0:2], b[0x18:0x1a])
	copy(group[2:4], b[0x7a:0x7c])
	copy(fileSize[0:4], b[0x4:0x8])
	copy(fileSize[4:8], b[0x6c:0x70])
	copy(version[0:4], b[0x24:0x28])
	copy(version[4:8], b[0x98:0x9c])
	copy(extendedAttributeBlock[0:4], b[0x68:0x6c])
	copy(extendedAttributeBlock[4:6], b[0x76:0x78])

	// times: 32 bits of seconds, 2 bits extra seconds, 30 bits of nanoseconds
	copy(accessTime[0:4], b[0x8:0xc])
	accessTime[4] = b[0x8c] & 0x3
	copy(changeTime[0:4], b[0xc:0x10])
	changeTime[4] = b[0x84] & 0x3
	copy(modifyTime[0:4], b[0x10:0x14])
	modifyTime[4] = b[0x88] & 0x3
	copy(createTime[0:4], b[0x90:0x94])
	createTime[4] = b[0x94] & 0x3

	accessTimeSeconds := int64(binary.LittleEndian.Uint64(accessTime))
	changeTimeSeconds := int64(binary.LittleEndian.Uint64(changeTime))
	modifyTimeSeconds := int64(binary.LittleEndian.Uint64(modifyTime))
	createTimeSeconds := int64(binary.LittleEndian.Uint64(createTime))

	accessTimeNanoseconds := binary.LittleEndian.Uint32(b[0x8c:0x90]) >> 2
	changeTimeNanoseconds := binary.LittleEndian.Uint32(b[0x84:0x88]) >> 2
	modifyTimeNanoseconds := binary.LittleEndian.Uint32(b[0x88:0x8c]) >> 2
	createTimeNanoseconds := binary.LittleEndian.Uint32(b[0x94:0x98]) >> 2

	flagsNum := binary.LittleEndian.Uint32(b[0x20:0x24])
	flags := parseInodeFlags(flagsNum)

	blocksLow := binary.LittleEndian.Uint32(b[0x1c:0x20])
	blocksHigh := binary.LittleEndian.Uint16(b[0x74:0x76])
	var (
		blocks           uint64
		filesystemBlocks bool
	)

	hugeFile := sb.features.hugeFile
	switch {
	case !hugeFile:
		blocks = uint64(blocksLow)
		filesystemBlocks = false
	case hugeFile && !flags.hugeFile:
		blocks = uint64(blocksHigh)<<32 + uint64(blocksLow)
		filesystemBlocks = false
	default:
		blocks = uint64(blocksHigh)<<32 + uint64(blocksLow)
		filesystemBlocks = true
	}

	tree, err := parseExtentTree(b[0x28:0x64], 0)
	if err != nil {
		return nil, fmt.Errorf("error parsing extent tree: %v", err)
	}

	in := inode{
		number:                      uint64(number),
		permissionsGroup:            parseGroupPermissions(mode),
		permissionsOwner:            parseOwnerPermissions(mode),
		permissionsOther:            parseOtherPermissions(mode),
		fileType:                    parseFileType(mode),
		owner:                       binary.LittleEndian.Uint32(owner),
		group:                       binary.LittleEndian.Uint32(group),
		size:                        binary.LittleEndian.Uint64(fileSize),
		hardLinks:                   binary.LittleEndian.Uint16(b[0x1a:0x1c]),
		blocks:                      blocks,
		filesystemBlocks:            filesystemBlocks,
		flags:                       &flags,
		nfsFileVersion:              binary.LittleEndian.Uint32(b[0x64:0x68]),
		version:                     binary.LittleEndian.Uint64(version),
		inodeSize:                   binary.LittleEndian.Uint16(b[0x80:0x82]) + 128,
		deletionTime:                binary.LittleEndian.Uint32(b[0x14:0x18]),
		accessTimeSeconds:           accessTimeSeconds,
		changeTimeSeconds:           changeTimeSeconds,
		creationTimeSeconds:         createTimeSeconds,
		modificationTimeSeconds:     modifyTimeSeconds,
		accessTimeNanoseconds:       accessTimeNanoseconds,
		changeTimeNanoseconds:       changeTimeNanoseconds,
		creationTimeNanoseconds:     createTimeNanoseconds,
		modificationTimeNanoseconds: modifyTimeNanoseconds,
		extendedAttributeBlock:      binary.LittleEndian.Uint64(extendedAttributeBlock),
		extents:                     tree,
	}

	return &in, nil
}

// toBytes returns an inode ready to be written to disk
func (i *inode) toBytes(sb *superblock) ([]byte, error) {
	iSize := sb.inodeSize
	b := make([]byte, iSize)

	mode := make([]byte, 2)
	owner := make([]byte, 4)
	fileSize := make([]byte, 8)
	group := make([]byte, 4)
	accessTime := make([]byte, 8)
	changeTime := make([]byte, 8)
	modifyTime := make([]byte, 8)
	createTime := make([]byte, 8)
	version := make([]byte, 8)
	extendedAttributeBlock := make([]byte, 8)

	binary.LittleEndian.PutUint16(mode, i.permissionsGroup.toGroupInt()|i.permissionsOther.toOtherInt()|i.permissionsOwner.toOwnerInt()|uint16(i.fileType))
	binary.LittleEndian.PutUint32(owner, i.owner)
	binary.LittleEndian.PutUint32(group, i.group)
	binary.LittleEndian.PutUint64(fileSize, i.size)
	binary.LittleEndian.PutUint64(version, i.version)
	binary.LittleEndian.PutUint64(extendedAttributeBlock, i.extendedAttributeBlock)

	binary.LittleEndian.PutUint64(accessTime, uint64(i.accessTimeSeconds))
	binary.LittleEndian.PutUint32(accessTime[4:8], i.accessTimeNanoseconds<<2)
	binary.LittleEndian.PutUint64(createTime, uint64(i.creationTimeSeconds))
	binary.LittleEndian.PutUint32(createTime[4:8], i.creationTimeNanoseconds<<2)
	binary.LittleEndian.PutUint64(changeTime, uint64(i.changeTimeSeconds))
	binary.LittleEndian.PutUint32(changeTime[4:8], i.changeTimeNanoseconds<<2)
	binary.LittleEndian.PutUint64(modifyTime, uint64(i.modificationTimeSeconds))
	binary.LittleEndian.PutUint32(modifyTime[4:8], i.modificationTimeNanoseconds<<2)

	blocks := make([]byte, 8)
	binary.LittleEndian.PutUint64(blocks, i.blocks)

	copy(b[0x0:0x2], mode)
	copy(b[0x2:0x4], owner[0:2])
	copy(b[0x4:0x8], fileSize[0:4])
	copy(b[0x8:0xc], accessTime[0:4])
	copy(b[0xc:0x10], changeTime[0:4])
	copy(b[0x10:0x14], modifyTime[0:4])

	binary.LittleEndian.PutUint32(b[0x14:0x18], i.deletionTime)
	copy(b[0x18:0x1a], group[0:2])
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], i.hardLinks)
	copy(b[0x1c:0x20], blocks[0:4])
	if i.flags != nil {
		binary.LittleEndian.PutUint32(b[0x20:0x24], i.flags.toInt())
	}
	copy(b[0x24:0x28], version[0:4])
	if i.extents != nil {
		copy(b[0x28:0x64], i.extents.toBytes())
	}
	binary.LittleEndian.PutUint32(b[0x64:0x68], i.nfsFileVersion)
	copy(b[0x68:0x6c], extendedAttributeBlock[0:4])
	copy(b[0x6c:0x70], fileSize[4:8])
	// b[0x70:0x74] is obsolete
	copy(b[0x74:0x76], blocks[4:8])
	copy(b[0x76:0x78], extendedAttributeBlock[4:6])
	copy(b[0x78:0x7a], owner[2:4])
	copy(b[0x7a:0x7c], group[2:4])
	// b[0x7c:0x7e] and b[0x82:0x84] hold the checksum, filled in below
	binary.LittleEndian.PutUint16(b[0x80:0x82], i.inodeSize-128)
	copy(b[0x84:0x88], changeTime[4:8])
	copy(b[0x88:0x8c], modifyTime[4:8])
	copy(b[0x8c:0x90], accessTime[4:8])
	copy(b[0x90:0x94], createTime[0:4])
	copy(b[0x94:0x98], createTime[4:8])

	uuidBytes, err := superblockUUIDBytes(sb)
	if err != nil {
		return nil, err
	}
	actualChecksum := inodeChecksum(b, uuidBytes, i.number)
	checksum := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksum, actualChecksum)
	copy(b[0x7c:0x7e], checksum[0:2])
	copy(b[0x82:0x84], checksum[2:4])

	return b, nil
}

func parseOwnerPermissions(mode uint16) filePermissions {
	return filePermissions{
		execute: mode&filePermissionsOwnerExecute == filePermissionsOwnerExecute,
		write:   mode&filePermissionsOwnerWrite == filePermissionsOwnerWrite,
		read:    mode&filePermissionsOwnerRead == filePermissionsOwnerRead,
	}
}
func parseGroupPermissions(mode uint16) filePermissions {
	return filePermissions{
		execute: mode&filePermissionsGroupExecute == filePermissionsGroupExecute,
		write:   mode&filePermissionsGroupWrite == filePermissionsGroupWrite,
		read:    mode&filePermissionsGroupRead == filePermissionsGroupRead,
	}
}
func parseOtherPermissions(mode uint16) filePermissions {
	return filePermissions{
		execute: mode&filePermissionsOtherExecute == filePermissionsOtherExecute,
		write:   mode&filePermissionsOtherWrite == filePermissionsOtherWrite,
		read:    mode&filePermissionsOtherRead == filePermissionsOtherRead,
	}
}
func (fp *filePermissions) toOwnerInt() uint16 {
	var m uint16
	if fp.execute {
		m |= filePermissionsOwnerExecute
	}
	if fp.write {
		m |= filePermissionsOwnerWrite
	}
	if fp.read {
		m |= filePermissionsOwnerRead
	}
	return m
}
func (fp *filePermissions) toOtherInt() uint16 {
	var m uint16
	if fp.execute {
		m |= filePermissionsOtherExecute
	}
	if fp.write {
		m |= filePermissionsOtherWrite
	}
	if fp.read {
		m |= filePermissionsOtherRead
	}
	return m
}
func (fp *filePermissions) toGroupInt() uint16 {
	var m uint16
	if fp.execute {
		m |= filePermissionsGroupExecute
	}
	if fp.write {
		m |= filePermissionsGroupWrite
	}
	if fp.read {
		m |= filePermissionsGroupRead
	}
	return m
}
func parseFileType(mode uint16) fileType {
	var f fileType
	switch {
	case mode&fileTypeFifo == fileTypeFifo:
		f = fileTypeFifo
	case mode&fileTypeBlockDevice == fileTypeBlockDevice:
		f = fileTypeBlockDevice
	case mode&fileTypeCharacterDevice == fileTypeCharacterDevice:
		f = fileTypeCharacterDevice
	case mode&fileTypeDirectory == fileTypeDirectory:
		f = fileTypeDirectory
	case mode&fileTypeRegularFile == fileTypeRegularFile:
		f = fileTypeRegularFile
	case mode&fileTypeSocket == fileTypeSocket:
		f = fileTypeSocket
	case mode&fileTypeSymbolicLink == fileTypeSymbolicLink:
		f = fileTypeSymbolicLink
	}
	return f
}

func parseInodeFlags(flags uint32) inodeFlags {
	return inodeFlags{
		secureDeletion:          flags&uint32(inodeFlagSecureDeletion) == uint32(inodeFlagSecureDeletion),
		preserveForUndeletion:   flags&uint32(inodeFlagPreserveForUndeletion) == uint32(inodeFlagPreserveForUndeletion),
		compressed:              flags&uint32(inodeFlagCompressed) == uint32(inodeFlagCompressed),
		synchronous:             flags&uint32(inodeFlagSynchronous) == uint32(inodeFlagSynchronous),
		immutable:               flags&uint32(inodeFlagImmutable) == uint32(inodeFlagImmutable),
		appendOnly:              flags&uint32(inodeFlagAppendOnly) == uint32(inodeFlagAppendOnly),
		noDump:                  flags&uint32(inodeFlagNoDump) == uint32(inodeFlagNoDump),
		noAccessTimeUpdate:      flags&uint32(inodeFlagNoAccessTimeUpdate) == uint32(inodeFlagNoAccessTimeUpdate),
		dirtyCompressed:         flags&uint32(inodeFlagDirtyCompressed) == uint32(inodeFlagDirtyCompressed),
		compressedClusters:      flags&uint32(inodeFlagCompressedClusters) == uint32(inodeFlagCompressedClusters),
		noCompress:              flags&uint32(inodeFlagNoCompress) == uint32(inodeFlagNoCompress),
		encryptedInode:          flags&uint32(inodeFlagEncryptedInode) == uint32(inodeFlagEncryptedInode),
		hashedDirectoryIndexes:  flags&uint32(inodeFlagHashedDirectoryIndexes) == uint32(inodeFlagHashedDirectoryIndexes),
		AFSMagicDirectory:       flags&uint32(inodeFlagAFSMagicDirectory) == uint32(inodeFlagAFSMagicDirectory),
		alwaysJournal:           flags&uint32(inodeFlagAlwaysJournal) == uint32(inodeFlagAlwaysJournal),
		noMergeTail:             flags&uint32(inodeFlagNoMergeTail) == uint32(inodeFlagNoMergeTail),
		syncDirectoryData:       flags&uint32(inodeFlagSyncDirectoryData) == uint32(inodeFlagSyncDirectoryData),
		topDirectory:            flags&uint32(inodeFlagTopDirectory) == uint32(inodeFlagTopDirectory),
		hugeFile:                flags&uint32(inodeFlagHugeFile) == uint32(inodeFlagHugeFile),
		usesExtents:             flags&uint32(inodeFlagUsesExtents) == uint32(inodeFlagUsesExtents),
		extendedAttributes:      flags&uint32(inodeFlagExtendedAttributes) == uint32(inodeFlagExtendedAttributes),
		blocksPastEOF:           flags&uint32(inodeFlagBlocksPastEOF) == uint32(inodeFlagBlocksPastEOF),
		snapshot:                flags&uint32(inodeFlagSnapshot) == uint32(inodeFlagSnapshot),
		deletingSnapshot:        flags&uint32(inodeFlagDeletingSnapshot) == uint32(inodeFlagDeletingSnapshot),
		completedSnapshotShrink: flags&uint32(inodeFlagCompletedSnapshotShrink) == uint32(inodeFlagCompletedSnapshotShrink),
		inlineData:              flags&uint32(inodeFlagInlineData) == uint32(inodeFlagInlineData),
		inheritProject:          flags&uint32(inodeFlagInheritProject) == uint32(inodeFlagInheritProject),
	}
}

func (f *inodeFlags) toInt() uint32 {
	var flags uint32
	if f.secureDeletion {
		flags |= uint32(inodeFlagSecureDeletion)
	}
	if f.preserveForUndeletion {
		flags |= uint32(inodeFlagPreserveForUndeletion)
	}
	if f.compressed {
		flags |= uint32(inodeFlagCompressed)
	}
	if f.synchronous {
		flags |= uint32(inodeFlagSynchronous)
	}
	if f.immutable {
		flags |= uint32(inodeFlagImmutable)
	}
	if f.appendOnly {
		flags |= uint32(inodeFlagAppendOnly)
	}
	if f.noDump {
		flags |= uint32(inodeFlagNoDump)
	}
	if f.noAccessTimeUpdate {
		flags |= uint32(inodeFlagNoAccessTimeUpdate)
	}
	if f.dirtyCompressed {
		flags |= uint32(inodeFlagDirtyCompressed)
	}
	if f.compressedClusters {
		flags |= uint32(inodeFlagCompressedClusters)
	}
	if f.noCompress {
		flags |= uint32(inodeFlagNoCompress)
	}
	if f.encryptedInode {
		flags |= uint32(inodeFlagEncryptedInode)
	}
	if f.hashedDirectoryIndexes {
		flags |= uint32(inodeFlagHashedDirectoryIndexes)
	}
	if f.AFSMagicDirectory {
		flags |= uint32(inodeFlagAFSMagicDirectory)
	}
	if f.alwaysJournal {
		flags |= uint32(inodeFlagAlwaysJournal)
	}
	if f.noMergeTail {
		flags |= uint32(inodeFlagNoMergeTail)
	}
	if f.syncDirectoryData {
		flags |= uint32(inodeFlagSyncDirectoryData)
	}
	if f.topDirectory {
		flags |= uint32(inodeFlagTopDirectory)
	}
	if f.hugeFile {
		flags |= uint32(inodeFlagHugeFile)
	}
	if f.usesExtents {
		flags |= uint32(inodeFlagUsesExtents)
	}
	if f.extendedAttributes {
		flags |= uint32(inodeFlagExtendedAttributes)
	}
	if f.blocksPastEOF {
		flags |= uint32(inodeFlagBlocksPastEOF)
	}
	if f.snapshot {
		flags |= uint32(inodeFlagSnapshot)
	}
	if f.deletingSnapshot {
		flags |= uint32(inodeFlagDeletingSnapshot)
	}
	if f.completedSnapshotShrink {
		flags |= uint32(inodeFlagCompletedSnapshotShrink)
	}
	if f.inlineData {
		flags |= uint32(inodeFlagInlineData)
	}
	if f.inheritProject {
		flags |= uint32(inodeFlagInheritProject)
	}
	return flags
}

// parseExtentTree parses the 60-byte i_block extent area of an inode.
// Only a depth-0 (leaf) tree is supported; an index node (depth > 0,
// pointing at further extent blocks on disk) is reported as an error
// rather than walked, since the allocator never builds one.
func parseExtentTree(b []byte, fileBlock uint32) (*extentTree, error) {
	minLength := extentTreeHeaderLength + extentTreeEntryLength
	if len(b) < minLength {
		return nil, fmt.Errorf("cannot parse extent tree from %d bytes, minimum required %d", len(b), minLength)
	}
	if binary.LittleEndian.Uint16(b[0:2]) != extentHeaderSignature {
		return nil, fmt.Errorf("invalid extent tree signature: %x", b[0x0:0x2])
	}
	e := extentTree{
		entries:   binary.LittleEndian.Uint16(b[0x2:0x4]),
		max:       binary.LittleEndian.Uint16(b[0x4:0x6]),
		depth:     binary.LittleEndian.Uint16(b[0x6:0x8]),
		fileBlock: fileBlock,
	}
	if e.depth != 0 {
		return nil, fmt.Errorf("extent tree depth %d not supported, only leaf (depth 0) extents are", e.depth)
	}

	e.extents = extents{extents: make([]extent, 0, e.entries)}
	for i := 0; i < int(e.entries); i++ {
		start := i*extentTreeEntryLength + extentTreeHeaderLength
		diskBlock := make([]byte, 8)
		copy(diskBlock[0:4], b[start+8:start+12])
		copy(diskBlock[4:6], b[start+6:start+8])
		e.extents.extents = append(e.extents.extents, extent{
			fileBlock:     binary.LittleEndian.Uint32(b[start : start+4]),
			count:         binary.LittleEndian.Uint16(b[start+4 : start+6]),
			startingBlock: binary.LittleEndian.Uint64(diskBlock),
		})
	}

	return &e, nil
}

// newExtentTree builds a fresh leaf extent tree out of es, which must hold
// at most extentInodeMaxEntries extents.
func newExtentTree(es []extent) (*extentTree, error) {
	if len(es) > extentInodeMaxEntries {
		return nil, fmt.Errorf("%d extents exceeds the %d an inode can hold directly; multi-level extent trees are not supported", len(es), extentInodeMaxEntries)
	}
	return &extentTree{
		depth:   0,
		entries: uint16(len(es)),
		max:     uint16(extentInodeMaxEntries),
		extents: extents{extents: es},
	}, nil
}

// appendExtents returns a new extent tree holding tree's extents (if any)
// plus es. Fails if the combined count would exceed what an inode can hold
// directly.
func appendExtents(tree *extentTree, es []extent) (*extentTree, error) {
	if tree == nil {
		return newExtentTree(es)
	}
	combined := append(append([]extent{}, tree.extents.extents...), es...)
	return newExtentTree(combined)
}

// toBytes returns the 60 bytes of a leaf extent tree, ready to be copied
// into an inode's i_block area.
func (e *extentTree) toBytes() []byte {
	b := make([]byte, 60)
	if e == nil {
		binary.LittleEndian.PutUint16(b[0x0:0x2], extentHeaderSignature)
		binary.LittleEndian.PutUint16(b[0x4:0x6], uint16(extentInodeMaxEntries))
		return b
	}

	binary.LittleEndian.PutUint16(b[0x0:0x2], extentHeaderSignature)
	binary.LittleEndian.PutUint16(b[0x2:0x4], e.entries)
	binary.LittleEndian.PutUint16(b[0x4:0x6], e.max)
	binary.LittleEndian.PutUint16(b[0x6:0x8], e.depth)

	for i, ext := range e.extents.extents {
		start := i*extentTreeEntryLength + extentTreeHeaderLength
		diskBlock := make([]byte, 8)
		binary.LittleEndian.PutUint64(diskBlock, ext.startingBlock)
		copy(b[start+8:start+12], diskBlock[0:4])
		copy(b[start+6:start+8], diskBlock[4:6])
		binary.LittleEndian.PutUint32(b[start:start+4], ext.fileBlock)
		binary.LittleEndian.PutUint16(b[start+4:start+6], ext.count)
	}

	return b
}

// getExtents returns the tree's extents, in file-block order.
func (e *extentTree) getExtents() *extents {
	if e == nil {
		return &extents{}
	}
	out := append([]extent{}, e.extents.extents...)
	return &extents{extents: out}
}

// blocks returns the total number of data blocks covered by the tree.
func (e *extentTree) blocks() uint64 {
	if e == nil {
		return 0
	}
	var n uint64
	for _, ext := range e.extents.extents {
		n += uint64(ext.count)
	}
	return n
}

// inodeChecksum calculates the crc32c checksum for an inode, over the
// volume UUID, the inode number, and the inode bytes (with the on-disk
// checksum fields zeroed).
func inodeChecksum(b, superblockUuid []byte, inodeNumber uint64) uint32 {
	numberBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(numberBytes, inodeNumber)

	input := make([]byte, 0, len(superblockUuid)+len(numberBytes)+len(b))
	input = append(input, superblockUuid...)
	input = append(input, numberBytes...)
	input = append(input, b...)

	table := crc32.MakeTable(crc32.Castagnoli)
	return crc32.Checksum(input, table)
}
