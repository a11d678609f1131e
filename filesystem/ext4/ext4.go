package ext4

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dskfsx/ext4alloc/filesystem"
	"github.com/dskfsx/ext4alloc/util"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

// SectorSize indicates what the sector size in bytes is
type SectorSize uint16

// BlockGroupSize indicates how many blocks are in a group, standardly 8*block_size_in_bytes

const (
	// SectorSize512 is a sector size of 512 bytes, used as the logical size for all ext4 filesystems
	SectorSize512                SectorSize = 512
	minBlocksPerGroup            int64      = 256
	BootSectorSize               SectorSize = 2 * SectorSize512
	SuperblockSize               SectorSize = 2 * SectorSize512
	DefaultInodeRatio            int64      = 8192
	DefaultInodeSize             int64      = 256
	DefaultReservedBlocksPercent uint8      = 5
	DefaultVolumeName                       = "diskfs_ext4"
	maxBlocksPerExtent           int        = 32768
	million                      int64      = 1000000
	firstNonReservedInode        int64      = 11 // traditional
	rootInodeNumber              uint32     = 2

	minBlockLogSize int   = 10 /* 1024 */
	maxBlockLogSize int   = 16 /* 65536 */
	minBlockSize    int64 = (1 << minBlockLogSize)
	maxBlockSize    int64 = (1 << maxBlockLogSize)

	max32Num uint64 = (1 << 32)
)

// Params holds the tunables Create accepts for laying out a new filesystem.
// Anything left zero-valued falls back to an e2fsprogs-style default.
type Params struct {
	Uuid                  *uuid.UUID
	SectorsPerBlock       uint8
	BlocksPerGroup        int64
	InodeRatio            int64
	InodeCount            int64
	SparseSuperVersion    uint8
	Checksum              bool
	ClusterSize           int64
	ReservedBlocksPercent uint8
	VolumeName            string
	Features              []FeatureOpt
}

// FileSystem implements the filesystem.FileSystem interface for ext4.
type FileSystem struct {
	bootSector       []byte
	superblock       *superblock
	groupDescriptors *groupDescriptors
	size             int64
	start            int64
	file             util.File
}

// ceilDiv returns a/b rounded up to the nearest integer.
func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// Create creates an ext4 filesystem in a given file or device.
//
// f is the util.File to create the filesystem in, size is the size of the
// filesystem in bytes, start is how far in bytes from the beginning of f
// the filesystem begins, and sectorsize is the logical sector size to use.
//
// You are not required to create the filesystem on the entire disk: a 50MB
// filesystem can begin 2GB into a 20GB disk, which is how filesystems on
// disk partitions work.
//
// If sectorsize is 0 it defaults to 512 bytes; any other value must be
// exactly 512.
func Create(f util.File, size int64, start int64, sectorsize int64, p Params) (*FileSystem, error) {
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if size < Ext4MinSize {
		return nil, fmt.Errorf("requested size %d is smaller than minimum allowed ext4 size %d", size, Ext4MinSize)
	}
	sSize := sectorsize
	if sSize <= 0 {
		sSize = int64(SectorSize512)
	}

	fsuuid := p.Uuid
	if fsuuid == nil {
		generated := uuid.NewV4()
		fsuuid = &generated
	}

	sectorsPerBlock := int64(p.SectorsPerBlock)
	userProvidedBlocksize := sectorsPerBlock != 0
	if userProvidedBlocksize && (sectorsPerBlock < 2 || sectorsPerBlock > 128) {
		return nil, fmt.Errorf("invalid sectors per block %d, must be between 2 and 128", sectorsPerBlock)
	}
	if !userProvidedBlocksize {
		sectorsPerBlock = 2
	}
	blocksize := sectorsPerBlock * sSize
	numblocks := size / blocksize
	if !userProvidedBlocksize {
		sectorsPerBlock, blocksize, numblocks = recalculateBlocksize(numblocks, size)
	}

	blocksPerGroup := p.BlocksPerGroup
	switch {
	case blocksPerGroup <= 0:
		blocksPerGroup = blocksize * 8
	case blocksPerGroup < minBlocksPerGroup:
		return nil, fmt.Errorf("invalid number of blocks per group %d, must be at least %d", blocksPerGroup, minBlocksPerGroup)
	case blocksPerGroup > 8*blocksize:
		return nil, fmt.Errorf("invalid number of blocks per group %d, must be no larger than 8*blocksize of %d", blocksPerGroup, blocksize)
	case blocksPerGroup%8 != 0:
		return nil, fmt.Errorf("invalid number of blocks per group %d, must be divisible by 8", blocksPerGroup)
	}

	firstDataBlockFlag := int64(0)
	if blocksize == 1024 {
		firstDataBlockFlag = 1
	}

	groupCount := ceilDiv(numblocks-firstDataBlockFlag, blocksPerGroup)
	if groupCount < 1 {
		groupCount = 1
	}

	clusterSize := p.ClusterSize
	if clusterSize <= 0 {
		clusterSize = blocksize
	}

	inodeRatio := p.InodeRatio
	if inodeRatio <= 0 {
		inodeRatio = DefaultInodeRatio
	}
	if inodeRatio < blocksize {
		inodeRatio = blocksize
	}

	inodeCount := p.InodeCount
	switch {
	case inodeCount <= 0:
		inodeCount = (numblocks * blocksize) / inodeRatio
	case uint64(inodeCount) > max32Num:
		return nil, fmt.Errorf("requested %d inodes, greater than max %d", inodeCount, max32Num)
	}
	if inodeCount < groupCount {
		inodeCount = groupCount
	}
	inodesPerGroup := inodeCount / groupCount
	if inodesPerGroup < 1 {
		inodesPerGroup = 1
	}
	inodeCount = inodesPerGroup * groupCount

	reservedBlocksPercent := p.ReservedBlocksPercent
	if reservedBlocksPercent <= 0 {
		reservedBlocksPercent = DefaultReservedBlocksPercent
	}

	volumeName := p.VolumeName
	if volumeName == "" {
		volumeName = DefaultVolumeName
	}

	fflags := defaultFeatureFlags
	fflags.metadataChecksums = p.Checksum
	for _, flagopt := range p.Features {
		flagopt(&fflags)
	}
	mflags := defaultMiscFlags

	hashSeed := uuid.NewV4()
	seedBytes := hashSeed.Bytes()
	htreeSeed := []uint32{
		binary.LittleEndian.Uint32(seedBytes[0:4]),
		binary.LittleEndian.Uint32(seedBytes[4:8]),
		binary.LittleEndian.Uint32(seedBytes[8:12]),
		binary.LittleEndian.Uint32(seedBytes[12:16]),
	}

	backupGroups := map[int64]bool{0: true}
	if p.SparseSuperVersion == 2 {
		backupGroups[1] = true
		backupGroups[groupCount-1] = true
	} else {
		for g, v := range calculateBackupSuperblocks(groupCount, 1) {
			backupGroups[g] = v
		}
	}

	gdSize := int64(groupDescriptorSize)
	if fflags.fs64Bit {
		gdSize = int64(groupDescriptorSize64Bit)
	}
	gdtBlocksPerCopy := ceilDiv(groupCount*gdSize, blocksize)

	inodeTableBlocksPerGroup := ceilDiv(inodesPerGroup*DefaultInodeSize, blocksize)

	descriptors := make([]groupDescriptor, groupCount)
	bitmapsByGroup := make([]*blockGroup, groupCount)
	blockBitmapLocs := make([]int64, groupCount)
	inodeBitmapLocs := make([]int64, groupCount)
	inodeTableLocs := make([]int64, groupCount)
	rootDirBlock := int64(0)

	var freeBlocksTotal uint64
	var freeInodesTotal uint32

	for g := int64(0); g < groupCount; g++ {
		firstBlockOfGroup := firstDataBlockFlag + g*blocksPerGroup
		blocksInGroup := blocksPerGroup
		if g == groupCount-1 {
			blocksInGroup = numblocks - firstBlockOfGroup
		}

		metaBlocks := int64(0)
		if backupGroups[g] {
			metaBlocks = 1 + gdtBlocksPerCopy
		}
		reservedBlocksInGroup := metaBlocks + 2 + inodeTableBlocksPerGroup

		blockBitmapLoc := firstBlockOfGroup + metaBlocks
		inodeBitmapLoc := blockBitmapLoc + 1
		inodeTableLoc := inodeBitmapLoc + 1
		blockBitmapLocs[g] = blockBitmapLoc
		inodeBitmapLocs[g] = inodeBitmapLoc
		inodeTableLocs[g] = inodeTableLoc

		reservedForBitmap := reservedBlocksInGroup
		reservedInodes := uint(0)
		if g == 0 {
			rootDirBlock = firstBlockOfGroup + reservedBlocksInGroup
			reservedForBitmap++
			reservedInodes = uint(firstNonReservedInode - 1)
		}

		bg, err := newBlockGroupBitmaps(int(blocksize), int(g), uint(inodesPerGroup), uint(blocksInGroup), reservedInodes, uint(reservedForBitmap))
		if err != nil {
			return nil, fmt.Errorf("could not build bitmaps for block group %d: %v", g, err)
		}
		bitmapsByGroup[g] = bg

		freeBlocksInGroup := uint32(bg.blockBitmap.countClear())
		freeInodesInGroup := uint32(bg.inodeBitmap.countClear())

		descriptors[g] = groupDescriptor{
			is64bit:             fflags.fs64Bit,
			number:              uint64(g),
			blockBitmapLocation: uint64(blockBitmapLoc),
			inodeBitmapLocation: uint64(inodeBitmapLoc),
			inodeTableLocation:  uint64(inodeTableLoc),
			freeBlocks:          freeBlocksInGroup,
			freeInodes:          freeInodesInGroup,
		}
		if g == 0 {
			descriptors[g].usedDirectories = 1
		}

		freeBlocksTotal += uint64(freeBlocksInGroup)
		freeInodesTotal += freeInodesInGroup
	}

	gdt := groupDescriptors{descriptors: descriptors}

	now := time.Now()
	epoch := time.Unix(0, 0)
	sb := superblock{
		inodeCount:            uint32(inodeCount),
		blockCount:            uint64(numblocks),
		reservedBlocks:        uint64(numblocks) * uint64(reservedBlocksPercent) / 100,
		freeBlocks:            freeBlocksTotal,
		freeInodes:            freeInodesTotal, // the root directory's inode is among the reserved inodes already marked used
		firstDataBlock:        uint32(firstDataBlockFlag),
		blockSize:             uint64(blocksize),
		clusterSize:           uint64(clusterSize),
		blocksPerGroup:        uint32(blocksPerGroup),
		clustersPerGroup:      uint32(blocksPerGroup),
		inodesPerGroup:        uint32(inodesPerGroup),
		mountTime:             now,
		writeTime:             now,
		lastCheck:             now,
		mkfsTime:              now,
		filesystemState:       fsStateCleanlyUnmounted,
		errorBehaviour:        errorsContinue,
		creatorOS:             osLinux,
		revisionLevel:         1,
		firstNonReservedInode: uint32(firstNonReservedInode),
		inodeSize:             uint16(DefaultInodeSize),
		features:              fflags,
		uuid:                  fsuuid.String(),
		volumeLabel:           volumeName,
		lastMountedDirectory:  "/",
		hashTreeSeed:          htreeSeed,
		hashVersion:           hashHalfMD4,
		groupDescriptorSize:   uint16(gdSize),
		miscFlags:             mflags,
		checksumType:          crc32c,
		errorFirstTime:        epoch,
		errorLastTime:         epoch,
	}

	fs := &FileSystem{
		bootSector:       []byte{},
		superblock:       &sb,
		groupDescriptors: &gdt,
		size:             size,
		start:            start,
		file:             f,
	}

	// write bitmaps and zeroed inode tables for every group
	for g := int64(0); g < groupCount; g++ {
		bg := bitmapsByGroup[g]
		if err := fs.writeBlock(uint64(blockBitmapLocs[g]), bg.blockBitmapBytes()); err != nil {
			return nil, fmt.Errorf("could not write block bitmap for group %d: %v", g, err)
		}
		if err := fs.writeBlock(uint64(inodeBitmapLocs[g]), bg.inodeBitmapBytes()); err != nil {
			return nil, fmt.Errorf("could not write inode bitmap for group %d: %v", g, err)
		}
		zero := make([]byte, blocksize)
		for j := int64(0); j < inodeTableBlocksPerGroup; j++ {
			if err := fs.writeBlock(uint64(inodeTableLocs[g]+j), zero); err != nil {
				return nil, fmt.Errorf("could not write inode table block for group %d: %v", g, err)
			}
		}
	}

	// write the root directory's single data block and inode
	rootEntries := []*directoryEntry{
		{inode: rootInodeNumber, filename: ".", fileType: fileTypeDirectory},
		{inode: rootInodeNumber, filename: "..", fileType: fileTypeDirectory},
	}
	rootDir := Directory{
		directoryEntry: directoryEntry{inode: rootInodeNumber, filename: "/", fileType: fileTypeDirectory},
		root:           true,
		entries:        rootEntries,
	}
	rootBytes, err := rootDir.toBytes(int(blocksize))
	if err != nil {
		return nil, fmt.Errorf("could not serialize root directory: %v", err)
	}
	if err := fs.writeBlock(uint64(rootDirBlock), rootBytes); err != nil {
		return nil, fmt.Errorf("could not write root directory block: %v", err)
	}

	rootTree, err := newExtentTree([]extent{{fileBlock: 0, startingBlock: uint64(rootDirBlock), count: 1}})
	if err != nil {
		return nil, fmt.Errorf("could not build root directory extent tree: %v", err)
	}
	rootInode := inode{
		number:                  uint64(rootInodeNumber),
		permissionsOwner:        filePermissions{read: true, write: true, execute: true},
		permissionsGroup:        filePermissions{read: true, execute: true},
		permissionsOther:        filePermissions{read: true, execute: true},
		fileType:                fileTypeDirectory,
		size:                    uint64(len(rootBytes)),
		hardLinks:                2,
		blocks:                  uint64(blocksize) / inodeBlockUnit,
		flags:                   &inodeFlags{usesExtents: true},
		inodeSize:               uint16(DefaultInodeSize),
		accessTimeSeconds:       now.Unix(),
		changeTimeSeconds:       now.Unix(),
		creationTimeSeconds:     now.Unix(),
		modificationTimeSeconds: now.Unix(),
		extents:                 rootTree,
	}
	if err := fs.writeInode(&rootInode); err != nil {
		return nil, fmt.Errorf("could not write root directory inode: %v", err)
	}

	// write the superblock and group descriptor table to every backup location
	sbBytes, err := sb.toBytes()
	if err != nil {
		return nil, fmt.Errorf("could not convert superblock to bytes: %v", err)
	}
	gdtBytes, err := gdt.toBytes(fs.gdtChecksumType(), fsuuid.Bytes())
	if err != nil {
		return nil, fmt.Errorf("could not convert group descriptor table to bytes: %v", err)
	}
	for g := range backupGroups {
		blockOfCopy := firstDataBlockFlag + g*blocksPerGroup
		sbOffset := blockOfCopy * blocksize
		incr := int64(0)
		if g == 0 && blocksize != 1024 {
			// blocksize 1024 already reserves block 0 for the boot sector via
			// firstDataBlockFlag, so the superblock's block starts exactly at
			// byte 1024. Larger blocksizes share block 0 between the boot
			// sector and the superblock, so the superblock is offset within it.
			incr = int64(BootSectorSize)
		}
		if _, err := f.WriteAt(sbBytes, start+incr+sbOffset); err != nil {
			return nil, fmt.Errorf("could not write superblock copy at group %d: %v", g, err)
		}
		if _, err := f.WriteAt(gdtBytes, start+sbOffset+blocksize); err != nil {
			return nil, fmt.Errorf("could not write group descriptor table copy at group %d: %v", g, err)
		}
	}

	return fs, nil
}

// Read reads a filesystem from a given disk.
//
// file is the util.File the filesystem lives in, size is the size of the
// filesystem in bytes, start is how far in bytes from the beginning of file
// the filesystem begins, and sectorsize is the logical sector size.
func Read(file util.File, size int64, start int64, sectorsize int64) (*FileSystem, error) {
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if size < Ext4MinSize {
		return nil, fmt.Errorf("requested size is smaller than minimum allowed ext4 size %d", Ext4MinSize)
	}

	bs := make([]byte, BootSectorSize)
	n, err := file.ReadAt(bs, start)
	if err != nil {
		return nil, fmt.Errorf("could not read boot sector bytes from file: %v", err)
	}
	if uint16(n) < uint16(BootSectorSize) {
		return nil, fmt.Errorf("only could read %d boot sector bytes from file", n)
	}

	superblockBytes := make([]byte, SuperblockSize)
	n, err = file.ReadAt(superblockBytes, start+int64(BootSectorSize))
	if err != nil {
		return nil, fmt.Errorf("could not read superblock bytes from file: %v", err)
	}
	if uint16(n) < uint16(SuperblockSize) {
		return nil, fmt.Errorf("only could read %d superblock bytes from file", n)
	}

	sb, err := superblockFromBytes(superblockBytes)
	if err != nil {
		return nil, fmt.Errorf("could not interpret superblock data: %v", err)
	}

	groupCount := blockGroupCount(sb)
	gdSize := groupDescriptorSize
	if sb.features.fs64Bit {
		gdSize = groupDescriptorSize64Bit
	}
	gdtSize := int64(groupCount) * int64(gdSize)

	gdtBytes := make([]byte, gdtSize)
	n, err = file.ReadAt(gdtBytes, start+int64(gdtStartBlock(sb))*int64(sb.blockSize))
	if err != nil {
		return nil, fmt.Errorf("could not read group descriptor table bytes from file: %v", err)
	}
	if int64(n) < gdtSize {
		return nil, fmt.Errorf("only could read %d group descriptor table bytes from file instead of %d", n, gdtSize)
	}

	fsuuid, err := uuid.FromString(sb.uuid)
	if err != nil {
		return nil, fmt.Errorf("could not convert uuid %s to uuid bytes: %v", sb.uuid, err)
	}

	var checksumType gdtChecksumType
	switch {
	case sb.features.metadataChecksums:
		checksumType = gdtChecksumMetadata
	case sb.features.gdtChecksum:
		checksumType = gdtChecksumGdt
	default:
		checksumType = gdtChecksumNone
	}
	gdt, err := groupDescriptorsFromBytes(gdtBytes, sb.features.fs64Bit, int(groupCount), fsuuid.Bytes(), checksumType)
	if err != nil {
		return nil, fmt.Errorf("could not interpret group descriptor table data: %v", err)
	}

	return &FileSystem{
		bootSector:       bs,
		superblock:       sb,
		groupDescriptors: gdt,
		size:             size,
		start:            start,
		file:             file,
	}, nil
}

// Type returns the type code for the filesystem. Always returns filesystem.TypeExt4
func (fs *FileSystem) Type() filesystem.Type {
	return filesystem.TypeExt4
}

// Label returns the filesystem's volume label.
func (fs *FileSystem) Label() string {
	return fs.superblock.volumeLabel
}

// SetLabel sets and persists the filesystem's volume label.
func (fs *FileSystem) SetLabel(label string) error {
	fs.superblock.volumeLabel = label
	b, err := fs.superblock.toBytes()
	if err != nil {
		return fmt.Errorf("could not convert superblock to bytes: %v", err)
	}
	if _, err := fs.file.WriteAt(b, fs.start+int64(BootSectorSize)); err != nil {
		return fmt.Errorf("could not write superblock: %v", err)
	}
	return nil
}

// Mkdir make a directory at the given path. It is equivalent to `mkdir -p`, i.e. idempotent, in that:
//
// * It will make the entire tree path if it does not exist
// * It will not return an error if the path already exists
func (fs *FileSystem) Mkdir(p string) error {
	_, _, err := fs.readDirWithMkdir(p, true)
	return err
}

// ReadDir return the contents of a given directory in a given filesystem.
//
// Returns a slice of os.FileInfo with all of the entries in the directory.
//
// Will return an error if the directory does not exist or is a regular file and not a directory
func (fs *FileSystem) ReadDir(p string) ([]os.FileInfo, error) {
	_, entries, err := fs.readDirWithMkdir(p, false)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %s: %v", p, err)
	}
	ret := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		in, err := fs.readInode(int64(e.inode))
		if err != nil {
			return nil, fmt.Errorf("could not read inode %d at position %d in directory: %v", e.inode, i, err)
		}
		mode := os.FileMode(in.permissionsOwner.toOwnerInt() | in.permissionsGroup.toGroupInt() | in.permissionsOther.toOtherInt())
		if e.fileType&fileTypeDirectory == fileTypeDirectory {
			mode |= os.ModeDir
		}
		ret[i] = FileInfo{
			name:    e.filename,
			size:    int64(in.size),
			mode:    mode,
			modTime: time.Unix(in.modificationTimeSeconds, int64(in.modificationTimeNanoseconds)),
			isDir:   e.fileType&fileTypeDirectory == fileTypeDirectory,
		}
	}

	return ret, nil
}

// OpenFile returns an io.ReadWriter from which you can read the contents of a file
// or write contents to the file
//
// accepts normal os.OpenFile flags
//
// returns an error if the file does not exist and os.O_CREATE is not set
func (fs *FileSystem) OpenFile(p string, flag int) (filesystem.File, error) {
	dir := path.Dir(p)
	filename := path.Base(p)
	if dir == filename {
		return nil, fmt.Errorf("cannot open directory %s as file", p)
	}
	parentDir, entries, err := fs.readDirWithMkdir(dir, false)
	if err != nil {
		return nil, fmt.Errorf("could not read directory entries for %s: %v", dir, err)
	}

	var targetEntry *directoryEntry
	for _, e := range entries {
		if e.filename != filename {
			continue
		}
		if e.fileType&fileTypeDirectory == fileTypeDirectory {
			return nil, fmt.Errorf("cannot open directory %s as file", p)
		}
		targetEntry = e
		break
	}

	if targetEntry == nil {
		if flag&os.O_CREATE == 0 {
			return nil, fmt.Errorf("target file %s does not exist and was not asked to create", p)
		}
		targetEntry, err = fs.mkFile(parentDir, filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create file %s: %v", p, err)
		}
	}

	inodeNumber := targetEntry.inode
	in, err := fs.readInode(int64(inodeNumber))
	if err != nil {
		return nil, fmt.Errorf("could not read inode number %d: %v", inodeNumber, err)
	}
	offset := int64(0)
	if flag&os.O_APPEND == os.O_APPEND {
		offset = int64(in.size)
	}
	return &File{
		fs:             fs,
		directoryEntry: targetEntry,
		inode:          in,
		isReadWrite:    flag&os.O_RDWR != 0,
		isAppend:       flag&os.O_APPEND != 0,
		offset:         offset,
		filesystem:     fs,
	}, nil
}

// readInode reads a single inode from disk, given its 1-based inode number.
func (fs *FileSystem) readInode(inodeNumber int64) (*inode, error) {
	sb := fs.superblock
	inodeSize := sb.inodeSize
	inodesPerGroup := sb.inodesPerGroup
	bg := uint64(inodeNumber-1) / uint64(inodesPerGroup)
	if bg >= uint64(len(fs.groupDescriptors.descriptors)) {
		return nil, fmt.Errorf("inode %d is in block group %d, beyond the %d groups on this filesystem", inodeNumber, bg, len(fs.groupDescriptors.descriptors))
	}
	gd := fs.groupDescriptors.descriptors[bg]
	inodeTableBlock := gd.inodeTableLocation
	inodeBytes := make([]byte, inodeSize)
	byteStart := inodeTableBlock * sb.blockSize
	offsetInode := uint64(inodeNumber-1) % uint64(inodesPerGroup)
	offset := int64(offsetInode) * int64(inodeSize)
	read, err := fs.file.ReadAt(inodeBytes, fs.start+int64(byteStart)+offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read inode %d from offset %d of block %d from block group %d: %v", inodeNumber, offset, inodeTableBlock, bg, err)
	}
	if read != int(inodeSize) {
		return nil, fmt.Errorf("read %d bytes for inode %d instead of inode size of %d", read, inodeNumber, inodeSize)
	}
	return inodeFromBytes(inodeBytes, sb, inodeNumber)
}

// writeInode writes a single inode to disk.
func (fs *FileSystem) writeInode(i *inode) error {
	sb := fs.superblock
	inodeSize := sb.inodeSize
	inodesPerGroup := sb.inodesPerGroup
	bg := (i.number - 1) / uint64(inodesPerGroup)
	if bg >= uint64(len(fs.groupDescriptors.descriptors)) {
		return fmt.Errorf("inode %d is in block group %d, beyond the %d groups on this filesystem", i.number, bg, len(fs.groupDescriptors.descriptors))
	}
	gd := fs.groupDescriptors.descriptors[bg]
	inodeTableBlock := gd.inodeTableLocation
	byteStart := inodeTableBlock * sb.blockSize
	offsetInode := (i.number - 1) % uint64(inodesPerGroup)
	offset := int64(offsetInode) * int64(inodeSize)
	inodeBytes, err := i.toBytes(sb)
	if err != nil {
		return fmt.Errorf("could not convert inode to bytes: %v", err)
	}
	wrote, err := fs.file.WriteAt(inodeBytes, fs.start+int64(byteStart)+offset)
	if err != nil {
		return fmt.Errorf("failed to write inode %d at offset %d of block %d from block group %d: %v", i.number, offset, inodeTableBlock, bg, err)
	}
	if wrote != int(sb.inodeSize) {
		return fmt.Errorf("wrote %d bytes for inode %d instead of inode size of %d", wrote, i.number, sb.inodeSize)
	}
	return nil
}

// readDirectory reads the directory entries pointed at by dir's inode.
func (fs *FileSystem) readDirectory(dir *Directory) ([]*directoryEntry, error) {
	in, err := fs.readInode(int64(dir.directoryEntry.inode))
	if err != nil {
		return nil, fmt.Errorf("could not read inode %d for directory: %v", dir.directoryEntry.inode, err)
	}
	b, err := fs.readFileBytes(in)
	if err != nil {
		return nil, fmt.Errorf("error reading file bytes for inode %d: %v", in.number, err)
	}
	return parseDirEntries(b, fs)
}

// readFileBytes reads every byte addressed by an inode's extent tree, in
// file-block order.
func (fs *FileSystem) readFileBytes(in *inode) ([]byte, error) {
	exts := in.extents.getExtents().extents
	b := make([]byte, 0, in.size)
	for i, e := range exts {
		for j := uint64(0); j < uint64(e.count); j++ {
			block, err := fs.readBlock(e.startingBlock + j)
			if err != nil {
				return nil, fmt.Errorf("failed to read bytes for extent %d: %v", i, err)
			}
			b = append(b, block...)
		}
	}
	return b, nil
}

// mkSubdir creates a single-block subdirectory of parent, allocating a
// fresh inode and data block through the real allocator (allocateInode and
// AllocBlock), then links it into parent's entries.
func (fs *FileSystem) mkSubdir(parent *Directory, name string) (*directoryEntry, error) {
	parentInodeNumber := parent.directoryEntry.inode

	inodeNumber, err := fs.allocateInode(parentInodeNumber)
	if err != nil {
		return nil, fmt.Errorf("could not allocate inode for directory %s: %v", name, err)
	}

	inodeBG := uint64(inodeNumber-1) / uint64(fs.superblock.inodesPerGroup)
	goal := firstBlockOf(fs.superblock, inodeBG)
	// AllocBlock loads the inode to add the new block to its count, so an
	// empty inode goes into the table slot first.
	if err := fs.writeInode(&inode{number: uint64(inodeNumber), fileType: fileTypeDirectory, inodeSize: fs.superblock.inodeSize}); err != nil {
		return nil, fmt.Errorf("could not write inode for directory %s: %v", name, err)
	}
	dataBlock, err := fs.AllocBlock(inodeNumber, goal)
	if err != nil {
		return nil, fmt.Errorf("could not allocate data block for directory %s: %v", name, err)
	}

	newDir := Directory{
		directoryEntry: directoryEntry{inode: inodeNumber, filename: name, fileType: fileTypeDirectory},
		entries: []*directoryEntry{
			{inode: inodeNumber, filename: ".", fileType: fileTypeDirectory},
			{inode: parentInodeNumber, filename: "..", fileType: fileTypeDirectory},
		},
	}
	dirBytes, err := newDir.toBytes(int(fs.superblock.blockSize))
	if err != nil {
		return nil, fmt.Errorf("could not serialize directory %s: %v", name, err)
	}
	if err := fs.writeBlock(dataBlock, dirBytes); err != nil {
		return nil, fmt.Errorf("could not write data block for directory %s: %v", name, err)
	}

	tree, err := newExtentTree([]extent{{fileBlock: 0, startingBlock: dataBlock, count: 1}})
	if err != nil {
		return nil, fmt.Errorf("could not build extent tree for directory %s: %v", name, err)
	}

	now := time.Now()
	in := inode{
		number:                  uint64(inodeNumber),
		permissionsOwner:        filePermissions{read: true, write: true, execute: true},
		permissionsGroup:        filePermissions{read: true, execute: true},
		permissionsOther:        filePermissions{read: true, execute: true},
		fileType:                fileTypeDirectory,
		size:                    uint64(len(dirBytes)),
		hardLinks:                2,
		blocks:                  fs.superblock.blockSize / inodeBlockUnit,
		flags:                   &inodeFlags{usesExtents: true},
		inodeSize:               fs.superblock.inodeSize,
		accessTimeSeconds:       now.Unix(),
		changeTimeSeconds:       now.Unix(),
		creationTimeSeconds:     now.Unix(),
		modificationTimeSeconds: now.Unix(),
		extents:                 tree,
	}
	if err := fs.writeInode(&in); err != nil {
		return nil, fmt.Errorf("could not write inode for directory %s: %v", name, err)
	}
	if err := fs.scheduleInodeKeyIfEncrypted(&in); err != nil {
		return nil, fmt.Errorf("could not schedule key for directory %s: %v", name, err)
	}

	de := directoryEntry{inode: inodeNumber, filename: name, fileType: fileTypeDirectory}
	fs.checkNameHashCollision(parent, name)
	parent.entries = append(parent.entries, &de)
	if err := fs.writeDirectoryEntries(parent); err != nil {
		return nil, fmt.Errorf("could not update parent directory entries: %v", err)
	}

	return &de, nil
}

// checkNameHashCollision logs (at Debug, never a hard error) when name's
// htree hash collides with an existing sibling's. No htree indexed
// directories are written here, so a collision is harmless today, but the
// hash is still computed and compared on every insert the same way lwext4
// does before allocating a directory entry.
func (fs *FileSystem) checkNameHashCollision(parent *Directory, name string) {
	hash, _, err := fs.nameHash(name)
	if err != nil {
		logrus.Debugf("ext4: could not compute name hash for %q: %v", name, err)
		return
	}
	for _, e := range parent.entries {
		if e.filename == "." || e.filename == ".." {
			continue
		}
		existing, _, err := fs.nameHash(e.filename)
		if err != nil {
			continue
		}
		if existing == hash && e.filename != name {
			logrus.Debugf("ext4: name hash collision between %q and %q in directory inode %d", name, e.filename, parent.directoryEntry.inode)
		}
	}
}

// mkFile creates an empty regular file entry in parent. Its inode is
// allocated immediately; no data blocks are allocated, and File.Write
// returns an error, so the file stays empty.
func (fs *FileSystem) mkFile(parent *Directory, name string) (*directoryEntry, error) {
	parentInodeNumber := parent.directoryEntry.inode
	inodeNumber, err := fs.allocateInode(parentInodeNumber)
	if err != nil {
		return nil, fmt.Errorf("could not allocate inode for file %s: %v", name, err)
	}

	now := time.Now()
	in := inode{
		number:                  uint64(inodeNumber),
		permissionsOwner:        filePermissions{read: true, write: true},
		permissionsGroup:        filePermissions{read: true},
		permissionsOther:        filePermissions{read: true},
		fileType:                fileTypeRegularFile,
		hardLinks:                1,
		flags:                   &inodeFlags{usesExtents: true},
		inodeSize:               fs.superblock.inodeSize,
		accessTimeSeconds:       now.Unix(),
		changeTimeSeconds:       now.Unix(),
		creationTimeSeconds:     now.Unix(),
		modificationTimeSeconds: now.Unix(),
		extents:                 &extentTree{max: uint16(extentInodeMaxEntries)},
	}
	if err := fs.writeInode(&in); err != nil {
		return nil, fmt.Errorf("could not write inode for file %s: %v", name, err)
	}
	if err := fs.scheduleInodeKeyIfEncrypted(&in); err != nil {
		return nil, fmt.Errorf("could not schedule key for file %s: %v", name, err)
	}

	de := directoryEntry{inode: inodeNumber, filename: name, fileType: fileTypeRegularFile}
	fs.checkNameHashCollision(parent, name)
	parent.entries = append(parent.entries, &de)
	if err := fs.writeDirectoryEntries(parent); err != nil {
		return nil, fmt.Errorf("could not update parent directory entries: %v", err)
	}

	return &de, nil
}

// writeDirectoryEntries writes dir's in-memory entries back across its
// already-allocated data blocks. Growing a directory past the blocks it
// was created with is not supported: the directory/extent-tree layer here
// exists to exercise the allocator, not to be a complete ext4 driver.
func (fs *FileSystem) writeDirectoryEntries(dir *Directory) error {
	in, err := fs.readInode(int64(dir.directoryEntry.inode))
	if err != nil {
		return fmt.Errorf("could not read inode %d for directory: %v", dir.directoryEntry.inode, err)
	}
	b, err := dir.toBytes(int(fs.superblock.blockSize))
	if err != nil {
		return fmt.Errorf("could not serialize directory entries: %v", err)
	}

	blockSize := int(fs.superblock.blockSize)
	exts := in.extents.getExtents().extents
	offset := 0
	for _, e := range exts {
		for j := uint64(0); j < uint64(e.count) && offset < len(b); j++ {
			end := offset + blockSize
			if end > len(b) {
				end = len(b)
			}
			chunk := make([]byte, blockSize)
			copy(chunk, b[offset:end])
			if err := fs.writeBlock(e.startingBlock+j, chunk); err != nil {
				return err
			}
			offset += blockSize
		}
	}
	if offset < len(b) {
		return fmt.Errorf("directory inode %d outgrew its allocated blocks; growing a directory beyond its initial allocation is not supported", dir.directoryEntry.inode)
	}
	return nil
}

// readDirWithMkdir walks down a directory tree to the last entry in p,
// optionally creating missing directories along the way.
func (fs *FileSystem) readDirWithMkdir(p string, doMake bool) (*Directory, []*directoryEntry, error) {
	paths, err := splitPath(p)
	if err != nil {
		return nil, nil, err
	}

	currentDir := &Directory{
		directoryEntry: directoryEntry{inode: rootInodeNumber, filename: "/", fileType: fileTypeDirectory},
		root:           true,
	}
	entries, err := fs.readDirectory(currentDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read root directory: %v", err)
	}
	currentDir.entries = entries

	for i, subp := range paths {
		var next *directoryEntry
		for _, e := range entries {
			if e.filename != subp {
				continue
			}
			if e.fileType&fileTypeDirectory != fileTypeDirectory {
				return nil, nil, fmt.Errorf("cannot create directory at %s since it is a file", "/"+strings.Join(paths[0:i+1], "/"))
			}
			next = e
			break
		}

		if next == nil {
			if !doMake {
				return nil, nil, fmt.Errorf("path %s not found", "/"+strings.Join(paths[0:i+1], "/"))
			}
			created, err := fs.mkSubdir(currentDir, subp)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create subdirectory %s: %v", "/"+strings.Join(paths[0:i+1], "/"), err)
			}
			next = created
		}

		currentDir = &Directory{directoryEntry: *next}
		entries, err = fs.readDirectory(currentDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read directory %s: %v", "/"+strings.Join(paths[0:i+1], "/"), err)
		}
		currentDir.entries = entries
	}

	return currentDir, entries, nil
}

// splitPath splits an absolute path into its non-empty components.
func splitPath(p string) ([]string, error) {
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		return nil, fmt.Errorf("path %s must be absolute", p)
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return []string{}, nil
	}
	return strings.Split(cleaned, "/"), nil
}

// allocateInode finds and marks the next free inode, preferring parentInode's
// block group before scanning the rest of the filesystem in turn. Mirrors
// the block allocator's own group-then-sweep approach, just over the inode
// bitmap rather than the block bitmap.
func (fs *FileSystem) allocateInode(parentInode uint32) (uint32, error) {
	sb := fs.superblock
	groupCount := blockGroupCount(sb)
	startBG := uint64(0)
	if parentInode > 0 {
		startBG = uint64(parentInode-1) / uint64(sb.inodesPerGroup)
	}

	for i := uint64(0); i < groupCount; i++ {
		bgid := (startBG + i) % groupCount
		gr, err := fs.getBlockGroupRef(bgid)
		if err != nil {
			return 0, err
		}
		if gr.gd.freeInodes == 0 {
			if err := gr.release(); err != nil {
				return 0, err
			}
			continue
		}

		buf, err := fs.readBlock(gr.gd.inodeBitmapLocation)
		if err != nil {
			return 0, err
		}
		bm, err := bitmapFromBytes(buf, uint(sb.inodesPerGroup))
		if err != nil {
			return 0, err
		}
		idx, ok := bm.nextClear(0)
		if !ok {
			if err := gr.release(); err != nil {
				return 0, err
			}
			continue
		}

		bm.set(idx)
		if err := fs.writeBlock(gr.gd.inodeBitmapLocation, bm.toBytes()); err != nil {
			return 0, err
		}
		gr.gd.freeInodes--
		gr.setDirty()
		if err := gr.release(); err != nil {
			return 0, err
		}
		sb.freeInodes--

		return uint32(bgid*uint64(sb.inodesPerGroup) + uint64(idx) + 1), nil
	}

	return 0, fmt.Errorf("ext4: no free inodes")
}

// recalculateBlocksize picks a blocksize the way mke2fs does when the
// caller does not pin one: 1KB for small filesystems, 4KB otherwise.
func recalculateBlocksize(numblocks, size int64) (int64, int64, int64) {
	blocksize := int64(4096)
	if size < 512*MB {
		blocksize = 1024
	}
	sectorsPerBlock := blocksize / int64(SectorSize512)
	return sectorsPerBlock, blocksize, size / blocksize
}
