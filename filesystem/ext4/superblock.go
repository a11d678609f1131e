package ext4

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

type filesystemState uint16
type errorBehaviour uint16
type osFlag uint32
type feature uint32
type hashAlgorithm byte
type mountOption uint32
type flag uint32
type encryptionAlgorithm byte

const (
	// superblockSignature is the signature for every superblock
	superblockSignature uint16 = 0xef53
	// optional states for the filesystem
	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002
	fsStateOrphansRecovered filesystemState = 0x0004
	// how to handle errors
	errorsContinue        errorBehaviour = 1
	errorsRemountReadOnly errorBehaviour = 2
	errorsPanic           errorBehaviour = 3
	// checksum type
	crc32c byte = 1
	// oses
	osLinux   osFlag = 0
	osHurd    osFlag = 1
	osMasix   osFlag = 2
	osFreeBSD osFlag = 3
	osLites   osFlag = 4
	// compatible, incompatible, and compatibleReadOnly feature flags
	compatFeatureDirectoryPreAllocate               feature = 0x1
	compatFeatureImagicInodes                       feature = 0x2
	compatFeatureHasJournal                         feature = 0x4
	compatFeatureExtendedAttributes                 feature = 0x8
	compatFeatureReservedGDTBlocksForExpansion      feature = 0x10
	compatFeatureDirectoryIndices                   feature = 0x20
	compatFeatureLazyBlockGroup                     feature = 0x40
	compatFeatureExcludeInode                       feature = 0x80
	compatFeatureExcludeBitmap                      feature = 0x100
	compatFeatureSparseSuperBlockV2                 feature = 0x200
	incompatFeatureCompression                      feature = 0x1
	incompatFeatureDirectoryEntriesRecordFileType   feature = 0x2
	incompatFeatureRecoveryNeeded                   feature = 0x4
	incompatFeatureSeparateJournalDevice            feature = 0x8
	incompatFeatureMetaBlockGroups                  feature = 0x10
	incompatFeatureExtents                          feature = 0x40
	incompatFeature64Bit                            feature = 0x80
	incompatFeatureMultipleMountProtection          feature = 0x100
	incompatFeatureFlexBlockGroups                  feature = 0x200
	incompatFeatureExtendedAttributeInodes          feature = 0x400
	incompatFeatureDataInDirectoryEntries           feature = 0x1000
	incompatFeatureMetadataChecksumSeedInSuperblock feature = 0x2000
	incompatFeatureLargeDirectory                   feature = 0x4000
	incompatFeatureDataInInode                      feature = 0x8000
	incompatFeatureEncryptInodes                    feature = 0x10000
	roCompatFeatureSparseSuperblock                 feature = 0x1
	roCompatFeatureLargeFile                        feature = 0x2
	roCompatFeatureBtreeDirectory                   feature = 0x4
	roCompatFeatureHugeFile                         feature = 0x8
	roCompatFeatureGDTChecksum                      feature = 0x10
	roCompatFeatureLargeSubdirectoryCount           feature = 0x20
	roCompatFeatureLargeInodes                      feature = 0x40
	roCompatFeatureSnapshot                         feature = 0x80
	roCompatFeatureQuota                            feature = 0x100
	roCompatFeatureBigalloc                         feature = 0x200
	roCompatFeatureMetadataChecksums                feature = 0x400
	roCompatFeatureReplicas                         feature = 0x800
	roCompatFeatureReadOnly                         feature = 0x1000
	roCompatFeatureProjectQuotas                    feature = 0x2000
	// hash algorithms for htree directory entries
	hashLegacy          hashAlgorithm = 0x0
	hashHalfMD4         hashAlgorithm = 0x1
	hashTea             hashAlgorithm = 0x2
	hashLegacyUnsigned  hashAlgorithm = 0x3
	hashHalfMD4Unsigned hashAlgorithm = 0x4
	hashTeaUnsigned     hashAlgorithm = 0x5
	// default mount options
	mountPrintDebugInfo                 mountOption = 0x1
	mountNewFilesGidContainingDirectory mountOption = 0x2
	mountUserspaceExtendedAttributes    mountOption = 0x4
	mountPosixACLs                      mountOption = 0x8
	mount16BitUIDs                      mountOption = 0x10
	mountJournalDataAndMetadata         mountOption = 0x20
	mountFlushBeforeJournal             mountOption = 0x40
	mountUnorderingDataMetadata         mountOption = 0x60
	mountDisableWriteFlushes            mountOption = 0x100
	mountTrackMetadataBlocks            mountOption = 0x200
	mountDiscardDeviceSupport           mountOption = 0x400
	mountDisableDelayedAllocation       mountOption = 0x800
	// miscellaneous flags
	flagSignedDirectoryHash   flag = 0x0001
	flagUnsignedDirectoryHash flag = 0x0002
	flagTestDevCode           flag = 0x0004
	// encryption algorithms
	encryptionAlgorithmInvalid   encryptionAlgorithm = 1
	encryptionAlgorithm256AESXTS encryptionAlgorithm = 2
	encryptionAlgorithm256AESGCM encryptionAlgorithm = 3
	encryptionAlgorithm256AESCBC encryptionAlgorithm = 4
)

// journalBackup is a backup in the superblock of the journal's inode i_block[] array and size
type journalBackup struct {
	iBlocks []uint32
	iSize   uint64
}

// mountOptions is a structure holding which default mount options are set
type mountOptions struct {
	printDebugInfo                 bool
	newFilesGidContainingDirectory bool
	userspaceExtendedAttributes    bool
	posixACLs                      bool
	use16BitUIDs                   bool
	journalDataAndMetadata         bool
	flushBeforeJournal             bool
	unorderingDataMetadata         bool
	disableWriteFlushes            bool
	trackMetadataBlocks            bool
	discardDeviceSupport           bool
	disableDelayedAllocation       bool
}

// superblock is a structure holding the ext4 superblock
type superblock struct {
	inodeCount                   uint32
	blockCount                   uint64
	reservedBlocks               uint64
	freeBlocks                   uint64
	freeInodes                   uint32
	firstDataBlock               uint32
	blockSize                    uint64
	clusterSize                  uint64
	blocksPerGroup               uint32
	clustersPerGroup             uint32
	inodesPerGroup               uint32
	mountTime                    time.Time
	writeTime                    time.Time
	mountCount                   uint16
	mountsToFsck                 uint16
	filesystemState              filesystemState
	errorBehaviour               errorBehaviour
	minorRevision                uint16
	lastCheck                    time.Time
	checkInterval                uint32
	creatorOS                    osFlag
	revisionLevel                uint32
	reservedBlocksDefaultUID     uint16
	reservedBlocksDefaultGID     uint16
	firstNonReservedInode        uint32
	inodeSize                    uint16
	blockGroup                   uint16
	features                     featureFlags
	uuid                         string
	volumeLabel                  string
	lastMountedDirectory         string
	algorithmUsageBitmap         uint32
	preallocationBlocks          byte
	preallocationDirectoryBlocks byte
	reservedGDTBlocks            uint16
	journalSuperblockUUID        string
	journalInode                 uint32
	journalDeviceNumber          uint32
	orphanedInodesStart          uint32
	hashTreeSeed                 []uint32
	hashVersion                  hashAlgorithm
	groupDescriptorSize          uint16
	defaultMountOptions          mountOptions
	firstMetablockGroup          uint32
	mkfsTime                     time.Time
	journalBackup                *journalBackup
	// 64-bit mode features
	inodeMinBytes                uint16
	inodeReserveBytes            uint16
	miscFlags                    miscFlags
	raidStride                   uint16
	multiMountPreventionInterval uint16
	multiMountProtectionBlock    uint64
	raidStripeWidth              uint32
	logGroupsPerFlex             uint64
	checksumType                 byte
	totalKBWritten               uint64
	snapshotInodeNumber          uint32
	snapshotID                   uint32
	snapshotReservedBlocks       uint64
	snapshotStartInode           uint32
	errorCount                   uint32
	errorFirstTime               time.Time
	errorFirstInode              uint32
	errorFirstBlock              uint64
	errorFirstFunction           string
	errorFirstLine               uint32
	errorLastTime                time.Time
	errorLastInode               uint32
	errorLastLine                uint32
	errorLastBlock               uint64
	errorLastFunction            string
	mountOptions                 string
	userQuotaInode               uint32
	groupQuotaInode              uint32
	overheadBlocks               uint32
	backupSuperblockBlockGroups  []uint32
	encryptionAlgorithms         []encryptionAlgorithm
	encryptionSalt               []byte
	lostFoundInode               uint32
	projectQuotaInode            uint32
	checksumSeed                 uint32
}

// equal compares two superblocks by their on-disk encoding, since the struct
// holds a slice-bearing journalBackup pointer and is not otherwise comparable
// with ==.
func (sb *superblock) equal(a *superblock) bool {
	if (sb == nil) != (a == nil) {
		return false
	}
	if sb == nil {
		return true
	}
	b1, err1 := sb.toBytes()
	b2, err2 := a.toBytes()
	if err1 != nil || err2 != nil {
		return false
	}
	if len(b1) != len(b2) {
		return false
	}
	for i := range b1 {
		if b1[i] != b2[i] {
			return false
		}
	}
	return true
}

// FreeBlocksCount returns the superblock's free block counter.
func (sb *superblock) FreeBlocksCount() uint64 { return sb.freeBlocks }

// SetFreeBlocksCount sets the superblock's free block counter.
func (sb *superblock) SetFreeBlocksCount(n uint64) { sb.freeBlocks = n }

// BlockSize returns the filesystem's block size in bytes.
func (sb *superblock) BlockSize() uint64 { return sb.blockSize }

// DescSize returns the size, in bytes, of one group descriptor.
func (sb *superblock) DescSize() int {
	if sb.features.fs64Bit {
		return groupDescriptorSize64Bit
	}
	return groupDescriptorSize
}

// superblockFromBytes creates a superblock struct from bytes
func superblockFromBytes(b []byte) (*superblock, error) {
	bLen := len(b)
	if bLen != int(SuperblockSize) {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", bLen, SuperblockSize)
	}

	// check the magic signature
	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, fmt.Errorf("erroneous signature at location 0x38 was %x instead of expected %x", actualSignature, superblockSignature)
	}

	sb := superblock{}

	// first read feature flags of various types
	compatFlags := feature(binary.LittleEndian.Uint32(b[0x5c:0x60]))
	incompatFlags := feature(binary.LittleEndian.Uint32(b[0x60:0x64]))
	roCompatFlags := feature(binary.LittleEndian.Uint32(b[0x64:0x68]))
	sb.features = parseFeatureFlags(compatFlags, incompatFlags, roCompatFlags)

	sb.inodeCount = binary.LittleEndian.Uint32(b[0:4])

	// block count, reserved block count and free blocks depend on whether the fs is 64-bit or not
	blockCount := make([]byte, 8)
	reservedBlocks := make([]byte, 8)
	freeBlocks := make([]byte, 8)

	copy(blockCount[0:4], b[0x4:0x8])
	copy(reservedBlocks[0:4], b[0x8:0xc])
	copy(freeBlocks[0:4], b[0xc:0x10])

	if sb.features.fs64Bit {
		copy(blockCount[4:8], b[0x150:0x154])
		copy(reservedBlocks[4:8], b[0x154:0x158])
		copy(freeBlocks[4:8], b[0x158:0x15c])
	}
	sb.blockCount = binary.LittleEndian.Uint64(blockCount)
	sb.reservedBlocks = binary.LittleEndian.Uint64(reservedBlocks)
	sb.freeBlocks = binary.LittleEndian.Uint64(freeBlocks)

	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	sb.blockSize = uint64(1) << (10 + binary.LittleEndian.Uint32(b[0x18:0x1c]))
	sb.clusterSize = uint64(1) << binary.LittleEndian.Uint32(b[0x1c:0x20])
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	if sb.features.bigalloc {
		sb.clustersPerGroup = binary.LittleEndian.Uint32(b[0x24:0x28])
	}
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.mountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0)
	sb.writeTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0)
	sb.mountCount = binary.LittleEndian.Uint16(b[0x34:0x36])
	sb.mountsToFsck = binary.LittleEndian.Uint16(b[0x36:0x38])

	sb.filesystemState = filesystemState(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.errorBehaviour = errorBehaviour(binary.LittleEndian.Uint16(b[0x3c:0x3e]))

	sb.minorRevision = binary.LittleEndian.Uint16(b[0x3e:0x40])
	sb.lastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0)
	sb.checkInterval = binary.LittleEndian.Uint32(b[0x44:0x48])

	sb.creatorOS = osFlag(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.revisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])
	sb.reservedBlocksDefaultUID = binary.LittleEndian.Uint16(b[0x50:0x52])
	sb.reservedBlocksDefaultGID = binary.LittleEndian.Uint16(b[0x52:0x54])

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
	sb.blockGroup = binary.LittleEndian.Uint16(b[0x5a:0x5c])

	voluuid, err := uuid.FromBytes(bytesToUUIDBytes(b[0x68:0x78]))
	if err != nil {
		return nil, fmt.Errorf("unable to read volume UUID: %v", err)
	}
	sb.uuid = voluuid.String()
	sb.volumeLabel = strings.TrimRight(string(b[0x78:0x88]), "\x00")
	sb.lastMountedDirectory = string(b[0x88:0xc8])
	sb.algorithmUsageBitmap = binary.LittleEndian.Uint32(b[0xc8:0xcc])

	sb.preallocationBlocks = b[0xcc]
	sb.preallocationDirectoryBlocks = b[0xcd]
	sb.reservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])

	journaluuid, err := uuid.FromBytes(bytesToUUIDBytes(b[0xd0:0xe0]))
	if err != nil {
		return nil, fmt.Errorf("unable to read journal UUID: %v", err)
	}
	sb.journalSuperblockUUID = journaluuid.String()
	sb.journalInode = binary.LittleEndian.Uint32(b[0xe0:0xe4])
	sb.journalDeviceNumber = binary.LittleEndian.Uint32(b[0xe4:0xe8])
	sb.orphanedInodesStart = binary.LittleEndian.Uint32(b[0xe8:0xec])

	sb.hashTreeSeed = []uint32{
		binary.LittleEndian.Uint32(b[0xec:0xf0]),
		binary.LittleEndian.Uint32(b[0xf0:0xf4]),
		binary.LittleEndian.Uint32(b[0xf4:0xf8]),
		binary.LittleEndian.Uint32(b[0xf8:0xfc]),
	}

	sb.hashVersion = hashAlgorithm(b[0xfc])

	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfd:0x100])

	sb.defaultMountOptions = parseMountOptions(binary.LittleEndian.Uint32(b[0x100:0x104]))
	sb.firstMetablockGroup = binary.LittleEndian.Uint32(b[0x104:0x108])
	sb.mkfsTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x108:0x10c])), 0)

	journalBackupType := b[0xfd]
	if journalBackupType == 0 {
		journalBackupArray := make([]uint32, 0, 15)
		startJournalBackup := 0x10c
		for i := 0; i < 15; i++ {
			start := startJournalBackup + 4*i
			end := startJournalBackup + 4*i + 4
			journalBackupArray = append(journalBackupArray, binary.LittleEndian.Uint32(b[start:end]))
		}
		iSizeBytes := make([]byte, 8)

		copy(iSizeBytes[0:4], b[startJournalBackup+4*16:startJournalBackup+4*17])
		copy(iSizeBytes[4:8], b[startJournalBackup+4*15:startJournalBackup+4*16])

		sb.journalBackup = &journalBackup{
			iSize:   binary.LittleEndian.Uint64(iSizeBytes),
			iBlocks: journalBackupArray,
		}
	}

	sb.inodeMinBytes = binary.LittleEndian.Uint16(b[0x15c:0x15e])
	sb.inodeReserveBytes = binary.LittleEndian.Uint16(b[0x15e:0x160])
	sb.miscFlags = parseMiscFlags(binary.LittleEndian.Uint32(b[0x160:0x164]))

	sb.raidStride = binary.LittleEndian.Uint16(b[0x164:0x166])
	sb.raidStripeWidth = binary.LittleEndian.Uint32(b[0x170:0x174])

	sb.multiMountPreventionInterval = binary.LittleEndian.Uint16(b[0x166:0x168])
	sb.multiMountProtectionBlock = binary.LittleEndian.Uint64(b[0x168:0x170])

	sb.logGroupsPerFlex = uint64(1) << b[0x174]

	sb.checksumType = b[0x175] // only valid one is 1
	if sb.features.metadataChecksums && sb.checksumType != crc32c {
		return nil, fmt.Errorf("cannot read superblock: invalid checksum type %d, only valid is %d", sb.checksumType, crc32c)
	}

	// b[0x176:0x178] are reserved padding

	sb.totalKBWritten = binary.LittleEndian.Uint64(b[0x178:0x180])

	sb.snapshotInodeNumber = binary.LittleEndian.Uint32(b[0x180:0x184])
	sb.snapshotID = binary.LittleEndian.Uint32(b[0x184:0x188])
	sb.snapshotReservedBlocks = binary.LittleEndian.Uint64(b[0x188:0x190])
	sb.snapshotStartInode = binary.LittleEndian.Uint32(b[0x190:0x194])

	// errors
	sb.errorCount = binary.LittleEndian.Uint32(b[0x194:0x198])
	sb.errorFirstTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x198:0x19c])), 0)
	sb.errorFirstInode = binary.LittleEndian.Uint32(b[0x19c:0x1a0])
	sb.errorFirstBlock = binary.LittleEndian.Uint64(b[0x1a0:0x1a8])
	sb.errorFirstFunction = string(b[0x1a8:0x1c8])
	sb.errorFirstLine = binary.LittleEndian.Uint32(b[0x1c8:0x1cc])
	sb.errorLastTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x1cc:0x1d0])), 0)
	sb.errorLastInode = binary.LittleEndian.Uint32(b[0x1d0:0x1d4])
	sb.errorLastLine = binary.LittleEndian.Uint32(b[0x1d4:0x1d8])
	sb.errorLastBlock = binary.LittleEndian.Uint64(b[0x1d8:0x1e0])
	sb.errorLastFunction = string(b[0x1e0:0x200])

	sb.mountOptions = string(b[0x200:0x240])
	sb.userQuotaInode = binary.LittleEndian.Uint32(b[0x240:0x244])
	sb.groupQuotaInode = binary.LittleEndian.Uint32(b[0x244:0x248])
	// overheadBlocks *always* is 0
	sb.overheadBlocks = binary.LittleEndian.Uint32(b[0x248:0x24c])
	sb.backupSuperblockBlockGroups = []uint32{
		binary.LittleEndian.Uint32(b[0x24c:0x250]),
		binary.LittleEndian.Uint32(b[0x250:0x254]),
	}
	sb.encryptionAlgorithms = make([]encryptionAlgorithm, 4)
	for i := 0; i < 4; i++ {
		sb.encryptionAlgorithms[i] = encryptionAlgorithm(b[0x254+i])
	}
	sb.encryptionSalt = append([]byte(nil), b[0x258:0x268]...)
	sb.lostFoundInode = binary.LittleEndian.Uint32(b[0x268:0x26c])
	sb.projectQuotaInode = binary.LittleEndian.Uint32(b[0x26c:0x270])

	sb.checksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])

	// b[0x274:0x3fc] are reserved for zero padding

	// checksum
	checksum := binary.LittleEndian.Uint32(b[0x3fc:0x400])

	// calculate the checksum and validate - we use crc32c
	if sb.features.metadataChecksums {
		actualChecksum := crc32c_update(crc32seed, b[0:0x3fc])
		if actualChecksum != checksum {
			return nil, fmt.Errorf("invalid superblock checksum, actual was %x, on disk was %x", actualChecksum, checksum)
		}
	}

	return &sb, nil
}

// toBytes returns a superblock ready to be written to disk
func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, SuperblockSize)

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)
	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0:4], sb.inodeCount)

	// block count, reserved block count and free blocks depend on whether the fs is 64-bit or not
	blockCount := make([]byte, 8)
	reservedBlocks := make([]byte, 8)
	freeBlocks := make([]byte, 8)

	binary.LittleEndian.PutUint64(blockCount, sb.blockCount)
	binary.LittleEndian.PutUint64(reservedBlocks, sb.reservedBlocks)
	binary.LittleEndian.PutUint64(freeBlocks, sb.freeBlocks)

	copy(b[0x4:0x8], blockCount[0:4])
	copy(b[0x8:0xc], reservedBlocks[0:4])
	copy(b[0xc:0x10], freeBlocks[0:4])

	if sb.features.fs64Bit {
		copy(b[0x150:0x154], blockCount[4:8])
		copy(b[0x154:0x158], reservedBlocks[4:8])
		copy(b[0x158:0x15c], freeBlocks[4:8])
	}

	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], log2Uint64(sb.blockSize)-10)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], log2Uint64(sb.clusterSize))

	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	if sb.features.bigalloc {
		binary.LittleEndian.PutUint32(b[0x24:0x28], sb.clustersPerGroup)
	}
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.mountsToFsck)

	binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(sb.filesystemState))
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], uint16(sb.errorBehaviour))

	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)

	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.reservedBlocksDefaultUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.reservedBlocksDefaultGID)

	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstNonReservedInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroup)

	uuidBytes, err := uuid.FromString(sb.uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid volume UUID: %s", sb.uuid)
	}
	copy(b[0x68:0x78], bytesToUUIDBytes(uuidBytes.Bytes()))

	ab, err := fixedASCIIBytes(sb.volumeLabel, 16)
	if err != nil {
		return nil, fmt.Errorf("error converting volume label to bytes: %v", err)
	}
	copy(b[0x78:0x88], ab)
	ab, err = fixedASCIIBytes(sb.lastMountedDirectory, 64)
	if err != nil {
		return nil, fmt.Errorf("error converting last mounted directory to bytes: %v", err)
	}
	copy(b[0x88:0xc8], ab)

	binary.LittleEndian.PutUint32(b[0xc8:0xcc], sb.algorithmUsageBitmap)

	b[0xcc] = sb.preallocationBlocks
	b[0xcd] = sb.preallocationDirectoryBlocks
	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)

	uuidBytes, err = uuid.FromString(sb.journalSuperblockUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid journal superblock UUID: %s", sb.journalSuperblockUUID)
	}
	copy(b[0xd0:0xe0], bytesToUUIDBytes(uuidBytes.Bytes()))

	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.journalInode)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.journalDeviceNumber)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.orphanedInodesStart)

	for i := 0; i < 4 && i < len(sb.hashTreeSeed); i++ {
		binary.LittleEndian.PutUint32(b[0xec+4*i:0xf0+4*i], sb.hashTreeSeed[i])
	}

	b[0xfc] = byte(sb.hashVersion)

	binary.LittleEndian.PutUint16(b[0xfd:0x100], sb.groupDescriptorSize)

	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions.toInt())
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.firstMetablockGroup)
	binary.LittleEndian.PutUint32(b[0x108:0x10c], uint32(sb.mkfsTime.Unix()))

	if sb.journalBackup != nil {
		b[0xfd] = 0
		startJournalBackup := 0x10c
		for i := 0; i < 15 && i < len(sb.journalBackup.iBlocks); i++ {
			start := startJournalBackup + 4*i
			end := startJournalBackup + 4*i + 4
			binary.LittleEndian.PutUint32(b[start:end], sb.journalBackup.iBlocks[i])
		}

		iSizeBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(iSizeBytes, sb.journalBackup.iSize)
		copy(b[startJournalBackup+4*16:startJournalBackup+4*17], iSizeBytes[0:4])
		copy(b[startJournalBackup+4*15:startJournalBackup+4*16], iSizeBytes[4:8])
	}

	binary.LittleEndian.PutUint16(b[0x15c:0x15e], sb.inodeMinBytes)
	binary.LittleEndian.PutUint16(b[0x15e:0x160], sb.inodeReserveBytes)
	binary.LittleEndian.PutUint32(b[0x160:0x164], sb.miscFlags.toInt())

	binary.LittleEndian.PutUint16(b[0x164:0x166], sb.raidStride)
	binary.LittleEndian.PutUint32(b[0x170:0x174], sb.raidStripeWidth)

	binary.LittleEndian.PutUint16(b[0x166:0x168], sb.multiMountPreventionInterval)
	binary.LittleEndian.PutUint64(b[0x168:0x170], sb.multiMountProtectionBlock)

	b[0x174] = byte(log2Uint64(sb.logGroupsPerFlex))

	b[0x175] = sb.checksumType // only valid one is 1

	// b[0x176:0x178] are reserved padding

	binary.LittleEndian.PutUint64(b[0x178:0x180], sb.totalKBWritten)

	binary.LittleEndian.PutUint32(b[0x180:0x184], sb.snapshotInodeNumber)
	binary.LittleEndian.PutUint32(b[0x184:0x188], sb.snapshotID)
	binary.LittleEndian.PutUint64(b[0x188:0x190], sb.snapshotReservedBlocks)
	binary.LittleEndian.PutUint32(b[0x190:0x194], sb.snapshotStartInode)

	// errors
	binary.LittleEndian.PutUint32(b[0x194:0x198], sb.errorCount)
	binary.LittleEndian.PutUint32(b[0x198:0x19c], uint32(sb.errorFirstTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x19c:0x1a0], sb.errorFirstInode)
	binary.LittleEndian.PutUint64(b[0x1a0:0x1a8], sb.errorFirstBlock)
	if fb, err := fixedASCIIBytes(sb.errorFirstFunction, 32); err == nil {
		copy(b[0x1a8:0x1c8], fb)
	}
	binary.LittleEndian.PutUint32(b[0x1c8:0x1cc], sb.errorFirstLine)
	binary.LittleEndian.PutUint32(b[0x1cc:0x1d0], uint32(sb.errorLastTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x1d0:0x1d4], sb.errorLastInode)
	binary.LittleEndian.PutUint32(b[0x1d4:0x1d8], sb.errorLastLine)
	binary.LittleEndian.PutUint64(b[0x1d8:0x1e0], sb.errorLastBlock)
	if fb, err := fixedASCIIBytes(sb.errorLastFunction, 32); err == nil {
		copy(b[0x1e0:0x200], fb)
	}

	if mb, err := fixedASCIIBytes(sb.mountOptions, 64); err == nil {
		copy(b[0x200:0x240], mb)
	}
	binary.LittleEndian.PutUint32(b[0x240:0x244], sb.userQuotaInode)
	binary.LittleEndian.PutUint32(b[0x244:0x248], sb.groupQuotaInode)
	// overheadBlocks *always* is 0
	binary.LittleEndian.PutUint32(b[0x248:0x24c], sb.overheadBlocks)
	if len(sb.backupSuperblockBlockGroups) >= 2 {
		binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
		binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	}
	for i := 0; i < 4 && i < len(sb.encryptionAlgorithms); i++ {
		b[0x254+i] = byte(sb.encryptionAlgorithms[i])
	}
	copy(b[0x258:0x268], sb.encryptionSalt)
	binary.LittleEndian.PutUint32(b[0x268:0x26c], sb.lostFoundInode)
	binary.LittleEndian.PutUint32(b[0x26c:0x270], sb.projectQuotaInode)

	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)

	// b[0x274:0x3fc] are reserved for zero padding

	// calculate the checksum and validate - we use crc32c
	if sb.features.metadataChecksums {
		actualChecksum := crc32c_update(crc32seed, b[0:0x3fc])
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], actualChecksum)
	}

	return b, nil
}

// log2Uint64 returns the base-2 logarithm of a power-of-two n.
func log2Uint64(n uint64) uint32 {
	var log uint32
	for n > 1 {
		n >>= 1
		log++
	}
	return log
}

func parseMountOptions(flags uint32) mountOptions {
	m := mountOptions{
		printDebugInfo:                 flags&uint32(mountPrintDebugInfo) == uint32(mountPrintDebugInfo),
		newFilesGidContainingDirectory: flags&uint32(mountNewFilesGidContainingDirectory) == uint32(mountNewFilesGidContainingDirectory),
		userspaceExtendedAttributes:    flags&uint32(mountUserspaceExtendedAttributes) == uint32(mountUserspaceExtendedAttributes),
		posixACLs:                      flags&uint32(mountPosixACLs) == uint32(mountPosixACLs),
		use16BitUIDs:                   flags&uint32(mount16BitUIDs) == uint32(mount16BitUIDs),
		journalDataAndMetadata:         flags&uint32(mountJournalDataAndMetadata) == uint32(mountJournalDataAndMetadata),
		flushBeforeJournal:             flags&uint32(mountFlushBeforeJournal) == uint32(mountFlushBeforeJournal),
		unorderingDataMetadata:         flags&uint32(mountUnorderingDataMetadata) == uint32(mountUnorderingDataMetadata),
		disableWriteFlushes:            flags&uint32(mountDisableWriteFlushes) == uint32(mountDisableWriteFlushes),
		trackMetadataBlocks:            flags&uint32(mountTrackMetadataBlocks) == uint32(mountTrackMetadataBlocks),
		discardDeviceSupport:           flags&uint32(mountDiscardDeviceSupport) == uint32(mountDiscardDeviceSupport),
		disableDelayedAllocation:       flags&uint32(mountDisableDelayedAllocation) == uint32(mountDisableDelayedAllocation),
	}
	return m
}

func (m *mountOptions) toInt() uint32 {
	var flags uint32

	if m.printDebugInfo {
		flags |= uint32(mountPrintDebugInfo)
	}
	if m.newFilesGidContainingDirectory {
		flags |= uint32(mountNewFilesGidContainingDirectory)
	}
	if m.userspaceExtendedAttributes {
		flags |= uint32(mountUserspaceExtendedAttributes)
	}
	if m.posixACLs {
		flags |= uint32(mountPosixACLs)
	}
	if m.use16BitUIDs {
		flags |= uint32(mount16BitUIDs)
	}
	if m.journalDataAndMetadata {
		flags |= uint32(mountJournalDataAndMetadata)
	}
	if m.flushBeforeJournal {
		flags |= uint32(mountFlushBeforeJournal)
	}
	if m.unorderingDataMetadata {
		flags |= uint32(mountUnorderingDataMetadata)
	}
	if m.disableWriteFlushes {
		flags |= uint32(mountDisableWriteFlushes)
	}
	if m.trackMetadataBlocks {
		flags |= uint32(mountTrackMetadataBlocks)
	}
	if m.discardDeviceSupport {
		flags |= uint32(mountDiscardDeviceSupport)
	}
	if m.disableDelayedAllocation {
		flags |= uint32(mountDisableDelayedAllocation)
	}

	return flags
}

// calculateBackupSuperblocks calculates which block groups should have backup
// superblocks under the sparse_super layout: group 1 and groups whose number
// is a power of 3, 5 or 7. Each key is the group number times blocksPerBG,
// below numblocks; group 0 is not included.
func calculateBackupSuperblocks(numblocks, blocksPerBG int64) map[int64]bool {
	backupSuperblocks := map[int64]bool{}

	for i := float64(0); ; i++ {
		block := int64(math.Pow(3, i)) * blocksPerBG
		if block >= numblocks {
			break
		}
		backupSuperblocks[block] = true
	}
	for i := float64(0); ; i++ {
		block := int64(math.Pow(5, i)) * blocksPerBG
		if block >= numblocks {
			break
		}
		backupSuperblocks[block] = true
	}
	for i := float64(0); ; i++ {
		block := int64(math.Pow(7, i)) * blocksPerBG
		if block >= numblocks {
			break
		}
		backupSuperblocks[block] = true
	}
	return backupSuperblocks
}
