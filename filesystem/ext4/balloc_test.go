package ext4

import (
	"testing"

	"github.com/dskfsx/ext4alloc/disk"
)

// blockGroupFreeCount reads bgid's free-block count without leaving the
// handle dirty.
func blockGroupFreeCount(t *testing.T, fsys *FileSystem, bgid uint64) uint32 {
	t.Helper()
	gr, err := fsys.getBlockGroupRef(bgid)
	if err != nil {
		t.Fatalf("getBlockGroupRef(%d): %v", bgid, err)
	}
	n := gr.gd.FreeBlocksCount()
	if err := gr.release(); err != nil {
		t.Fatalf("release group %d: %v", bgid, err)
	}
	return n
}

// inodeBlocksCount reads inodeNumber's block count without leaving the
// handle dirty.
func inodeBlocksCount(t *testing.T, fsys *FileSystem, inodeNumber uint32) uint64 {
	t.Helper()
	ir, err := fsys.getInodeRef(inodeNumber)
	if err != nil {
		t.Fatalf("getInodeRef(%d): %v", inodeNumber, err)
	}
	n := ir.in.BlocksCount()
	if err := ir.release(); err != nil {
		t.Fatalf("release inode %d: %v", inodeNumber, err)
	}
	return n
}

// bitmapBitSet reports whether baddr's bit is set in its group's block
// bitmap, without leaving the handle dirty.
func bitmapBitSet(t *testing.T, fsys *FileSystem, baddr uint64) bool {
	t.Helper()
	bgid := bgidOf(fsys.superblock, baddr)
	bmr, err := fsys.getBlockBitmap(bgid)
	if err != nil {
		t.Fatalf("getBlockBitmap(%d): %v", bgid, err)
	}
	set := bmr.bm.test(uint(indexInGroup(fsys.superblock, baddr)))
	if err := bmr.release(); err != nil {
		t.Fatalf("release bitmap %d: %v", bgid, err)
	}
	return set
}

// TestAllocBlockThenFreeBlock exercises components D and F together
// (spec §8 properties 1 and 2): allocating a block must decrement the
// superblock, group, and inode counters by exactly one and set the bit;
// freeing it back must restore every one of those counters to its
// pre-allocation value and clear the bit.
func TestAllocBlockThenFreeBlock(t *testing.T) {
	fsys := newTestFileSystem(t)
	sb := fsys.superblock

	goal := firstBlockOf(sb, 0)
	bgid := bgidOf(sb, goal)

	sbFreeBefore := sb.FreeBlocksCount()
	groupFreeBefore := blockGroupFreeCount(t, fsys, bgid)
	inodeBlocksBefore := inodeBlocksCount(t, fsys, rootInodeNumber)

	baddr, err := fsys.AllocBlock(rootInodeNumber, goal)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if !bitmapBitSet(t, fsys, baddr) {
		t.Fatalf("bit for allocated block %d is not set", baddr)
	}
	if got, want := sb.FreeBlocksCount(), sbFreeBefore-1; got != want {
		t.Fatalf("superblock free blocks after alloc = %d, want %d", got, want)
	}
	if got, want := blockGroupFreeCount(t, fsys, bgid), groupFreeBefore-1; got != want {
		t.Fatalf("group %d free blocks after alloc = %d, want %d", bgid, got, want)
	}
	blockUnits := sb.blockSize / inodeBlockUnit
	if got, want := inodeBlocksCount(t, fsys, rootInodeNumber), inodeBlocksBefore+uint64(blockUnits); got != want {
		t.Fatalf("inode blocks after alloc = %d, want %d", got, want)
	}

	if err := fsys.FreeBlock(rootInodeNumber, baddr); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if bitmapBitSet(t, fsys, baddr) {
		t.Fatalf("bit for freed block %d is still set", baddr)
	}
	if got := sb.FreeBlocksCount(); got != sbFreeBefore {
		t.Fatalf("superblock free blocks after free = %d, want %d (pre-alloc)", got, sbFreeBefore)
	}
	if got := blockGroupFreeCount(t, fsys, bgid); got != groupFreeBefore {
		t.Fatalf("group %d free blocks after free = %d, want %d (pre-alloc)", bgid, got, groupFreeBefore)
	}
	if got := inodeBlocksCount(t, fsys, rootInodeNumber); got != inodeBlocksBefore {
		t.Fatalf("inode blocks after free = %d, want %d (pre-alloc)", got, inodeBlocksBefore)
	}
}

// TestTryAllocBlock covers scenario S5: try_one on a clear bit succeeds and
// allocates it; a repeat call on the same (now set) bit reports free=false
// and changes nothing.
func TestTryAllocBlock(t *testing.T) {
	fsys := newTestFileSystem(t)
	sb := fsys.superblock
	baddr := firstBlockOf(sb, 0) + uint64(blocksInGroupCnt(sb, 0)) - 1

	if bitmapBitSet(t, fsys, baddr) {
		t.Fatalf("precondition: block %d should start clear", baddr)
	}

	free, err := fsys.TryAllocBlock(rootInodeNumber, baddr)
	if err != nil {
		t.Fatalf("TryAllocBlock (first): %v", err)
	}
	if !free {
		t.Fatalf("TryAllocBlock (first) reported free=false on a clear bit")
	}
	if !bitmapBitSet(t, fsys, baddr) {
		t.Fatalf("block %d not set after successful TryAllocBlock", baddr)
	}
	groupFreeAfterFirst := blockGroupFreeCount(t, fsys, bgidOf(sb, baddr))
	inodeBlocksAfterFirst := inodeBlocksCount(t, fsys, rootInodeNumber)

	free, err = fsys.TryAllocBlock(rootInodeNumber, baddr)
	if err != nil {
		t.Fatalf("TryAllocBlock (repeat): %v", err)
	}
	if free {
		t.Fatalf("TryAllocBlock (repeat) reported free=true on an already-allocated bit")
	}
	if got := blockGroupFreeCount(t, fsys, bgidOf(sb, baddr)); got != groupFreeAfterFirst {
		t.Fatalf("group free count changed on a no-op repeat call: got %d, want %d", got, groupFreeAfterFirst)
	}
	if got := inodeBlocksCount(t, fsys, rootInodeNumber); got != inodeBlocksAfterFirst {
		t.Fatalf("inode blocks changed on a no-op repeat call: got %d, want %d", got, inodeBlocksAfterFirst)
	}
}

// TestFreeBlocksWithinGroup covers component E for a run that does not
// cross a block group boundary, and checks the inode's block count is
// decremented by the full freed amount, each freed block exactly once, not
// one block's worth per FreeBlocks call (§9 Open Question 3).
func TestFreeBlocksWithinGroup(t *testing.T) {
	fsys := newTestFileSystem(t)
	sb := fsys.superblock

	const n = 4
	last := firstBlockOf(sb, 1) - 1
	first := last - (n - 1)
	if bgidOf(sb, first) != bgidOf(sb, last) {
		t.Fatalf("test setup: [%d, %d] unexpectedly spans more than one group", first, last)
	}

	for b := first; b <= last; b++ {
		free, err := fsys.TryAllocBlock(rootInodeNumber, b)
		if err != nil {
			t.Fatalf("TryAllocBlock(%d): %v", b, err)
		}
		if !free {
			t.Fatalf("TryAllocBlock(%d): block unexpectedly already allocated", b)
		}
	}

	bgid := bgidOf(sb, first)
	sbFreeBefore := sb.FreeBlocksCount()
	groupFreeBefore := blockGroupFreeCount(t, fsys, bgid)
	inodeBlocksBefore := inodeBlocksCount(t, fsys, rootInodeNumber)

	if err := fsys.FreeBlocks(rootInodeNumber, first, n); err != nil {
		t.Fatalf("FreeBlocks: %v", err)
	}

	for b := first; b <= last; b++ {
		if bitmapBitSet(t, fsys, b) {
			t.Fatalf("block %d still set after FreeBlocks", b)
		}
	}
	if got, want := sb.FreeBlocksCount(), sbFreeBefore+n; got != want {
		t.Fatalf("superblock free blocks after FreeBlocks = %d, want %d", got, want)
	}
	if got, want := blockGroupFreeCount(t, fsys, bgid), groupFreeBefore+n; got != want {
		t.Fatalf("group %d free blocks after FreeBlocks = %d, want %d", bgid, got, want)
	}
	blockUnits := sb.blockSize / inodeBlockUnit
	wantInodeBlocks := inodeBlocksBefore - uint64(n)*uint64(blockUnits)
	if got := inodeBlocksCount(t, fsys, rootInodeNumber); got != wantInodeBlocks {
		t.Fatalf("inode blocks after FreeBlocks = %d, want %d (freed %d blocks exactly once each)", got, wantInodeBlocks, n)
	}
}

// TestFreeBlocksAcrossGroups covers scenario S6's valid case: with
// flex_bg enabled a range may legitimately span block groups, and
// freeBlocksInGroup must account each group's share correctly - this is
// the multi-group counterpart to TestFreeBlocksWithinGroup's single-group
// batching check.
func TestFreeBlocksAcrossGroups(t *testing.T) {
	fsys := newTestFileSystem(t)
	sb := fsys.superblock
	if !sb.features.flexBlockGroups {
		t.Fatalf("test requires flex_bg to be enabled by default")
	}
	if blockGroupCount(sb) < 2 {
		t.Fatalf("test requires at least two block groups")
	}

	// 3 blocks at the tail of group 0, plus group 1's own first block
	// (its backup superblock, already allocated by Create): 4 blocks total,
	// split 3/1 across the boundary.
	groupBoundary := firstBlockOf(sb, 1)
	first := groupBoundary - 3
	const n = 4

	if !bitmapBitSet(t, fsys, groupBoundary) {
		t.Fatalf("test setup: group 1's first block should already be allocated (its backup superblock)")
	}
	for b := first; b < groupBoundary; b++ {
		free, err := fsys.TryAllocBlock(rootInodeNumber, b)
		if err != nil {
			t.Fatalf("TryAllocBlock(%d): %v", b, err)
		}
		if !free {
			t.Fatalf("TryAllocBlock(%d): block unexpectedly already allocated", b)
		}
	}

	sbFreeBefore := sb.FreeBlocksCount()
	group0FreeBefore := blockGroupFreeCount(t, fsys, 0)
	group1FreeBefore := blockGroupFreeCount(t, fsys, 1)
	inodeBlocksBefore := inodeBlocksCount(t, fsys, rootInodeNumber)

	if err := fsys.FreeBlocks(rootInodeNumber, first, n); err != nil {
		t.Fatalf("FreeBlocks across groups: %v", err)
	}

	if got, want := sb.FreeBlocksCount(), sbFreeBefore+n; got != want {
		t.Fatalf("superblock free blocks after cross-group FreeBlocks = %d, want %d", got, want)
	}
	if got, want := blockGroupFreeCount(t, fsys, 0), group0FreeBefore+3; got != want {
		t.Fatalf("group 0 free blocks after cross-group FreeBlocks = %d, want %d", got, want)
	}
	if got, want := blockGroupFreeCount(t, fsys, 1), group1FreeBefore+1; got != want {
		t.Fatalf("group 1 free blocks after cross-group FreeBlocks = %d, want %d", got, want)
	}
	blockUnits := sb.blockSize / inodeBlockUnit
	wantInodeBlocks := inodeBlocksBefore - uint64(n)*uint64(blockUnits)
	if got := inodeBlocksCount(t, fsys, rootInodeNumber); got != wantInodeBlocks {
		t.Fatalf("inode blocks after cross-group FreeBlocks = %d, want %d (each freed block exactly once)", got, wantInodeBlocks)
	}
}

// TestFreeBlocksCrossGroupWithoutFlexBGPanics covers scenario S6's
// invalid case: a range crossing block groups without flex_bg violates a
// precondition the allocator asserts rather than silently mishandles.
func TestFreeBlocksCrossGroupWithoutFlexBGPanics(t *testing.T) {
	dev := disk.NewMemoryDevice(testFSSize, int64(SectorSize512))
	fsys, err := Create(dev, testFSSize, 0, 0, Params{
		Features: []FeatureOpt{WithFeatureFlexBlockGroups(false)},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sb := fsys.superblock
	if sb.features.flexBlockGroups {
		t.Fatalf("test setup: flex_bg should be disabled")
	}
	if blockGroupCount(sb) < 2 {
		t.Fatalf("test requires at least two block groups")
	}

	first := firstBlockOf(sb, 1) - 1

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("FreeBlocks did not panic on a cross-group range without flex_bg")
		}
	}()
	_ = fsys.FreeBlocks(rootInodeNumber, first, 2)
	t.Fatalf("unreachable: FreeBlocks should have panicked")
}

// TestBitmapChecksumStampedOnAllocAndFree covers invariant 5: once
// metadata_csum is on, every alloc/free that dirties a group's bitmap must
// leave the group descriptor's stored checksum equal to
// crc32c(crc32c(~0, fs_uuid), bitmap[0 .. blocks_per_group/8)), not whatever
// value was stamped at format time.
func TestBitmapChecksumStampedOnAllocAndFree(t *testing.T) {
	dev := disk.NewMemoryDevice(testFSSize, int64(SectorSize512))
	fsys, err := Create(dev, testFSSize, 0, 0, Params{
		Features: []FeatureOpt{WithFeatureMetadataChecksums(true)},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sb := fsys.superblock
	if !sb.features.metadataChecksums {
		t.Fatalf("test setup: metadata_csum should be enabled")
	}

	goal := firstBlockOf(sb, 0)
	baddr, err := fsys.AllocBlock(rootInodeNumber, goal)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	assertBitmapChecksumMatches(t, fsys, bgidOf(sb, baddr))

	if err := fsys.FreeBlock(rootInodeNumber, baddr); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	assertBitmapChecksumMatches(t, fsys, bgidOf(sb, baddr))
}

// assertBitmapChecksumMatches reads bgid's group descriptor from the
// in-memory table, reloads its bitmap from the device, and recomputes the checksum formula independently
// of stampBitmapChecksum, so the test fails if that function ever drifts
// from the formula it's supposed to implement.
func assertBitmapChecksumMatches(t *testing.T, fsys *FileSystem, bgid uint64) {
	t.Helper()
	gr, err := fsys.getBlockGroupRef(bgid)
	if err != nil {
		t.Fatalf("getBlockGroupRef(%d): %v", bgid, err)
	}
	want := gr.gd.BlockBitmapChecksum()
	if err := gr.release(); err != nil {
		t.Fatalf("release group %d: %v", bgid, err)
	}

	bmr, err := fsys.getBlockBitmap(bgid)
	if err != nil {
		t.Fatalf("getBlockBitmap(%d): %v", bgid, err)
	}
	got, err := computeBitmapChecksum(fsys.superblock, bmr.bm)
	if err != nil {
		t.Fatalf("computeBitmapChecksum: %v", err)
	}
	if err := bmr.release(); err != nil {
		t.Fatalf("release bitmap %d: %v", bgid, err)
	}

	if got != want {
		t.Fatalf("group %d bitmap checksum = %#08x, want %#08x (stored)", bgid, got, want)
	}
}

// TestBlocksBelowFirstDataBlockNeverAllocated covers invariant 6: with a
// 1024-byte block size first_data_block is 1, so absolute block 0 does not
// correspond to any in-group index the allocator can reach - bgidOf/
// firstBlockOf must keep goal-based allocation and the whole-device group
// scan clear of it no matter how many blocks are requested.
func TestBlocksBelowFirstDataBlockNeverAllocated(t *testing.T) {
	fsys := newTestFileSystem(t)
	sb := fsys.superblock
	if sb.firstDataBlock == 0 {
		t.Fatalf("test requires a filesystem with a nonzero first_data_block")
	}

	// Exhaust the whole device: AllocBlock falls back to every other group
	// once its goal's group is full, so a single loop covers every block
	// the allocator will ever hand out. The goal itself is the first valid
	// data block, never the reserved 0 below first_data_block.
	goal := firstBlockOf(sb, 0)
	for {
		baddr, err := fsys.AllocBlock(rootInodeNumber, goal)
		if err == ErrNoSpace {
			break
		}
		if err != nil {
			t.Fatalf("AllocBlock: %v", err)
		}
		if baddr < uint64(sb.firstDataBlock) {
			t.Fatalf("AllocBlock returned reserved block %d below first_data_block %d", baddr, sb.firstDataBlock)
		}
	}
}
