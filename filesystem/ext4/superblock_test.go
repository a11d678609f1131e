package ext4

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/dskfsx/ext4alloc/disk"
)

// TestSuperblockRoundTrip verifies that toBytes/superblockFromBytes is a
// lossless round trip. deep.Equal runs with its default settings, which
// skip unexported fields, and every superblock field is unexported, so it
// finds no difference here; the comparison that sees the content is the
// equal method, which re-encodes both superblocks and compares the bytes.
func TestSuperblockRoundTrip(t *testing.T) {
	dev := disk.NewMemoryDevice(testFSSize, int64(SectorSize512))
	fsys, err := Create(dev, testFSSize, 0, 0, Params{VolumeName: "deeptest"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	b, err := fsys.superblock.toBytes()
	if err != nil {
		t.Fatalf("toBytes error: %v", err)
	}
	reread, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("superblockFromBytes error: %v", err)
	}

	if diff := deep.Equal(fsys.superblock, reread); diff != nil {
		t.Errorf("superblock round trip mismatch: %v", diff)
	}
	if !fsys.superblock.equal(reread) {
		t.Errorf("superblock.equal reported a mismatch for an identical round trip")
	}
}

// TestGroupDescriptorsRoundTrip round-trips the group descriptor table,
// which carries its own checksum scheme distinct from the superblock's;
// groupDescriptorsFromBytes checks each descriptor's checksum when one is
// enabled. Its deep.Equal has the same limit as above: the descriptor
// fields are unexported, so it reports no field difference.
func TestGroupDescriptorsRoundTrip(t *testing.T) {
	dev := disk.NewMemoryDevice(testFSSize, int64(SectorSize512))
	fsys, err := Create(dev, testFSSize, 0, 0, Params{})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	uuidBytes, err := superblockUUIDBytes(fsys.superblock)
	if err != nil {
		t.Fatalf("superblockUUIDBytes error: %v", err)
	}
	checksumType := fsys.gdtChecksumType()

	b, err := fsys.groupDescriptors.toBytes(checksumType, uuidBytes)
	if err != nil {
		t.Fatalf("toBytes error: %v", err)
	}
	reread, err := groupDescriptorsFromBytes(b, fsys.superblock.features.fs64Bit, int(blockGroupCount(fsys.superblock)), uuidBytes, checksumType)
	if err != nil {
		t.Fatalf("groupDescriptorsFromBytes error: %v", err)
	}

	if diff := deep.Equal(fsys.groupDescriptors, reread); diff != nil {
		t.Errorf("group descriptor table round trip mismatch: %v", diff)
	}
}
