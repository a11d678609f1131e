package qcow2

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

const (
	kb = 1024
	mb = 1024 * kb
)

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qcow2")
	d, err := Create(path, 64*mb, 64*kb)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.BlockSize() != 64*kb {
		t.Fatalf("BlockSize() = %d, want %d", d.BlockSize(), 64*kb)
	}
	if d.BlockCount() != uint64(64*mb/(64*kb)) {
		t.Fatalf("BlockCount() = %d, want %d", d.BlockCount(), 64*mb/(64*kb))
	}

	data := bytes.Repeat([]byte{0xab}, int(d.BlockSize()))
	if err := d.WriteBlock(10, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("os.OpenFile: %v", err)
	}
	defer f.Close()
	reopened, err := Open(f)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := reopened.ReadBlock(10)
	if err != nil {
		t.Fatalf("ReadBlock(10): %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadBlock(10) did not round-trip the written cluster")
	}

	sparse, err := reopened.ReadBlock(20)
	if err != nil {
		t.Fatalf("ReadBlock(20): %v", err)
	}
	for i, bb := range sparse {
		if bb != 0 {
			t.Fatalf("expected sparse block 20 to read as zero at byte %d, got %x", i, bb)
		}
	}
}
