package ext4

import (
	"os"
	"testing"

	"github.com/dskfsx/ext4alloc/disk"
)

const testFSSize = 32 * MB

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()
	dev := disk.NewMemoryDevice(testFSSize, int64(SectorSize512))
	fsys, err := Create(dev, testFSSize, 0, 0, Params{})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return fsys
}

func TestCreateRootDirectory(t *testing.T) {
	fsys := newTestFileSystem(t)
	entries, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
		if !e.IsDir() {
			t.Fatalf("expected %s to be a directory", e.Name())
		}
	}
	if !names["."] || !names[".."] {
		t.Fatalf("root directory missing . or .. entries: %v", names)
	}
}

func TestMkdir(t *testing.T) {
	fsys := newTestFileSystem(t)
	if err := fsys.Mkdir("/foo/bar"); err != nil {
		t.Fatalf("Mkdir error: %v", err)
	}

	entries, err := fsys.ReadDir("/foo")
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name() == "bar" {
			found = true
			if !e.IsDir() {
				t.Fatalf("expected bar to be a directory")
			}
		}
	}
	if !found {
		t.Fatalf("bar not found in /foo: %v", entries)
	}

	// idempotent: calling Mkdir again on the same path must not error
	if err := fsys.Mkdir("/foo/bar"); err != nil {
		t.Fatalf("second Mkdir error: %v", err)
	}
}

func TestMkdirOnFileFails(t *testing.T) {
	fsys := newTestFileSystem(t)
	if _, err := fsys.OpenFile("/thefile", os.O_CREATE|os.O_RDWR); err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	if err := fsys.Mkdir("/thefile/sub"); err == nil {
		t.Fatalf("expected error creating a directory under a file")
	}
}

func TestOpenFileCreatesEntry(t *testing.T) {
	fsys := newTestFileSystem(t)
	if _, err := fsys.OpenFile("/hello.txt", os.O_CREATE|os.O_RDWR); err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}

	entries, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name() == "hello.txt" {
			found = true
			if e.IsDir() {
				t.Fatalf("expected hello.txt to be a regular file")
			}
		}
	}
	if !found {
		t.Fatalf("hello.txt not found in /: %v", entries)
	}
}

func TestOpenFileMissingWithoutCreateFails(t *testing.T) {
	fsys := newTestFileSystem(t)
	if _, err := fsys.OpenFile("/does-not-exist", 0); err == nil {
		t.Fatalf("expected error opening a missing file without O_CREATE")
	}
}

func TestLabel(t *testing.T) {
	fsys := newTestFileSystem(t)
	if err := fsys.SetLabel("mylabel"); err != nil {
		t.Fatalf("SetLabel error: %v", err)
	}
	if got := fsys.Label(); got != "mylabel" {
		t.Fatalf("Label() = %q, want %q", got, "mylabel")
	}
}

func TestReadRoundTrip(t *testing.T) {
	dev := disk.NewMemoryDevice(testFSSize, int64(SectorSize512))
	created, err := Create(dev, testFSSize, 0, 0, Params{VolumeName: "roundtrip"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := created.Mkdir("/a/b/c"); err != nil {
		t.Fatalf("Mkdir error: %v", err)
	}

	reread, err := Read(dev, testFSSize, 0, 0)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if reread.Label() != "roundtrip" {
		t.Fatalf("Label() after Read = %q, want %q", reread.Label(), "roundtrip")
	}

	entries, err := reread.ReadDir("/a/b")
	if err != nil {
		t.Fatalf("ReadDir error after Read: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name() == "c" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /a/b/c to survive a Read round trip: %v", entries)
	}
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"/", []string{}, false},
		{"/foo/bar", []string{"foo", "bar"}, false},
		{"/foo/./bar/", []string{"foo", "bar"}, false},
		{"relative/path", nil, true},
	}
	for _, c := range cases {
		got, err := splitPath(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("splitPath(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitPath(%q): unexpected error: %v", c.in, err)
			continue
		}
		if len(got) != len(c.want) {
			t.Errorf("splitPath(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("splitPath(%q) = %v, want %v", c.in, got, c.want)
				break
			}
		}
	}
}
