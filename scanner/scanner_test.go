package scanner

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/gosquash/mkimage/manifest"
)

func TestWalkHostDirBuildsTree(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt":      &fstest.MapFile{Data: []byte("hello"), Mode: 0644},
		"sub/b.txt":  &fstest.MapFile{Data: []byte("world"), Mode: 0644},
		"sub":        &fstest.MapFile{Mode: fs.ModeDir | 0755},
	}

	tree, err := WalkHostDir(fsys, ".")
	if err != nil {
		t.Fatalf("WalkHostDir failed: %s", err)
	}

	a := tree.Lookup("a.txt")
	if a == nil || a.Kind != KindFile || a.Size != 5 {
		t.Fatalf("expected a.txt file node, got %+v", a)
	}

	sub := tree.Lookup("sub")
	if sub == nil || sub.Kind != KindDir {
		t.Fatalf("expected sub dir node, got %+v", sub)
	}

	b := tree.Lookup("sub/b.txt")
	if b == nil || b.SrcPath != "sub/b.txt" {
		t.Fatalf("expected sub/b.txt file node, got %+v", b)
	}
}

func TestApplyManifestBuildsSyntheticNodes(t *testing.T) {
	tree := newTree()

	entries, err := manifest.Parse(strings.NewReader(`
dir /etc 0755 0 0
slink /bin/sh 0777 0 0 /bin/bash
nod /dev/null 0666 0 0 c 1 3
pipe /run/fifo 0600 0 0
`))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}

	if err := ApplyManifest(tree, entries, nil); err != nil {
		t.Fatalf("ApplyManifest failed: %s", err)
	}

	etc := tree.Lookup("etc")
	if etc == nil || etc.Kind != KindDir {
		t.Fatalf("expected etc dir, got %+v", etc)
	}

	sh := tree.Lookup("bin/sh")
	if sh == nil || sh.Kind != KindSymlink || sh.LinkTarget != "/bin/bash" {
		t.Fatalf("expected bin/sh symlink, got %+v", sh)
	}
	// bin should have been auto-created as a parent directory
	if bin := tree.Lookup("bin"); bin == nil || bin.Kind != KindDir {
		t.Fatalf("expected bin auto-created as a directory, got %+v", bin)
	}

	dev := tree.Lookup("dev/null")
	if dev == nil || dev.Kind != KindCharDev || dev.DevMajor != 1 || dev.DevMinor != 3 {
		t.Fatalf("expected dev/null char device, got %+v", dev)
	}

	fifo := tree.Lookup("run/fifo")
	if fifo == nil || fifo.Kind != KindFifo {
		t.Fatalf("expected run/fifo fifo, got %+v", fifo)
	}
}

func TestForceOwnerOverridesEveryNode(t *testing.T) {
	tree := newTree()
	tree.MkdirAll("a/b", 1, 1, 0755, tree.Root.ModTime)

	uid, gid := uint32(42), uint32(43)
	ForceOwner(tree, &uid, &gid)

	tree.Walk(func(n *Node) error {
		if n.UID != 42 || n.GID != 43 {
			t.Errorf("expected forced uid/gid on %q, got %d/%d", n.Path, n.UID, n.GID)
		}
		return nil
	})
}
