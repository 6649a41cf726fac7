// Package scanner builds an in-memory directory tree - either by walking a
// host filesystem or by replaying a manifest's entries - that feeds a
// squashfs.Writer. Nodes form a parent/children arena, mirroring
// original_source/bin/gensquashfs/src/mkfs.c's tree_node_t (parent + child
// links plus a files intrusive list), generalized to a Go slice of children.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gosquash/mkimage/manifest"
)

// Kind identifies what a Node represents on disk.
type Kind int

const (
	KindDir Kind = iota
	KindFile
	KindSymlink
	KindCharDev
	KindBlockDev
	KindFifo
	KindSocket
	KindHardLink
)

// Node is one entry in the scanned tree.
type Node struct {
	Name    string
	Path    string // slash-separated path relative to the tree root
	Kind    Kind
	Mode    fs.FileMode // permission bits only; Kind carries the type
	UID     uint32
	GID     uint32
	ModTime time.Time
	Size    uint64

	LinkTarget string // symlink target, or hard link's target path
	DevMajor   uint32
	DevMinor   uint32

	// SrcFS/SrcPath locate the real bytes for a KindFile node. Both are nil
	// for manifest entries describing metadata-only nodes (nod/pipe/sock)
	// and for directories.
	SrcFS   fs.FS
	SrcPath string

	Parent   *Node
	Children []*Node
}

// Tree is a scanned filesystem, rooted at an empty-path, KindDir Node.
type Tree struct {
	Root  *Node
	byPath map[string]*Node
}

func newTree() *Tree {
	root := &Node{Name: "", Path: "", Kind: KindDir, Mode: 0755, ModTime: time.Now()}
	return &Tree{Root: root, byPath: map[string]*Node{"": root}}
}

// NewTree returns an empty tree containing only its root directory, for
// callers building a tree purely from manifest entries with no host
// directory to walk.
func NewTree() *Tree {
	return newTree()
}

// Lookup finds a node by its slash-separated relative path.
func (t *Tree) Lookup(p string) *Node {
	return t.byPath[canonPath(p)]
}

// MkdirAll ensures every directory component of p exists, creating
// directories with the given default metadata as needed.
func (t *Tree) MkdirAll(p string, uid, gid uint32, mode fs.FileMode, mtime time.Time) *Node {
	p = canonPath(p)
	if n, ok := t.byPath[p]; ok {
		return n
	}
	if p == "" {
		return t.Root
	}
	parent := t.MkdirAll(path.Dir(p), uid, gid, mode, mtime)
	n := &Node{
		Name:    path.Base(p),
		Path:    p,
		Kind:    KindDir,
		Mode:    mode,
		UID:     uid,
		GID:     gid,
		ModTime: mtime,
		Parent:  parent,
	}
	parent.Children = append(parent.Children, n)
	t.byPath[p] = n
	return n
}

// insert attaches a fully-built node at its path, creating parent
// directories with default metadata if they don't exist yet.
func (t *Tree) insert(n *Node) error {
	n.Path = canonPath(n.Path)
	if _, exists := t.byPath[n.Path]; exists {
		return fmt.Errorf("scanner: duplicate path %q", n.Path)
	}
	parentPath := path.Dir(n.Path)
	if n.Path == "" {
		return fmt.Errorf("scanner: cannot replace the root node")
	}
	parent := t.byPath[parentPath]
	if parent == nil {
		parent = t.MkdirAll(parentPath, n.UID, n.GID, 0755, n.ModTime)
	}
	if parent.Kind != KindDir {
		return fmt.Errorf("scanner: parent of %q is not a directory", n.Path)
	}
	n.Name = path.Base(n.Path)
	n.Parent = parent
	parent.Children = append(parent.Children, n)
	t.byPath[n.Path] = n
	return nil
}

// Walk visits every node in the tree in a deterministic pre-order
// (directories before their children, children sorted by name), matching
// the order mkfs.c's tree serialization expects.
func (t *Tree) Walk(fn func(n *Node) error) error {
	return walkNode(t.Root, fn)
}

func walkNode(n *Node, fn func(n *Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	if n.Kind != KindDir {
		return nil
	}
	children := append([]*Node(nil), n.Children...)
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	for _, c := range children {
		if err := walkNode(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// ForceOwner overrides uid and/or gid on every node in the tree, mirroring
// mkfs.c's opt->force_uid/opt->force_gid handling. A nil pointer leaves
// that field untouched.
func ForceOwner(t *Tree, uid, gid *uint32) {
	t.Walk(func(n *Node) error {
		if uid != nil {
			n.UID = *uid
		}
		if gid != nil {
			n.GID = *gid
		}
		return nil
	})
}

func canonPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return path.Clean(p)
}

// WalkHostDir scans a real (or fs.FS-backed) directory tree into a new Tree.
// Sibling fs.DirEntry.Info() calls within one directory are fanned out
// concurrently via errgroup, since Info() can hit the filesystem (stat) on
// some fs.FS implementations - grounded on distr1-distri's go.mod pulling
// in golang.org/x/sync/errgroup for exactly this kind of fan-out.
func WalkHostDir(fsys fs.FS, root string) (*Tree, error) {
	t := newTree()
	if root == "" {
		root = "."
	}
	if err := scanDir(context.Background(), fsys, t, root, t.Root); err != nil {
		return nil, err
	}
	return t, nil
}

func scanDir(ctx context.Context, fsys fs.FS, t *Tree, dirPath string, parent *Node) error {
	entries, err := fs.ReadDir(fsys, dirPath)
	if err != nil {
		return err
	}

	infos := make([]fs.FileInfo, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			info, err := e.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", path.Join(dirPath, e.Name()), err)
			}
			infos[i] = info
			_ = gctx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, e := range entries {
		info := infos[i]
		childPath := path.Join(dirPath, e.Name())
		relPath := childPath
		if dirPath == "." {
			relPath = e.Name()
		}

		n := &Node{
			Name:    e.Name(),
			Path:    canonPath(relPath),
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
			Size:    uint64(info.Size()),
			Parent:  parent,
		}
		if statT, ok := info.Sys().(interface {
			Uid() uint32
			Gid() uint32
		}); ok {
			n.UID, n.GID = statT.Uid(), statT.Gid()
		}

		switch {
		case info.Mode().IsDir():
			n.Kind = KindDir
			parent.Children = append(parent.Children, n)
			t.byPath[n.Path] = n
			if err := scanDir(ctx, fsys, t, childPath, n); err != nil {
				return err
			}
			continue
		case info.Mode().IsRegular():
			n.Kind = KindFile
			n.SrcFS = fsys
			n.SrcPath = childPath
		case info.Mode()&fs.ModeSymlink != 0:
			n.Kind = KindSymlink
			if target, err := fs.ReadLink(fsys, childPath); err == nil {
				n.LinkTarget = target
			}
		case info.Mode()&fs.ModeNamedPipe != 0:
			n.Kind = KindFifo
		case info.Mode()&fs.ModeSocket != 0:
			n.Kind = KindSocket
		case info.Mode()&fs.ModeCharDevice != 0:
			n.Kind = KindCharDev
			n.DevMajor, n.DevMinor, _ = rdevMajorMinor(info.Sys())
		case info.Mode()&fs.ModeDevice != 0:
			n.Kind = KindBlockDev
			n.DevMajor, n.DevMinor, _ = rdevMajorMinor(info.Sys())
		default:
			n.Kind = KindFile
			n.SrcFS = fsys
			n.SrcPath = childPath
		}

		parent.Children = append(parent.Children, n)
		t.byPath[n.Path] = n
	}
	return nil
}

// ApplyManifest replays parsed manifest entries onto t, in file order,
// exactly as fstree_from_file_stream calls handle_line for each line. base
// supplies the source filesystem used to resolve "file" entries and "glob"
// roots against real files on disk.
func ApplyManifest(t *Tree, entries []manifest.Entry, base fs.FS) error {
	for _, e := range entries {
		if err := applyEntry(t, e, base); err != nil {
			return fmt.Errorf("manifest line %d: %w", e.Line, err)
		}
	}
	return nil
}

func applyEntry(t *Tree, e manifest.Entry, base fs.FS) error {
	switch e.Kind {
	case manifest.Dir:
		t.MkdirAll(e.Path, e.UID, e.GID, fs.FileMode(e.Mode), time.Now())
		return nil
	case manifest.Slink:
		return t.insert(&Node{Path: e.Path, Kind: KindSymlink, Mode: fs.FileMode(e.Mode), UID: e.UID, GID: e.GID, LinkTarget: e.Extra, ModTime: time.Now()})
	case manifest.Link:
		target := t.Lookup(e.Extra)
		if target == nil {
			return fmt.Errorf("hard link target %q not found", e.Extra)
		}
		return t.insert(&Node{Path: e.Path, Kind: KindHardLink, Mode: target.Mode, UID: target.UID, GID: target.GID, LinkTarget: canonPath(e.Extra), ModTime: time.Now()})
	case manifest.Nod:
		kind := KindCharDev
		if e.DevType == manifest.DevBlock {
			kind = KindBlockDev
		}
		return t.insert(&Node{Path: e.Path, Kind: kind, Mode: fs.FileMode(e.Mode), UID: e.UID, GID: e.GID, DevMajor: e.DevMajor, DevMinor: e.DevMinor, ModTime: time.Now()})
	case manifest.Pipe:
		return t.insert(&Node{Path: e.Path, Kind: KindFifo, Mode: fs.FileMode(e.Mode), UID: e.UID, GID: e.GID, ModTime: time.Now()})
	case manifest.Sock:
		return t.insert(&Node{Path: e.Path, Kind: KindSocket, Mode: fs.FileMode(e.Mode), UID: e.UID, GID: e.GID, ModTime: time.Now()})
	case manifest.File:
		if base == nil {
			return fmt.Errorf("file entry %q needs a base filesystem", e.Path)
		}
		info, err := fs.Stat(base, e.Extra)
		if err != nil {
			return err
		}
		return t.insert(&Node{
			Path: e.Path, Kind: KindFile, Mode: fs.FileMode(e.Mode), UID: e.UID, GID: e.GID,
			ModTime: time.Now(), Size: uint64(info.Size()), SrcFS: base, SrcPath: e.Extra,
		})
	case manifest.Glob:
		return applyGlob(t, e, base)
	default:
		return fmt.Errorf("unhandled manifest entry kind %v", e.Kind)
	}
}

// applyGlob walks e.Extra (a real directory) and grafts it under e.Path,
// applying the -type exclusions and -name/-path filter from e.GlobFlags and
// e.NamePattern, mirroring glob_files' call into fstree_from_dir.
func applyGlob(t *Tree, e manifest.Entry, base fs.FS) error {
	if base == nil {
		return fmt.Errorf("glob entry %q needs a base filesystem", e.Path)
	}
	root := e.Extra
	if root == "" {
		root = "."
	}

	sub := t.MkdirAll(e.Path, e.UID, e.GID, fs.FileMode(e.Mode), time.Now())

	return fs.WalkDir(base, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if excluded(e, d) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if e.NamePattern != "" {
			matchTarget := d.Name()
			if e.GlobFlags&manifest.GlobMatchFullPath != 0 {
				matchTarget = p
			}
			if ok, _ := path.Match(e.NamePattern, matchTarget); !ok {
				if d.IsDir() {
					return nil
				}
				return nil
			}
		}

		rel := strings.TrimPrefix(p, root+"/")
		destPath := path.Join(sub.Path, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		n := &Node{
			Path: destPath, Name: d.Name(), Mode: info.Mode().Perm(),
			ModTime: info.ModTime(), Size: uint64(info.Size()),
		}
		if e.GlobFlags&manifest.GlobKeepUID != 0 {
			if statT, ok := info.Sys().(interface{ Uid() uint32 }); ok {
				n.UID = statT.Uid()
			}
		} else {
			n.UID = e.UID
		}
		if e.GlobFlags&manifest.GlobKeepGID != 0 {
			if statT, ok := info.Sys().(interface{ Gid() uint32 }); ok {
				n.GID = statT.Gid()
			}
		} else {
			n.GID = e.GID
		}
		if e.GlobFlags&manifest.GlobKeepMode == 0 {
			n.Mode = fs.FileMode(e.Mode)
		}

		switch {
		case d.IsDir():
			n.Kind = KindDir
			return t.insert(n)
		case info.Mode().IsRegular():
			n.Kind = KindFile
			n.SrcFS = base
			n.SrcPath = p
		case info.Mode()&fs.ModeSymlink != 0:
			n.Kind = KindSymlink
			if target, err := fs.ReadLink(base, p); err == nil {
				n.LinkTarget = target
			}
		default:
			n.Kind = KindFile
			n.SrcFS = base
			n.SrcPath = p
		}
		return t.insert(n)
	})
}

func excluded(e manifest.Entry, d fs.DirEntry) bool {
	f := e.GlobFlags
	switch {
	case d.IsDir():
		return f&manifest.GlobNoDir != 0
	case d.Type()&fs.ModeSymlink != 0:
		return f&manifest.GlobNoSlink != 0
	case d.Type()&fs.ModeNamedPipe != 0:
		return f&manifest.GlobNoFifo != 0
	case d.Type()&fs.ModeSocket != 0:
		return f&manifest.GlobNoSock != 0
	case d.Type()&fs.ModeCharDevice != 0:
		return f&manifest.GlobNoChr != 0
	case d.Type()&fs.ModeDevice != 0:
		return f&manifest.GlobNoBlk != 0
	case d.Type().IsRegular():
		return f&manifest.GlobNoFile != 0
	}
	return false
}
