package squashfs

import (
	"fmt"
	"io/fs"
	"time"
)

// AddTree adds every node of a scanned tree (scanner.Tree) to the writer, in
// the tree's own deterministic walk order. This is the entry point manifest-
// driven and glob-driven builds use instead of fs.WalkDir(srcFS, ".", w.Add),
// since manifest entries (device nodes, hard links, pipes, sockets) have no
// fs.DirEntry to hand to Add.
//
// walk has scanner.Tree's Walk method shape, taken as a function
// value so this file has no import-time dependency on the scanner package
// (avoiding an import cycle risk if scanner ever needs squashfs types).
func (w *Writer) AddTree(walk func(func(n TreeNode) error) error) error {
	linkTargets := make(map[string]string) // path -> hard link target path, applied after every node exists

	err := walk(func(n TreeNode) error {
		if n.NodePath() == "" {
			w.inodeMap["."] = w.rootInode
			w.inodeMap[""] = w.rootInode
			return nil
		}

		if n.NodeKind() == TreeKindHardLink {
			linkTargets[n.NodePath()] = n.NodeLinkTarget()
			return nil
		}

		w.inodeCount++
		inode := &writerInode{
			path:      n.NodePath(),
			name:      baseName(n.NodePath()),
			ino:       w.inodeCount,
			mode:      n.NodeMode(),
			size:      n.NodeSize(),
			modTime:   n.NodeModTime().Unix(),
			uid:       n.NodeUID(),
			gid:       n.NodeGID(),
			nlink:     1,
			srcFS:     n.NodeSrcFS(),
			fragIndex: noFragment,
		}

		switch n.NodeKind() {
		case TreeKindDir:
			inode.fileType = DirType
			inode.entries = make([]*writerInode, 0)
			inode.nlink = 2
		case TreeKindFile:
			inode.fileType = FileType
			inode.path = n.NodeSrcPath()
			if inode.srcFS == nil {
				inode.path = n.NodePath()
			}
		case TreeKindSymlink:
			inode.fileType = SymlinkType
			inode.symTarget = n.NodeLinkTarget()
			inode.size = uint64(len(inode.symTarget))
		case TreeKindCharDev:
			inode.fileType = CharDevType
			inode.rdev = makedev(n.NodeDevMajor(), n.NodeDevMinor())
		case TreeKindBlockDev:
			inode.fileType = BlockDevType
			inode.rdev = makedev(n.NodeDevMajor(), n.NodeDevMinor())
		case TreeKindFifo:
			inode.fileType = FifoType
		case TreeKindSocket:
			inode.fileType = SocketType
		default:
			return fmt.Errorf("squashfs: unsupported tree node kind for %q", n.NodePath())
		}

		w.inodes = append(w.inodes, inode)
		w.inodeMap[n.NodePath()] = inode
		w.inodeByID[inode.ino] = inode

		parentPath := getParentPath(n.NodePath())
		parent := w.inodeMap[parentPath]
		if parent == nil {
			return fmt.Errorf("squashfs: parent directory not found for %s", n.NodePath())
		}
		inode.parent = parent
		parent.entries = append(parent.entries, inode)

		return nil
	})
	if err != nil {
		return err
	}

	for path, target := range linkTargets {
		targetInode := w.inodeMap[target]
		if targetInode == nil {
			return fmt.Errorf("squashfs: hard link %q target %q not found", path, target)
		}
		targetInode.nlink++
		w.inodeMap[path] = targetInode
	}

	return nil
}

// makedev packs major/minor into a Linux-style rdev, matching the kernel's
// new_encode_dev layout: 8 low minor bits, 12 major bits, remaining minor
// bits high.
func makedev(major, minor uint32) uint32 {
	return (major&0xfff)<<8 | (minor & 0xff) | (minor&0xfffff00)<<12
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// TreeNode is the minimal view AddTree needs of a scanned node. scanner.Node
// implements it directly; see scanner/writer_bridge.go.
type TreeNode interface {
	NodePath() string
	NodeKind() TreeKind
	NodeMode() fs.FileMode
	NodeUID() uint32
	NodeGID() uint32
	NodeModTime() time.Time
	NodeSize() uint64
	NodeLinkTarget() string
	NodeDevMajor() uint32
	NodeDevMinor() uint32
	NodeSrcFS() fs.FS
	NodeSrcPath() string
}

// TreeKind mirrors scanner.Kind without importing the scanner package.
type TreeKind int

const (
	TreeKindDir TreeKind = iota
	TreeKindFile
	TreeKindSymlink
	TreeKindCharDev
	TreeKindBlockDev
	TreeKindFifo
	TreeKindSocket
	TreeKindHardLink
)
