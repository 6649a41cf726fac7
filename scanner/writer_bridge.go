package scanner

import (
	"io/fs"
	"time"

	"github.com/gosquash/mkimage"
	"github.com/gosquash/mkimage/xattrset"
)

// Node implements squashfs.TreeNode so a Tree can be fed straight into
// squashfs.Writer.AddTree without squashfs importing this package, and
// xattrset.TreeNode so relabelling can walk the same tree.
var _ squashfs.TreeNode = (*Node)(nil)
var _ xattrset.TreeNode = (*Node)(nil)

func (n *Node) NodePath() string          { return n.Path }
func (n *Node) NodeMode() fs.FileMode     { return n.Mode }
func (n *Node) NodeUID() uint32           { return n.UID }
func (n *Node) NodeGID() uint32           { return n.GID }
func (n *Node) NodeModTime() time.Time    { return n.ModTime }
func (n *Node) NodeSize() uint64          { return n.Size }
func (n *Node) NodeLinkTarget() string    { return n.LinkTarget }
func (n *Node) NodeDevMajor() uint32      { return n.DevMajor }
func (n *Node) NodeDevMinor() uint32      { return n.DevMinor }
func (n *Node) NodeSrcFS() fs.FS          { return n.SrcFS }
func (n *Node) NodeSrcPath() string       { return n.SrcPath }

func (n *Node) NodeKind() squashfs.TreeKind {
	switch n.Kind {
	case KindDir:
		return squashfs.TreeKindDir
	case KindFile:
		return squashfs.TreeKindFile
	case KindSymlink:
		return squashfs.TreeKindSymlink
	case KindCharDev:
		return squashfs.TreeKindCharDev
	case KindBlockDev:
		return squashfs.TreeKindBlockDev
	case KindFifo:
		return squashfs.TreeKindFifo
	case KindSocket:
		return squashfs.TreeKindSocket
	case KindHardLink:
		return squashfs.TreeKindHardLink
	default:
		return squashfs.TreeKindFile
	}
}

// Add walks t in deterministic order and adds every node to w via
// squashfs.Writer.AddTree.
func Add(w *squashfs.Writer, t *Tree) error {
	return w.AddTree(func(visit func(n squashfs.TreeNode) error) error {
		return t.Walk(func(n *Node) error {
			return visit(n)
		})
	})
}

// NodeChildren lets *Node additionally satisfy xattrset.TreeNode (NodePath
// is already defined above for squashfs.TreeNode and covers both).
func (n *Node) NodeChildren() []xattrset.TreeNode {
	out := make([]xattrset.TreeNode, len(n.Children))
	for i, c := range n.Children {
		out[i] = c
	}
	return out
}
