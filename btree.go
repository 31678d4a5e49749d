package metacache

import (
	"metacache/internal/btree2"
)

type (
	ClassID         = btree2.ClassID
	Class[R any]    = btree2.Class[R]
	BTreeParams     = btree2.CreateParams
	NodePtr         = btree2.NodePtr
	BTree[R any]    = btree2.Header[R]
	Leaf[R any]     = btree2.Leaf[R]
	Internal[R any] = btree2.Internal[R]
)

func (f *File) btreeContext(parent Handle) btree2.Context {
	return btree2.Context{
		Params:    f.opts.params,
		SWMRWrite: f.opts.swmrWrite,
		Deps:      f.deps,
		Parent:    parent,
	}
}

// nodeParent defaults a node's flush dependency parent to its header.
func nodeParent[R any](hdr *BTree[R], parent Handle) Handle {
	if parent == NoHandle {
		return hdr.FlushHandle()
	}
	return parent
}

// CreateBTree creates an empty tree with its header at addr. parent is the
// object header proxy the tree depends on, or NoHandle. The header is
// returned protected.
func CreateBTree[R any](f *File, addr Addr, class Class[R], cp BTreeParams, parent Handle) (*BTree[R], error) {
	hdr, err := btree2.NewHeader(addr, f.btreeContext(parent), class, cp)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Insert(hdr); err != nil {
		_ = hdr.Free()
		return nil, err
	}
	return hdr, nil
}

// OpenBTree protects the tree header at addr, loading it if needed.
func OpenBTree[R any](f *File, addr Addr, class Class[R], parent Handle) (*BTree[R], error) {
	return protect[*BTree[R]](f, addr, btree2.HeaderLoader[R]{
		Addr:  addr,
		Ctx:   f.btreeContext(parent),
		Class: class,
	})
}

// InsertLeaf creates an empty leaf at addr. parent is the node that points
// at it; NoHandle means the header. The leaf is returned protected.
func InsertLeaf[R any](f *File, hdr *BTree[R], addr Addr, parent Handle) (*Leaf[R], error) {
	leaf := btree2.NewLeaf(hdr, addr, nodeParent(hdr, parent))
	if err := f.cache.Insert(leaf); err != nil {
		_ = leaf.Free()
		return nil, err
	}
	return leaf, nil
}

// ProtectLeaf protects the leaf ptr points at.
func ProtectLeaf[R any](f *File, hdr *BTree[R], ptr NodePtr, parent Handle) (*Leaf[R], error) {
	return protect[*Leaf[R]](f, ptr.Addr, btree2.LeafLoader[R]{
		Hdr:    hdr,
		Addr:   ptr.Addr,
		Nrec:   ptr.NodeNrec,
		Parent: nodeParent(hdr, parent),
	})
}

// InsertInternal creates an empty internal node at depth.
func InsertInternal[R any](f *File, hdr *BTree[R], addr Addr, depth uint16, parent Handle) (*Internal[R], error) {
	n, err := btree2.NewInternal(hdr, addr, depth, nodeParent(hdr, parent))
	if err != nil {
		return nil, err
	}
	if err := f.cache.Insert(n); err != nil {
		_ = n.Free()
		return nil, err
	}
	return n, nil
}

// ProtectInternal protects the internal node at depth that ptr points at.
func ProtectInternal[R any](f *File, hdr *BTree[R], ptr NodePtr, depth uint16, parent Handle) (*Internal[R], error) {
	return protect[*Internal[R]](f, ptr.Addr, btree2.InternalLoader[R]{
		Hdr:    hdr,
		Addr:   ptr.Addr,
		Nrec:   ptr.NodeNrec,
		Depth:  depth,
		Parent: nodeParent(hdr, parent),
	})
}

// ShadowLeaf moves a protected leaf to freshly allocated space before it is
// changed, under SWMR writes. ptr is updated and the header marked dirty;
// an internal node holding ptr must be unprotected dirty by the caller.
func ShadowLeaf[R any](f *File, hdr *BTree[R], leaf *Leaf[R], ptr *NodePtr) (bool, error) {
	if !f.opts.swmrWrite || leaf.Shadowed() {
		return false, nil
	}
	moved, err := hdr.ShadowLeaf(f.cache, leaf, ptr, f.Allocate(uint64(hdr.NodeSize)))
	if err != nil || !moved {
		return moved, err
	}
	return true, f.cache.MarkDirty(hdr.Addr())
}

// ShadowInternal is ShadowLeaf for internal nodes.
func ShadowInternal[R any](f *File, hdr *BTree[R], n *Internal[R], ptr *NodePtr) (bool, error) {
	if !f.opts.swmrWrite || n.Shadowed() {
		return false, nil
	}
	moved, err := hdr.ShadowInternal(f.cache, n, ptr, f.Allocate(uint64(hdr.NodeSize)))
	if err != nil || !moved {
		return moved, err
	}
	return true, f.cache.MarkDirty(hdr.Addr())
}
