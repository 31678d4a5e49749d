package btree2

import (
	"fmt"

	"metacache/internal/base"
	"metacache/internal/cache"
)

// ShadowLeaf moves leaf to newAddr before it is modified, so readers of the
// file keep seeing the image at the old address until the header is
// written. It does nothing unless the file is open for SWMR writes, or when
// the leaf was already shadowed since the header's last flush. ptr is the
// parent's pointer to leaf and is updated to the new address.
func (h *Header[R]) ShadowLeaf(m cache.Mover, leaf *Leaf[R], ptr *NodePtr, newAddr base.Addr) (bool, error) {
	return h.shadowNode(m, &leaf.node, ptr, newAddr)
}

// ShadowInternal is ShadowLeaf for internal nodes.
func (h *Header[R]) ShadowInternal(m cache.Mover, n *Internal[R], ptr *NodePtr, newAddr base.Addr) (bool, error) {
	return h.shadowNode(m, &n.node, ptr, newAddr)
}

func (h *Header[R]) shadowNode(m cache.Mover, n *node[R], ptr *NodePtr, newAddr base.Addr) (bool, error) {
	if n.hdr != h {
		panic(fmt.Sprintf("btree2: node at %s belongs to another tree", n.addr))
	}
	if !h.ctx.SWMRWrite || h.shadows.IsLinked(n.slot) {
		return false, nil
	}
	if !newAddr.Defined() {
		return false, fmt.Errorf("%w: shadow to undefined address", base.ErrInvalidParams)
	}

	old := n.addr
	if err := m.Move(old, newAddr); err != nil {
		return false, fmt.Errorf("shadow node %s -> %s: %w", old, newAddr, err)
	}
	// Move relocates cached entries itself; nodes not in a cache still need
	// their address updated.
	n.addr = newAddr
	if ptr != nil {
		ptr.Addr = newAddr
	}
	h.shadows.Link(n.slot)
	return true, nil
}
