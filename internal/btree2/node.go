package btree2

import (
	"fmt"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
	"metacache/internal/shadow"
)

// node is the state internal and leaf nodes share: the header reference,
// the flush dependency on the parent and the shadow list slot.
type node[R any] struct {
	hdr    *Header[R]
	addr   base.Addr
	parent flushdep.Handle
	handle flushdep.Handle
	slot   shadow.ID
	freed  bool
}

func newNode[R any](hdr *Header[R], addr base.Addr, parent flushdep.Handle, kind shadow.Kind) node[R] {
	hdr.incr()
	n := node[R]{
		hdr:    hdr,
		addr:   addr,
		parent: parent,
		slot:   hdr.shadows.Register(kind),
	}
	if hdr.ctx.Deps != nil {
		n.handle = hdr.ctx.Deps.NewHandle()
	}
	return n
}

func (n *node[R]) Header() *Header[R] { return n.hdr }

func (n *node[R]) Addr() base.Addr { return n.addr }

func (n *node[R]) Relocate(addr base.Addr) { n.addr = addr }

func (n *node[R]) FlushHandle() flushdep.Handle { return n.handle }

func (n *node[R]) Parent() flushdep.Handle { return n.parent }

func (n *node[R]) ImageLen() int { return int(n.hdr.NodeSize) }

// Shadowed reports whether the node is on its header's shadow list.
func (n *node[R]) Shadowed() bool {
	return n.hdr.shadows.IsLinked(n.slot)
}

func (n *node[R]) notify(action cache.Action) error {
	switch action {
	case cache.AfterInsert, cache.AfterLoad:
		if n.hdr.ctx.SWMRWrite {
			n.hdr.ctx.Deps.Create(n.parent, n.handle)
		}
	case cache.AfterFlush:
	case cache.BeforeEvict:
		if n.hdr.ctx.SWMRWrite {
			n.hdr.ctx.Deps.Destroy(n.parent, n.handle)
		}
	default:
		return fmt.Errorf("btree2: unknown cache action %s", action)
	}
	return nil
}

// free unlinks the node from its shadow list and drops the header
// reference. It runs on partially decoded nodes too.
func (n *node[R]) free() {
	if n.freed {
		panic(fmt.Sprintf("btree2: node at %s freed twice", n.addr))
	}
	if n.hdr.ctx.SWMRWrite && n.hdr.ctx.Deps.Has(n.parent, n.handle) {
		panic(fmt.Sprintf("btree2: node at %s freed with a live flush dependency", n.addr))
	}
	n.hdr.shadows.Release(n.slot)
	n.hdr.decr()
	n.freed = true
}

// prefix writes magic, version and class id.
func (n *node[R]) prefix(w *base.Writer, magic string, version uint8) {
	w.Bytes([]byte(magic))
	w.U8(version)
	w.U8(uint8(n.hdr.class.ID()))
}

// checkPrefix validates magic, version and class id.
func checkPrefix[R any](r *base.Reader, hdr *Header[R], what string, addr base.Addr, magic string, version uint8) error {
	if string(r.Bytes(base.SizeofMagic)) != magic {
		return base.Corrupt(what, addr, 0, base.ErrBadSignature)
	}
	if v := r.U8(); v != version {
		return base.Corrupt(what, addr, r.Offset()-1, fmt.Errorf("%w: %d", base.ErrUnsupportedVersion, v))
	}
	if id := ClassID(r.U8()); id != hdr.class.ID() {
		return base.Corrupt(what, addr, r.Offset()-1, fmt.Errorf("%w: %s in %s tree", base.ErrUnknownClass, id, hdr.class.ID()))
	}
	return nil
}

// Leaf is a v2 B-tree leaf node.
//
// LEAF LAYOUT (zero padded to node size):
// ┌──────────────────────────────────────────────────────────┐
// │ "BTLF" (4) | version (1) | class id (1)                  │
// ├──────────────────────────────────────────────────────────┤
// │ record[0..nrec) (record size each)                       │
// ├──────────────────────────────────────────────────────────┤
// │ checksum (4)                                             │
// ├──────────────────────────────────────────────────────────┤
// │ zero                                                     │
// └──────────────────────────────────────────────────────────┘
type Leaf[R any] struct {
	node[R]
	Records []R
}

// NewLeaf creates an empty leaf for insertion into the cache.
func NewLeaf[R any](hdr *Header[R], addr base.Addr, parent flushdep.Handle) *Leaf[R] {
	return &Leaf[R]{node: newNode(hdr, addr, parent, shadow.Leaf)}
}

func (l *Leaf[R]) Serialize(image []byte) error {
	hdr := l.hdr
	if len(image) != int(hdr.NodeSize) {
		return fmt.Errorf("btree2: leaf image is %d bytes, want %d", len(image), hdr.NodeSize)
	}
	if len(l.Records) > hdr.MaxNrec(0) {
		return fmt.Errorf("btree2: leaf at %s has %d records, max %d", l.addr, len(l.Records), hdr.MaxNrec(0))
	}

	w := base.NewWriter(image, hdr.ctx.Params)
	l.prefix(w, LeafMagic, LeafVersion)
	for i, rec := range l.Records {
		if err := hdr.class.Encode(w.Slot(int(hdr.RecordSize)), rec); err != nil {
			return fmt.Errorf("btree2: encode leaf record %d: %w", i, err)
		}
	}
	base.PutChecksum(w.Slot(base.SizeofChecksum), image[:w.Offset()])
	w.Zero(len(image) - w.Offset())
	return nil
}

func (l *Leaf[R]) Notify(action cache.Action) error { return l.notify(action) }

func (l *Leaf[R]) Free() error {
	l.free()
	l.Records = nil
	return nil
}

// LeafLoader loads a leaf. Nrec comes from the parent's node pointer.
type LeafLoader[R any] struct {
	Hdr    *Header[R]
	Addr   base.Addr
	Nrec   uint16
	Parent flushdep.Handle
}

func (l LeafLoader[R]) Name() string { return "v2 B-tree leaf node" }

func (l LeafLoader[R]) Speculative() bool { return false }

func (l LeafLoader[R]) GetLoadSize(image []byte) (cache.LoadSize, error) {
	ls := cache.LoadSize{Declared: int(l.Hdr.NodeSize)}
	if image != nil {
		ls.Actual = ls.Declared
	}
	return ls, nil
}

func (l LeafLoader[R]) chkSize() int {
	return NodePrefixSize + int(l.Nrec)*int(l.Hdr.RecordSize)
}

// zeroTail reports whether the padding after a node's checksum is all
// zero. The checksum does not cover it.
func zeroTail(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (l LeafLoader[R]) VerifyChecksum(image []byte) bool {
	if int(l.Nrec) > l.Hdr.MaxNrec(0) {
		return false
	}
	n := l.chkSize()
	if n > len(image) {
		return false
	}
	return base.VerifyChecksum(image[:n]) && zeroTail(image[n:])
}

func (l LeafLoader[R]) Deserialize(image []byte) (cache.Entry, error) {
	const what = "v2 B-tree leaf node"
	hdr := l.Hdr

	if int(l.Nrec) > hdr.MaxNrec(0) {
		return nil, base.Corrupt(what, l.Addr, 0, fmt.Errorf("%w: %d records, max %d", base.ErrBadNodePointer, l.Nrec, hdr.MaxNrec(0)))
	}
	if len(image) < l.chkSize() {
		return nil, base.Corrupt(what, l.Addr, len(image), base.ErrShortImage)
	}

	leaf := NewLeaf(hdr, l.Addr, l.Parent)
	if err := leaf.decode(image, l.Nrec); err != nil {
		_ = leaf.Free()
		return nil, err
	}
	return leaf, nil
}

func (l *Leaf[R]) decode(image []byte, nrec uint16) error {
	const what = "v2 B-tree leaf node"
	hdr := l.hdr

	r := base.NewReader(image, hdr.ctx.Params)
	if err := checkPrefix(r, hdr, what, l.addr, LeafMagic, LeafVersion); err != nil {
		return err
	}
	l.Records = make([]R, 0, nrec)
	for i := 0; i < int(nrec); i++ {
		off := r.Offset()
		rec, err := hdr.class.Decode(r.Bytes(int(hdr.RecordSize)))
		if err != nil {
			return base.Corrupt(what, l.addr, off, err)
		}
		l.Records = append(l.Records, rec)
	}
	r.Skip(base.SizeofChecksum)
	if err := r.Err(); err != nil {
		return base.Corrupt(what, l.addr, r.Offset(), err)
	}
	return nil
}

// Internal is a v2 B-tree internal node at depth >= 1.
//
// INTERNAL LAYOUT (zero padded to node size):
// ┌──────────────────────────────────────────────────────────┐
// │ "BTIN" (4) | version (1) | class id (1)                  │
// ├──────────────────────────────────────────────────────────┤
// │ record[0..nrec) (record size each)                       │
// ├──────────────────────────────────────────────────────────┤
// │ pointer[0..nrec]                                         │
// │   addr (sizeof addr)                                     │
// │   node nrec (max nrec size)                              │
// │   all nrec (cum max nrec size at depth-1, depth > 1 only)│
// ├──────────────────────────────────────────────────────────┤
// │ checksum (4)                                             │
// ├──────────────────────────────────────────────────────────┤
// │ zero                                                     │
// └──────────────────────────────────────────────────────────┘
type Internal[R any] struct {
	node[R]
	Depth   uint16
	Records []R
	Ptrs    []NodePtr // len(Records)+1 children
}

// NewInternal creates an empty internal node for insertion into the cache.
func NewInternal[R any](hdr *Header[R], addr base.Addr, depth uint16, parent flushdep.Handle) (*Internal[R], error) {
	if depth == 0 || depth > hdr.Depth {
		return nil, fmt.Errorf("%w: internal node depth %d in tree of depth %d", base.ErrInvalidParams, depth, hdr.Depth)
	}
	return &Internal[R]{node: newNode(hdr, addr, parent, shadow.Internal), Depth: depth}, nil
}

func (n *Internal[R]) Serialize(image []byte) error {
	hdr := n.hdr
	if len(image) != int(hdr.NodeSize) {
		return fmt.Errorf("btree2: internal image is %d bytes, want %d", len(image), hdr.NodeSize)
	}
	if len(n.Records) > hdr.MaxNrec(n.Depth) {
		return fmt.Errorf("btree2: internal node at %s has %d records, max %d", n.addr, len(n.Records), hdr.MaxNrec(n.Depth))
	}
	if len(n.Ptrs) != len(n.Records)+1 {
		return fmt.Errorf("btree2: internal node at %s has %d records and %d pointers", n.addr, len(n.Records), len(n.Ptrs))
	}

	w := base.NewWriter(image, hdr.ctx.Params)
	n.prefix(w, InternalMagic, InternalVersion)
	for i, rec := range n.Records {
		if err := hdr.class.Encode(w.Slot(int(hdr.RecordSize)), rec); err != nil {
			return fmt.Errorf("btree2: encode internal record %d: %w", i, err)
		}
	}
	for _, p := range n.Ptrs {
		w.Addr(p.Addr)
		w.Var(uint64(p.NodeNrec), hdr.maxNrecSize)
		if n.Depth > 1 {
			w.Var(p.AllNrec, hdr.nodeInfo[n.Depth-1].CumMaxNrecSize)
		}
	}
	base.PutChecksum(w.Slot(base.SizeofChecksum), image[:w.Offset()])
	w.Zero(len(image) - w.Offset())
	return nil
}

func (n *Internal[R]) Notify(action cache.Action) error { return n.notify(action) }

func (n *Internal[R]) Free() error {
	n.free()
	n.Records = nil
	n.Ptrs = nil
	return nil
}

// InternalLoader loads an internal node. Nrec and Depth come from the
// parent.
type InternalLoader[R any] struct {
	Hdr    *Header[R]
	Addr   base.Addr
	Nrec   uint16
	Depth  uint16
	Parent flushdep.Handle
}

func (l InternalLoader[R]) Name() string { return "v2 B-tree internal node" }

func (l InternalLoader[R]) Speculative() bool { return false }

func (l InternalLoader[R]) GetLoadSize(image []byte) (cache.LoadSize, error) {
	ls := cache.LoadSize{Declared: int(l.Hdr.NodeSize)}
	if image != nil {
		ls.Actual = ls.Declared
	}
	return ls, nil
}

func (l InternalLoader[R]) valid() bool {
	return l.Depth >= 1 && l.Depth <= l.Hdr.Depth && int(l.Nrec) <= l.Hdr.MaxNrec(l.Depth)
}

func (l InternalLoader[R]) chkSize() int {
	return NodePrefixSize + int(l.Nrec)*int(l.Hdr.RecordSize) + (int(l.Nrec)+1)*l.Hdr.PointerSize(l.Depth)
}

func (l InternalLoader[R]) VerifyChecksum(image []byte) bool {
	if !l.valid() {
		return false
	}
	n := l.chkSize()
	if n > len(image) {
		return false
	}
	return base.VerifyChecksum(image[:n]) && zeroTail(image[n:])
}

func (l InternalLoader[R]) Deserialize(image []byte) (cache.Entry, error) {
	const what = "v2 B-tree internal node"

	if !l.valid() {
		return nil, base.Corrupt(what, l.Addr, 0, fmt.Errorf("%w: %d records at depth %d", base.ErrBadNodePointer, l.Nrec, l.Depth))
	}
	if len(image) < l.chkSize() {
		return nil, base.Corrupt(what, l.Addr, len(image), base.ErrShortImage)
	}

	n, err := NewInternal(l.Hdr, l.Addr, l.Depth, l.Parent)
	if err != nil {
		return nil, err
	}
	if err := n.decode(image, l.Nrec); err != nil {
		_ = n.Free()
		return nil, err
	}
	return n, nil
}

func (n *Internal[R]) decode(image []byte, nrec uint16) error {
	const what = "v2 B-tree internal node"
	hdr := n.hdr

	r := base.NewReader(image, hdr.ctx.Params)
	if err := checkPrefix(r, hdr, what, n.addr, InternalMagic, InternalVersion); err != nil {
		return err
	}

	n.Records = make([]R, 0, nrec)
	for i := 0; i < int(nrec); i++ {
		off := r.Offset()
		rec, err := hdr.class.Decode(r.Bytes(int(hdr.RecordSize)))
		if err != nil {
			return base.Corrupt(what, n.addr, off, err)
		}
		n.Records = append(n.Records, rec)
	}

	child := hdr.nodeInfo[n.Depth-1]
	n.Ptrs = make([]NodePtr, 0, int(nrec)+1)
	for i := 0; i <= int(nrec); i++ {
		off := r.Offset()
		var p NodePtr
		p.Addr = r.Addr()
		nodeNrec := r.Var(hdr.maxNrecSize)
		if n.Depth > 1 {
			p.AllNrec = r.Var(child.CumMaxNrecSize)
		} else {
			p.AllNrec = nodeNrec
		}
		if r.Err() != nil {
			break
		}
		if !p.Addr.Defined() || nodeNrec > uint64(child.MaxNrec) || p.AllNrec > child.CumMaxNrec || p.AllNrec < nodeNrec {
			return base.Corrupt(what, n.addr, off, fmt.Errorf("%w: pointer %d", base.ErrBadNodePointer, i))
		}
		p.NodeNrec = uint16(nodeNrec)
		n.Ptrs = append(n.Ptrs, p)
	}

	r.Skip(base.SizeofChecksum)
	if err := r.Err(); err != nil {
		return base.Corrupt(what, n.addr, r.Offset(), err)
	}
	return nil
}
