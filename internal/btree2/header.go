package btree2

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
	"metacache/internal/shadow"
)

const (
	HeaderMagic   = "BTHD"
	InternalMagic = "BTIN"
	LeafMagic     = "BTLF"

	HeaderVersion   uint8 = 0
	InternalVersion uint8 = 0
	LeafVersion     uint8 = 0

	// Magic, version and class id, plus the trailing checksum.
	NodePrefixSize = base.SizeofMagic + 1 + 1 + base.SizeofChecksum

	// Fixed part of the header: magic, version, class id, node size,
	// record size, depth, split and merge percentages.
	headerFixedSize = base.SizeofMagic + 1 + 1 + 4 + 2 + 2 + 1 + 1
)

// HeaderSize is the encoded header length for the given field widths.
//
// HEADER LAYOUT:
// ┌──────────────────────────────────────────────────────────┐
// │ "BTHD" (4) | version (1) | class id (1)                  │
// ├──────────────────────────────────────────────────────────┤
// │ node size (4) | record size (2) | depth (2)              │
// │ split % (1) | merge % (1)                                │
// ├──────────────────────────────────────────────────────────┤
// │ root addr (sizeof addr) | root nrec (2)                  │
// │ root all nrec (sizeof size)                              │
// ├──────────────────────────────────────────────────────────┤
// │ checksum (4)                                             │
// └──────────────────────────────────────────────────────────┘
func HeaderSize(p base.Params) int {
	return headerFixedSize + p.SizeofAddr + 2 + p.SizeofSize + base.SizeofChecksum
}

// CreateParams are the per-tree parameters fixed at creation.
type CreateParams struct {
	NodeSize     uint32 // bytes per internal or leaf node
	RecordSize   uint16 // raw bytes per record
	SplitPercent uint8  // fill percentage at which a node splits
	MergePercent uint8  // fill percentage at which a node merges
}

func (cp CreateParams) Validate() error {
	switch {
	case cp.NodeSize == 0:
		return fmt.Errorf("%w: zero node size", base.ErrInvalidParams)
	case cp.RecordSize == 0:
		return fmt.Errorf("%w: zero record size", base.ErrInvalidParams)
	case cp.SplitPercent == 0 || cp.SplitPercent > 100:
		return fmt.Errorf("%w: split percent %d", base.ErrInvalidParams, cp.SplitPercent)
	case cp.MergePercent == 0 || cp.MergePercent > cp.SplitPercent/2:
		return fmt.Errorf("%w: merge percent %d with split percent %d", base.ErrInvalidParams, cp.MergePercent, cp.SplitPercent)
	}
	return nil
}

// NodePtr points at a child node and caches its record counts.
type NodePtr struct {
	Addr     base.Addr
	NodeNrec uint16 // records in the child itself
	AllNrec  uint64 // records in the child's whole subtree
}

// NodeInfo is the derived sizing for nodes at one depth.
type NodeInfo struct {
	MaxNrec        int    // records that fit in one node
	SplitNrec      int    // records at which the node splits
	MergeNrec      int    // records at which the node merges
	CumMaxNrec     uint64 // records that fit in the subtree rooted here
	CumMaxNrecSize int    // bytes needed to encode CumMaxNrec
}

// Context is what every load of a tree's header and nodes needs to know
// about the file.
type Context struct {
	Params    base.Params
	SWMRWrite bool
	Deps      *flushdep.Graph

	// Parent is the object header proxy the header depends on. Only B-trees
	// indexing chunked datasets have one.
	Parent flushdep.Handle
}

func (c Context) validate() error {
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if c.SWMRWrite && c.Deps == nil {
		return fmt.Errorf("%w: SWMR write without a flush dependency graph", base.ErrInvalidParams)
	}
	return nil
}

// Header is the in-core v2 B-tree header. Nodes share it and hold a
// reference on it for as long as they are in core.
type Header[R any] struct {
	CreateParams

	Depth uint16
	Root  NodePtr

	addr  base.Addr
	ctx   Context
	class Class[R]

	hdrSize     int
	maxNrecSize int
	nodeInfo    []NodeInfo // indexed by depth

	refs    atomic.Int32
	handle  flushdep.Handle
	shadows *shadow.Registry
	freed   bool
}

// NewHeader creates an empty tree whose root is not yet allocated.
func NewHeader[R any](addr base.Addr, ctx Context, class Class[R], cp CreateParams) (*Header[R], error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	h := newHeader(addr, ctx, class)
	h.CreateParams = cp
	h.Root = NodePtr{Addr: base.UndefAddr}
	if err := h.init(0); err != nil {
		return nil, err
	}
	return h, nil
}

func newHeader[R any](addr base.Addr, ctx Context, class Class[R]) *Header[R] {
	h := &Header[R]{
		addr:    addr,
		ctx:     ctx,
		class:   class,
		hdrSize: HeaderSize(ctx.Params),
		shadows: shadow.NewRegistry(),
	}
	if ctx.Deps != nil {
		h.handle = ctx.Deps.NewHandle()
	}
	return h
}

// init derives the per-depth node info for a tree of the given depth.
func (h *Header[R]) init(depth uint16) error {
	nodeSize := int(h.NodeSize)
	rrec := int(h.RecordSize)

	info := make([]NodeInfo, int(depth)+1)
	leafMax := (nodeSize - NodePrefixSize) / rrec
	if leafMax <= 0 {
		return fmt.Errorf("%w: node size %d holds no %d-byte records", base.ErrInvalidParams, nodeSize, rrec)
	}
	if leafMax > math.MaxUint16 {
		return fmt.Errorf("%w: node size %d holds more than %d records", base.ErrInvalidParams, nodeSize, math.MaxUint16)
	}
	info[0] = NodeInfo{
		MaxNrec:    leafMax,
		SplitNrec:  leafMax * int(h.SplitPercent) / 100,
		MergeNrec:  leafMax * int(h.MergePercent) / 100,
		CumMaxNrec: uint64(leafMax),
	}
	h.maxNrecSize = base.LimitEncSize(uint64(leafMax))

	for d := 1; d <= int(depth); d++ {
		ptrSize := h.ctx.Params.SizeofAddr + h.maxNrecSize
		if d > 1 {
			ptrSize += info[d-1].CumMaxNrecSize
		}
		n := (nodeSize - (NodePrefixSize + ptrSize)) / (rrec + ptrSize)
		if n <= 0 {
			return fmt.Errorf("%w: node size %d holds no records at depth %d", base.ErrInvalidParams, nodeSize, d)
		}

		// (n+1)*cum[d-1] + n, refusing to wrap.
		hi, lo := bits.Mul64(uint64(n)+1, info[d-1].CumMaxNrec)
		cum, carry := bits.Add64(lo, uint64(n), 0)
		if hi != 0 || carry != 0 {
			return fmt.Errorf("%w: depth %d overflows record counts", base.ErrInvalidParams, d)
		}

		info[d] = NodeInfo{
			MaxNrec:        n,
			SplitNrec:      n * int(h.SplitPercent) / 100,
			MergeNrec:      n * int(h.MergePercent) / 100,
			CumMaxNrec:     cum,
			CumMaxNrecSize: base.LimitEncSize(cum),
		}
	}

	h.Depth = depth
	h.nodeInfo = info
	return nil
}

// SetRoot installs a new root, re-deriving node info when the depth changes.
func (h *Header[R]) SetRoot(root NodePtr, depth uint16) error {
	if depth == 0 && root.AllNrec != uint64(root.NodeNrec) {
		return fmt.Errorf("%w: leaf root with %d node records and %d total", base.ErrInvalidParams, root.NodeNrec, root.AllNrec)
	}
	if depth != h.Depth {
		if err := h.init(depth); err != nil {
			return err
		}
	}
	h.Root = root
	return nil
}

func (h *Header[R]) Class() Class[R] { return h.class }

// NodeInfo returns the sizing for nodes at depth.
func (h *Header[R]) NodeInfo(depth uint16) NodeInfo {
	return h.nodeInfo[depth]
}

func (h *Header[R]) MaxNrec(depth uint16) int {
	return h.nodeInfo[depth].MaxNrec
}

// PointerSize is the encoded width of one node pointer in an internal node
// at depth.
func (h *Header[R]) PointerSize(depth uint16) int {
	n := h.ctx.Params.SizeofAddr + h.maxNrecSize
	if depth > 1 {
		n += h.nodeInfo[depth-1].CumMaxNrecSize
	}
	return n
}

// Refs is the number of nodes currently holding the header.
func (h *Header[R]) Refs() int {
	return int(h.refs.Load())
}

func (h *Header[R]) incr() { h.refs.Add(1) }

func (h *Header[R]) decr() {
	if h.refs.Add(-1) < 0 {
		panic("btree2: header reference count went negative")
	}
}

// Shadows is the header's registry of nodes shadowed since its last flush.
func (h *Header[R]) Shadows() *shadow.Registry {
	return h.shadows
}

func (h *Header[R]) Addr() base.Addr { return h.addr }

func (h *Header[R]) Relocate(addr base.Addr) { h.addr = addr }

func (h *Header[R]) FlushHandle() flushdep.Handle { return h.handle }

func (h *Header[R]) Referenced() bool { return h.refs.Load() > 0 }

func (h *Header[R]) ImageLen() int { return h.hdrSize }

// Serialize encodes the header. A successful write means every node must be
// shadowed again before its next change, so both shadow lists are cleared.
func (h *Header[R]) Serialize(image []byte) error {
	if len(image) != h.hdrSize {
		return fmt.Errorf("btree2: header image is %d bytes, want %d", len(image), h.hdrSize)
	}
	w := base.NewWriter(image, h.ctx.Params)
	w.Bytes([]byte(HeaderMagic))
	w.U8(HeaderVersion)
	w.U8(uint8(h.class.ID()))
	w.U32(h.NodeSize)
	w.U16(h.RecordSize)
	w.U16(h.Depth)
	w.U8(h.SplitPercent)
	w.U8(h.MergePercent)
	w.Addr(h.Root.Addr)
	w.U16(h.Root.NodeNrec)
	w.Length(h.Root.AllNrec)
	base.PutChecksum(w.Slot(base.SizeofChecksum), image[:w.Offset()])

	if w.Offset() != h.hdrSize {
		panic(fmt.Sprintf("btree2: encoded header is %d bytes, expected %d", w.Offset(), h.hdrSize))
	}

	h.shadows.Reset()
	return nil
}

func (h *Header[R]) Notify(action cache.Action) error {
	switch action {
	case cache.AfterInsert, cache.AfterLoad:
		if h.ctx.SWMRWrite && h.ctx.Parent != flushdep.None {
			h.ctx.Deps.Create(h.ctx.Parent, h.handle)
		}
	case cache.AfterFlush:
	case cache.BeforeEvict:
		if h.ctx.SWMRWrite && h.ctx.Parent != flushdep.None {
			h.ctx.Deps.Destroy(h.ctx.Parent, h.handle)
		}
	default:
		return fmt.Errorf("btree2: unknown cache action %s", action)
	}
	return nil
}

// Free releases the header. It refuses while any node still holds it.
func (h *Header[R]) Free() error {
	if h.freed {
		panic(fmt.Sprintf("btree2: header at %s freed twice", h.addr))
	}
	if n := h.refs.Load(); n > 0 {
		return fmt.Errorf("%w: v2 B-tree header at %s held by %d nodes", base.ErrStillReferenced, h.addr, n)
	}
	if h.ctx.Deps != nil && h.ctx.Parent != flushdep.None && h.ctx.Deps.Has(h.ctx.Parent, h.handle) {
		panic(fmt.Sprintf("btree2: header at %s freed with a live flush dependency", h.addr))
	}
	h.freed = true
	return nil
}

// HeaderLoader loads a header whose records use class.
type HeaderLoader[R any] struct {
	Addr  base.Addr
	Ctx   Context
	Class Class[R]
}

func (l HeaderLoader[R]) Name() string { return "v2 B-tree header" }

func (l HeaderLoader[R]) Speculative() bool { return false }

func (l HeaderLoader[R]) GetLoadSize(image []byte) (cache.LoadSize, error) {
	n := HeaderSize(l.Ctx.Params)
	ls := cache.LoadSize{Declared: n}
	if image != nil {
		ls.Actual = n
	}
	return ls, nil
}

func (l HeaderLoader[R]) VerifyChecksum(image []byte) bool {
	n := HeaderSize(l.Ctx.Params)
	if len(image) < n {
		return false
	}
	return base.VerifyChecksum(image[:n])
}

func (l HeaderLoader[R]) Deserialize(image []byte) (cache.Entry, error) {
	h, err := l.decode(image)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l HeaderLoader[R]) decode(image []byte) (*Header[R], error) {
	const what = "v2 B-tree header"

	if err := l.Ctx.validate(); err != nil {
		return nil, err
	}
	h := newHeader(l.Addr, l.Ctx, l.Class)
	if len(image) < h.hdrSize {
		return nil, base.Corrupt(what, l.Addr, len(image), base.ErrShortImage)
	}

	r := base.NewReader(image[:h.hdrSize], l.Ctx.Params)
	if string(r.Bytes(base.SizeofMagic)) != HeaderMagic {
		return nil, base.Corrupt(what, l.Addr, 0, base.ErrBadSignature)
	}
	if v := r.U8(); v != HeaderVersion {
		return nil, base.Corrupt(what, l.Addr, r.Offset()-1, fmt.Errorf("%w: %d", base.ErrUnsupportedVersion, v))
	}
	id := ClassID(r.U8())
	if !id.Valid() {
		return nil, base.Corrupt(what, l.Addr, r.Offset()-1, fmt.Errorf("%w: %d", base.ErrUnknownClass, id))
	}
	if id != l.Class.ID() {
		return nil, base.Corrupt(what, l.Addr, r.Offset()-1, fmt.Errorf("%w: file has %s, opened as %s", base.ErrUnknownClass, id, l.Class.ID()))
	}

	h.NodeSize = r.U32()
	h.RecordSize = r.U16()
	depth := r.U16()
	h.SplitPercent = r.U8()
	h.MergePercent = r.U8()
	h.Root.Addr = r.Addr()
	h.Root.NodeNrec = r.U16()
	h.Root.AllNrec = r.Length()
	r.Skip(base.SizeofChecksum)
	if err := r.Err(); err != nil {
		return nil, base.Corrupt(what, l.Addr, r.Offset(), err)
	}
	if r.Offset() != h.hdrSize {
		panic(fmt.Sprintf("btree2: decoded header is %d bytes, expected %d", r.Offset(), h.hdrSize))
	}

	if err := h.CreateParams.Validate(); err != nil {
		return nil, base.Corrupt(what, l.Addr, headerFixedSize, err)
	}
	if err := h.init(depth); err != nil {
		return nil, base.Corrupt(what, l.Addr, headerFixedSize, err)
	}
	if int(h.Root.NodeNrec) > h.nodeInfo[depth].MaxNrec || h.Root.AllNrec > h.nodeInfo[depth].CumMaxNrec {
		return nil, base.Corrupt(what, l.Addr, headerFixedSize, base.ErrBadNodePointer)
	}
	if depth == 0 && h.Root.AllNrec != uint64(h.Root.NodeNrec) {
		return nil, base.Corrupt(what, l.Addr, headerFixedSize, base.ErrBadNodePointer)
	}
	return h, nil
}
