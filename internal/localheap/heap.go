// Package localheap implements the cache clients for local heaps: a small
// prefix that describes a data block of variable-length blobs, and the data
// block itself with its free list stored inside the free runs.
//
// A heap whose data block immediately follows its prefix is cached as one
// object (the prefix image carries the data). Otherwise the prefix and the
// data block are cached separately and share one State.
package localheap

import (
	"fmt"
	"slices"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
	"metacache/internal/shadow"
)

const (
	Magic         = "HEAP"
	Version uint8 = 0

	// FreeNull terminates the on-disk free list. Offset 1 can never start a
	// free run because runs are 8-byte aligned.
	FreeNull uint64 = 1

	// SpecReadSize is the first read for a prefix whose real size is not yet
	// known.
	SpecReadSize = 512

	Alignment = 8

	// MaxDataBlockSize bounds the in-core data block. Larger declared sizes
	// fail with base.ErrAllocation rather than attempting the allocation.
	MaxDataBlockSize = 1 << 30
)

// PrefixSize is the on-disk prefix length, padded to the heap alignment.
//
// PREFIX LAYOUT:
// ┌──────────────────────────────────────────────────────────┐
// │ "HEAP" (4) | version (1) | reserved (3)                  │
// ├──────────────────────────────────────────────────────────┤
// │ data block size (sizeof size)                            │
// │ free list head offset (sizeof size, FreeNull if empty)   │
// │ data block addr (sizeof addr)                            │
// ├──────────────────────────────────────────────────────────┤
// │ zero to 8-byte alignment                                 │
// └──────────────────────────────────────────────────────────┘
func PrefixSize(p base.Params) int {
	return base.Align8(prefixUsed(p))
}

func prefixUsed(p base.Params) int {
	return base.SizeofMagic + 1 + 3 + 2*p.SizeofSize + p.SizeofAddr
}

// MinFreeSize is the smallest run that can hold the embedded next and size
// fields.
func MinFreeSize(p base.Params) uint64 {
	return uint64(base.Align8(2 * p.SizeofSize))
}

func align(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Context is what every load of a heap needs to know about the file.
type Context struct {
	Params    base.Params
	SWMRWrite bool
	Deps      *flushdep.Graph

	// Parent is the object header that owns the heap, if it takes part in
	// flush dependencies.
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

// State is the heap shared by its prefix and data block entries. The data
// image and free list live here so either side can be evicted and reloaded
// while the other stays in core.
type State struct {
	ctx Context

	prfxAddr base.Addr
	prfxSize int
	dblkAddr base.Addr
	dblkSize uint64
	freeHead uint64
	single   bool

	image []byte // data block bytes; free runs hold stale list fields
	free  FreeList

	prefix *Prefix
	dblk   *DataBlock

	// Data block shadowing since the prefix's last flush.
	shadows *shadow.Registry
}

func newState(ctx Context, prfxAddr base.Addr) *State {
	return &State{
		ctx:      ctx,
		prfxAddr: prfxAddr,
		prfxSize: PrefixSize(ctx.Params),
		dblkAddr: base.UndefAddr,
		freeHead: FreeNull,
		free:     newFreeList(),
		shadows:  shadow.NewRegistry(),
	}
}

// New creates a heap with an empty data block of dataSize bytes. The whole
// block starts as one free run when it is large enough to hold one.
func New(ctx Context, prfxAddr base.Addr, dataSize uint64, dataAddr base.Addr) (*State, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	if dataSize > MaxDataBlockSize {
		return nil, fmt.Errorf("%w: %d byte local heap", base.ErrAllocation, dataSize)
	}
	if dataSize > 0 && !dataAddr.Defined() {
		return nil, fmt.Errorf("%w: data block without an address", base.ErrInvalidParams)
	}

	s := newState(ctx, prfxAddr)
	s.dblkSize = dataSize
	s.dblkAddr = dataAddr
	s.single = s.contiguous()
	s.image = make([]byte, dataSize)
	if dataSize >= MinFreeSize(ctx.Params) {
		s.free.PushBack(FreeBlock{Offset: 0, Size: dataSize})
		s.freeHead = 0
	}

	s.prefix = newPrefix(s)
	if !s.single && dataSize > 0 {
		s.dblk = newDataBlock(s)
	}
	return s, nil
}

func (s *State) contiguous() bool {
	return s.dblkSize > 0 && s.prfxAddr+base.Addr(s.prfxSize) == s.dblkAddr
}

// SingleCacheObject reports whether prefix and data block are one image.
func (s *State) SingleCacheObject() bool { return s.single }

func (s *State) DataSize() uint64 { return s.dblkSize }

func (s *State) DataAddr() base.Addr { return s.dblkAddr }

func (s *State) PrefixAddr() base.Addr { return s.prfxAddr }

// FreeHead is the free list head as last encoded or decoded.
func (s *State) FreeHead() uint64 { return s.freeHead }

// Prefix returns the prefix entry, or nil once it has been freed.
func (s *State) Prefix() *Prefix { return s.prefix }

// DataBlock returns the separately cached data block entry, or nil.
func (s *State) DataBlock() *DataBlock { return s.dblk }

// Loaded reports whether the data block bytes are in core.
func (s *State) Loaded() bool { return s.image != nil || s.dblkSize == 0 }

func (s *State) Shadows() *shadow.Registry { return s.shadows }

func (s *State) checkRange(off, n uint64) error {
	if !s.Loaded() {
		return fmt.Errorf("local heap at %s: data block not loaded", s.prfxAddr)
	}
	if off > s.dblkSize || n > s.dblkSize-off {
		return fmt.Errorf("%w: range [%d, %d) outside %d byte heap", base.ErrInvalidParams, off, off+n, s.dblkSize)
	}
	return nil
}

// Read returns a copy of n bytes at off.
func (s *State) Read(off, n uint64) ([]byte, error) {
	if err := s.checkRange(off, n); err != nil {
		return nil, err
	}
	return slices.Clone(s.image[off : off+n]), nil
}

// Write stores b at off. The range must not overlap a free run.
func (s *State) Write(off uint64, b []byte) error {
	n := uint64(len(b))
	if err := s.checkRange(off, n); err != nil {
		return err
	}
	if s.free.overlaps(off, n) {
		return fmt.Errorf("%w: write [%d, %d) overlaps a free run", base.ErrInvalidParams, off, off+n)
	}
	copy(s.image[off:], b)
	return nil
}

// InsertFree returns [off, off+size) to the free list. Runs are appended,
// except a run at offset 0: a next field of 0 ends no chain, so that run
// can only be the head.
func (s *State) InsertFree(off, size uint64) error {
	if err := s.checkRange(off, size); err != nil {
		return err
	}
	if off%Alignment != 0 || size%Alignment != 0 {
		return fmt.Errorf("%w: free run [%d, %d) not %d-byte aligned", base.ErrInvalidParams, off, off+size, Alignment)
	}
	if size < MinFreeSize(s.ctx.Params) {
		return fmt.Errorf("%w: free run of %d bytes is too small", base.ErrInvalidParams, size)
	}
	if s.free.overlaps(off, size) {
		return fmt.Errorf("%w: free run [%d, %d) overlaps", base.ErrInvalidParams, off, off+size)
	}
	if off == 0 {
		s.free.PushFront(FreeBlock{Offset: off, Size: size})
	} else {
		s.free.PushBack(FreeBlock{Offset: off, Size: size})
	}
	return nil
}

// RemoveFree takes the run starting at off off the free list.
func (s *State) RemoveFree(off uint64) error {
	i := s.free.find(off)
	if i == nilNode {
		return fmt.Errorf("%w: no free run at %d", base.ErrInvalidParams, off)
	}
	s.free.Remove(i)
	return nil
}

// Allocate carves size bytes, rounded up to the alignment, from the first
// run that fits. A remainder too small to stay on the free list is handed
// out with the allocation.
func (s *State) Allocate(size uint64) (uint64, error) {
	if !s.Loaded() {
		return 0, fmt.Errorf("local heap at %s: data block not loaded", s.prfxAddr)
	}
	need := align(max(size, 1))
	minFree := MinFreeSize(s.ctx.Params)
	for i := s.free.head; i != nilNode; i = s.free.nodes[i].next {
		b := &s.free.nodes[i].FreeBlock
		if b.Size < need {
			continue
		}
		off := b.Offset
		if b.Size-need >= minFree {
			b.Offset += need
			b.Size -= need
		} else {
			s.free.Remove(i)
		}
		return off, nil
	}
	return 0, fmt.Errorf("%w: no free run of %d bytes in local heap", base.ErrAllocation, need)
}

// FreeBlocks returns the free runs in list order.
func (s *State) FreeBlocks() []FreeBlock {
	return s.free.Blocks()
}

// decodeFreeList rebuilds the free list from the runs embedded in image,
// starting at the prefix's free head.
func (s *State) decodeFreeList() error {
	const what = "local heap data block"
	p := s.ctx.Params
	fieldLen := uint64(2 * p.SizeofSize)

	s.free.reset()
	seen := make(map[uint64]struct{})
	for off := s.freeHead; off != FreeNull; {
		bad := func(detail string) error {
			s.free.reset()
			return base.Corrupt(what, s.dblkAddr, int(min(off, s.dblkSize)), fmt.Errorf("%w: %s", base.ErrBadFreeList, detail))
		}
		if off >= s.dblkSize {
			return bad(fmt.Sprintf("offset %d beyond %d byte block", off, s.dblkSize))
		}
		if off%Alignment != 0 {
			return bad(fmt.Sprintf("offset %d not aligned", off))
		}
		if fieldLen > s.dblkSize-off {
			return bad(fmt.Sprintf("run at %d too short for its fields", off))
		}
		if _, dup := seen[off]; dup {
			return bad(fmt.Sprintf("cycle at offset %d", off))
		}
		seen[off] = struct{}{}

		r := base.NewReader(s.image[off:off+fieldLen], p)
		next := r.Length()
		size := r.Length()
		if next == 0 {
			return bad("zero next offset")
		}
		if size > s.dblkSize-off {
			return bad(fmt.Sprintf("run [%d, %d) past end of block", off, off+size))
		}
		s.free.PushBack(FreeBlock{Offset: off, Size: size})
		off = next
	}

	blocks := s.free.Blocks()
	slices.SortFunc(blocks, func(a, b FreeBlock) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	for i := 1; i < len(blocks); i++ {
		if blocks[i-1].end() > blocks[i].Offset {
			s.free.reset()
			return base.Corrupt(what, s.dblkAddr, int(blocks[i].Offset), fmt.Errorf("%w: runs at %d and %d overlap", base.ErrBadFreeList, blocks[i-1].Offset, blocks[i].Offset))
		}
	}
	return nil
}

// encodeData writes the data block image into dst: the in-core bytes with
// the current free list written into the free runs. The in-core image is
// left untouched. It also refreshes the free head from the list.
func (s *State) encodeData(dst []byte) {
	copy(dst, s.image)
	p := s.ctx.Params
	s.free.each(func(b FreeBlock, next uint64, ok bool) {
		if b.Offset%Alignment != 0 {
			panic(fmt.Sprintf("localheap: free run at unaligned offset %d", b.Offset))
		}
		if !ok {
			next = FreeNull
		}
		w := base.NewWriter(dst[b.Offset:], p)
		w.Length(next)
		w.Length(b.Size)
	})
	s.refreshFreeHead()
}

func (s *State) refreshFreeHead() {
	if b, ok := s.free.Head(); ok {
		s.freeHead = b.Offset
	} else {
		s.freeHead = FreeNull
	}
}

// ShadowDataBlock moves a separately cached data block to newAddr under
// SWMR writes, once per prefix flush. The prefix must be written afterwards
// to record the new address.
func (s *State) ShadowDataBlock(m cache.Mover, newAddr base.Addr) (bool, error) {
	if !s.ctx.SWMRWrite || s.single || s.dblk == nil || s.shadows.IsLinked(s.dblk.slot) {
		return false, nil
	}
	if !newAddr.Defined() {
		return false, fmt.Errorf("%w: shadow to undefined address", base.ErrInvalidParams)
	}
	old := s.dblkAddr
	if err := m.Move(old, newAddr); err != nil {
		return false, fmt.Errorf("shadow local heap data block %s -> %s: %w", old, newAddr, err)
	}
	s.dblkAddr = newAddr
	s.shadows.Link(s.dblk.slot)
	return true, nil
}

// release drops the shared state once neither side is in core.
func (s *State) release() {
	if s.prefix != nil || s.dblk != nil {
		return
	}
	s.image = nil
	s.free.reset()
}
