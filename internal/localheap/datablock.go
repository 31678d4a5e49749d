package localheap

import (
	"fmt"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
	"metacache/internal/shadow"
)

// DataBlock is the cache entry for a data block stored apart from its
// prefix.
type DataBlock struct {
	heap   *State
	handle flushdep.Handle
	slot   shadow.ID
	freed  bool
}

func newDataBlock(s *State) *DataBlock {
	d := &DataBlock{heap: s, slot: s.shadows.Register(shadow.DataBlock)}
	if s.ctx.Deps != nil {
		d.handle = s.ctx.Deps.NewHandle()
	}
	return d
}

func (d *DataBlock) Heap() *State { return d.heap }

func (d *DataBlock) Addr() base.Addr { return d.heap.dblkAddr }

func (d *DataBlock) Relocate(addr base.Addr) { d.heap.dblkAddr = addr }

func (d *DataBlock) FlushHandle() flushdep.Handle { return d.handle }

func (d *DataBlock) ImageLen() int { return int(d.heap.dblkSize) }

// Shadowed reports whether the block moved since the prefix's last flush.
func (d *DataBlock) Shadowed() bool {
	return d.heap.shadows.IsLinked(d.slot)
}

func (d *DataBlock) Serialize(image []byte) error {
	s := d.heap
	if len(image) != int(s.dblkSize) {
		return fmt.Errorf("localheap: data block image is %d bytes, want %d", len(image), s.dblkSize)
	}
	s.encodeData(image)
	return nil
}

// parent is the prefix's handle: the data block flushes before it.
func (d *DataBlock) parent() flushdep.Handle {
	if d.heap.prefix == nil {
		panic(fmt.Sprintf("localheap: data block at %s has no prefix", d.heap.dblkAddr))
	}
	return d.heap.prefix.handle
}

func (d *DataBlock) Notify(action cache.Action) error {
	s := d.heap
	switch action {
	case cache.AfterInsert, cache.AfterLoad:
		if s.ctx.SWMRWrite {
			s.ctx.Deps.Create(d.parent(), d.handle)
		}
	case cache.AfterFlush:
	case cache.BeforeEvict:
		if s.ctx.SWMRWrite {
			s.ctx.Deps.Destroy(d.parent(), d.handle)
		}
	default:
		return fmt.Errorf("localheap: unknown cache action %s", action)
	}
	return nil
}

// Free releases the data block entry. The heap keeps its image while the
// prefix is still in core, so a reload of the block reuses it.
func (d *DataBlock) Free() error {
	s := d.heap
	if d.freed {
		panic(fmt.Sprintf("localheap: data block at %s freed twice", s.dblkAddr))
	}
	if s.ctx.SWMRWrite && s.prefix != nil && s.ctx.Deps.Has(s.prefix.handle, d.handle) {
		panic(fmt.Sprintf("localheap: data block at %s freed with a live flush dependency", s.dblkAddr))
	}
	s.shadows.Release(d.slot)
	d.freed = true
	if s.dblk == d {
		s.dblk = nil
	}
	s.release()
	return nil
}

// DataBlockLoader loads the separately stored data block of a heap whose
// prefix is already in core.
type DataBlockLoader struct {
	Heap *State
}

func (l DataBlockLoader) Name() string { return "local heap data block" }

func (l DataBlockLoader) Speculative() bool { return false }

func (l DataBlockLoader) GetLoadSize(image []byte) (cache.LoadSize, error) {
	n := int(l.Heap.dblkSize)
	ls := cache.LoadSize{Declared: n}
	if image != nil {
		ls.Actual = n
	}
	return ls, nil
}

// VerifyChecksum always passes: local heaps carry no checksum.
func (l DataBlockLoader) VerifyChecksum([]byte) bool { return true }

func (l DataBlockLoader) Deserialize(image []byte) (cache.Entry, error) {
	const what = "local heap data block"
	s := l.Heap

	switch {
	case s.single:
		return nil, fmt.Errorf("localheap: heap at %s is a single cache object", s.prfxAddr)
	case s.dblkSize == 0:
		return nil, fmt.Errorf("localheap: heap at %s has no data block", s.prfxAddr)
	case s.dblk != nil:
		return nil, fmt.Errorf("localheap: data block at %s already in core", s.dblkAddr)
	case s.dblkSize > MaxDataBlockSize:
		return nil, fmt.Errorf("%s at %s: %w: %d bytes", what, s.dblkAddr, base.ErrAllocation, s.dblkSize)
	}

	d := newDataBlock(s)
	if s.image == nil {
		if uint64(len(image)) < s.dblkSize {
			_ = d.Free()
			return nil, base.Corrupt(what, s.dblkAddr, len(image), base.ErrShortImage)
		}
		s.image = make([]byte, s.dblkSize)
		copy(s.image, image)
		if err := s.decodeFreeList(); err != nil {
			s.image = nil
			_ = d.Free()
			return nil, err
		}
	}
	s.dblk = d
	return d, nil
}
