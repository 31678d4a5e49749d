package metacache

import (
	"metacache/internal/localheap"
)

type (
	LocalHeap = localheap.State
	FreeBlock = localheap.FreeBlock
)

func (f *File) heapContext(parent Handle) localheap.Context {
	return localheap.Context{
		Params:    f.opts.params,
		SWMRWrite: f.opts.swmrWrite,
		Deps:      f.deps,
		Parent:    parent,
	}
}

// LocalHeapPrefixSize is the prefix length for this file's field widths. A
// data block placed right after the prefix is cached with it as one object.
func (f *File) LocalHeapPrefixSize() int {
	return localheap.PrefixSize(f.opts.params)
}

// CreateLocalHeap creates a heap with its prefix at prfxAddr and a data
// block of dataSize bytes at dataAddr. parent is the owning object header,
// or NoHandle. The heap is returned protected.
func (f *File) CreateLocalHeap(prfxAddr Addr, dataSize uint64, dataAddr Addr, parent Handle) (*LocalHeap, error) {
	h, err := localheap.New(f.heapContext(parent), prfxAddr, dataSize, dataAddr)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Insert(h.Prefix()); err != nil {
		return nil, err
	}
	if d := h.DataBlock(); d != nil {
		if err := f.cache.Insert(d); err != nil {
			_ = d.Free()
			if derr := f.cache.Discard(h.PrefixAddr()); derr != nil {
				f.opts.logger.Warn("abandoned local heap prefix left cached", "file", f.id.String(),
					"addr", h.PrefixAddr().String(), "error", derr)
			}
			return nil, err
		}
	}
	return h, nil
}

// OpenLocalHeap protects the heap whose prefix is at prfxAddr, loading the
// prefix and, when stored apart, the data block.
func (f *File) OpenLocalHeap(prfxAddr Addr, parent Handle) (*LocalHeap, error) {
	prfx, err := protect[*localheap.Prefix](f, prfxAddr, &localheap.PrefixLoader{
		Addr: prfxAddr,
		Ctx:  f.heapContext(parent),
	})
	if err != nil {
		return nil, err
	}

	h := prfx.Heap()
	if h.SingleCacheObject() || h.DataSize() == 0 {
		return h, nil
	}
	if _, err := protect[*localheap.DataBlock](f, h.DataAddr(), localheap.DataBlockLoader{Heap: h}); err != nil {
		_ = f.cache.Unprotect(prfxAddr, false)
		return nil, err
	}
	return h, nil
}

// UnprotectLocalHeap releases a heap returned by CreateLocalHeap or
// OpenLocalHeap. A changed free list changes the prefix too, so dirty
// applies to both halves.
func (f *File) UnprotectLocalHeap(h *LocalHeap, dirty bool) error {
	if d := h.DataBlock(); d != nil {
		if err := f.cache.Unprotect(d.Addr(), dirty); err != nil {
			return err
		}
	}
	return f.cache.Unprotect(h.PrefixAddr(), dirty)
}

// ShadowLocalHeap moves a protected heap's separate data block to freshly
// allocated space under SWMR writes, and marks the prefix dirty so the new
// address is written.
func (f *File) ShadowLocalHeap(h *LocalHeap) (bool, error) {
	d := h.DataBlock()
	if !f.opts.swmrWrite || h.SingleCacheObject() || d == nil || d.Shadowed() {
		return false, nil
	}
	moved, err := h.ShadowDataBlock(f.cache, f.Allocate(h.DataSize()))
	if err != nil || !moved {
		return moved, err
	}
	return true, f.cache.MarkDirty(h.PrefixAddr())
}
