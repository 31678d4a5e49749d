package localheap

import (
	"fmt"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
)

// Prefix is the cache entry for a heap prefix. For a single-object heap its
// image also carries the data block.
type Prefix struct {
	heap   *State
	handle flushdep.Handle
	freed  bool
}

func newPrefix(s *State) *Prefix {
	p := &Prefix{heap: s}
	if s.ctx.Deps != nil {
		p.handle = s.ctx.Deps.NewHandle()
	}
	return p
}

func (p *Prefix) Heap() *State { return p.heap }

func (p *Prefix) Addr() base.Addr { return p.heap.prfxAddr }

// Relocate moves the prefix. A single-object heap's data moves with it.
func (p *Prefix) Relocate(addr base.Addr) {
	s := p.heap
	s.prfxAddr = addr
	if s.single {
		s.dblkAddr = addr + base.Addr(s.prfxSize)
	}
}

func (p *Prefix) FlushHandle() flushdep.Handle { return p.handle }

// Referenced holds the prefix in core while its separate data block is.
func (p *Prefix) Referenced() bool { return p.heap.dblk != nil }

func (p *Prefix) ImageLen() int {
	n := p.heap.prfxSize
	if p.heap.single {
		n += int(p.heap.dblkSize)
	}
	return n
}

func (p *Prefix) Serialize(image []byte) error {
	s := p.heap
	if len(image) != p.ImageLen() {
		return fmt.Errorf("localheap: prefix image is %d bytes, want %d", len(image), p.ImageLen())
	}
	if s.single && s.image == nil {
		return fmt.Errorf("localheap: single-object heap at %s has no data in core", s.prfxAddr)
	}

	// Without the data block in core the list is empty here; keep the head
	// last decoded or encoded.
	if s.image != nil {
		s.refreshFreeHead()
	}
	w := base.NewWriter(image, s.ctx.Params)
	w.Bytes([]byte(Magic))
	w.U8(Version)
	w.Zero(3)
	w.Length(s.dblkSize)
	w.Length(s.freeHead)
	w.Addr(s.dblkAddr)
	w.Zero(s.prfxSize - w.Offset())

	if s.single {
		s.encodeData(w.Slot(int(s.dblkSize)))
	}
	return nil
}

func (p *Prefix) Notify(action cache.Action) error {
	s := p.heap
	switch action {
	case cache.AfterInsert, cache.AfterLoad:
		if s.ctx.SWMRWrite && s.ctx.Parent != flushdep.None {
			s.ctx.Deps.Create(s.ctx.Parent, p.handle)
		}
	case cache.AfterFlush:
		// The data block must be shadowed again before its next change.
		s.shadows.Reset()
	case cache.BeforeEvict:
		if s.ctx.SWMRWrite && s.ctx.Parent != flushdep.None {
			s.ctx.Deps.Destroy(s.ctx.Parent, p.handle)
		}
	default:
		return fmt.Errorf("localheap: unknown cache action %s", action)
	}
	return nil
}

func (p *Prefix) Free() error {
	s := p.heap
	if p.freed {
		panic(fmt.Sprintf("localheap: prefix at %s freed twice", s.prfxAddr))
	}
	if s.dblk != nil {
		return fmt.Errorf("%w: local heap prefix at %s has its data block in core", base.ErrStillReferenced, s.prfxAddr)
	}
	if s.ctx.SWMRWrite && s.ctx.Deps.Has(s.ctx.Parent, p.handle) {
		panic(fmt.Sprintf("localheap: prefix at %s freed with a live flush dependency", s.prfxAddr))
	}
	p.freed = true
	s.prefix = nil
	s.release()
	return nil
}

// PrefixLoader loads a heap prefix. Use one loader per load: it remembers
// whether the short-buffer retry was already spent.
type PrefixLoader struct {
	Addr base.Addr
	Ctx  Context

	madeAttempt bool
}

func (l *PrefixLoader) Name() string { return "local heap prefix" }

func (l *PrefixLoader) Speculative() bool { return true }

type prefixFields struct {
	dblkSize uint64
	freeHead uint64
	dblkAddr base.Addr
}

// peek decodes the prefix fields. A buffer too short to hold them reports
// ok=false without an error.
func (l *PrefixLoader) peek(image []byte) (f prefixFields, ok bool, err error) {
	const what = "local heap prefix"
	if len(image) < prefixUsed(l.Ctx.Params) {
		return f, false, nil
	}
	r := base.NewReader(image, l.Ctx.Params)
	if string(r.Bytes(base.SizeofMagic)) != Magic {
		return f, false, base.Corrupt(what, l.Addr, 0, base.ErrBadSignature)
	}
	if v := r.U8(); v != Version {
		return f, false, base.Corrupt(what, l.Addr, r.Offset()-1, fmt.Errorf("%w: %d", base.ErrUnsupportedVersion, v))
	}
	r.Skip(3)
	f.dblkSize = r.Length()
	off := r.Offset()
	f.freeHead = r.Length()
	f.dblkAddr = r.Addr()
	if err := r.Err(); err != nil {
		return f, false, base.Corrupt(what, l.Addr, r.Offset(), err)
	}
	if f.freeHead != FreeNull && f.freeHead >= f.dblkSize {
		return f, false, base.Corrupt(what, l.Addr, off, fmt.Errorf("%w: head %d beyond %d byte block", base.ErrBadFreeList, f.freeHead, f.dblkSize))
	}
	return f, true, nil
}

func (l *PrefixLoader) contiguous(f prefixFields) bool {
	return f.dblkSize > 0 && l.Addr+base.Addr(PrefixSize(l.Ctx.Params)) == f.dblkAddr
}

func (l *PrefixLoader) GetLoadSize(image []byte) (cache.LoadSize, error) {
	ls := cache.LoadSize{Declared: SpecReadSize}
	if image == nil {
		return ls, nil
	}
	f, ok, err := l.peek(image)
	if err != nil {
		return ls, err
	}
	ls.Actual = PrefixSize(l.Ctx.Params)
	if ok && l.contiguous(f) {
		ls.Actual += int(min(f.dblkSize, MaxDataBlockSize))
	}
	return ls, nil
}

// VerifyChecksum always passes: local heaps carry no checksum.
func (l *PrefixLoader) VerifyChecksum([]byte) bool { return true }

func (l *PrefixLoader) Deserialize(image []byte) (cache.Entry, error) {
	s, err := l.decode(image)
	if err != nil {
		return nil, err
	}
	return s.prefix, nil
}

func (l *PrefixLoader) shortBuffer() error {
	if l.madeAttempt {
		return fmt.Errorf("local heap prefix at %s: %w", l.Addr, base.ErrRepeatedShortBuffer)
	}
	l.madeAttempt = true
	return base.ErrShortBuffer
}

func (l *PrefixLoader) decode(image []byte) (*State, error) {
	if err := l.Ctx.validate(); err != nil {
		return nil, err
	}
	f, ok, err := l.peek(image)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, l.shortBuffer()
	}
	if f.dblkSize > MaxDataBlockSize {
		return nil, fmt.Errorf("local heap prefix at %s: %w: %d byte data block", l.Addr, base.ErrAllocation, f.dblkSize)
	}

	s := newState(l.Ctx, l.Addr)
	s.dblkSize = f.dblkSize
	s.freeHead = f.freeHead
	s.dblkAddr = f.dblkAddr
	s.single = s.contiguous()

	if s.single {
		need := s.prfxSize + int(s.dblkSize)
		if len(image) < need {
			return nil, l.shortBuffer()
		}
		// There may be an alignment gap between the used prefix bytes and
		// the data block.
		s.image = make([]byte, s.dblkSize)
		copy(s.image, image[s.prfxSize:need])
		if err := s.decodeFreeList(); err != nil {
			return nil, err
		}
	}
	s.prefix = newPrefix(s)
	return s, nil
}
