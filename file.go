// Package metacache is a metadata cache for HDF5-style files. It loads,
// writes and evicts v2 B-tree headers and nodes and local heaps through a
// bounded cache, honoring flush dependencies and SWMR shadowing.
package metacache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
	"metacache/internal/storage"
)

type (
	// Addr is a byte address in the file.
	Addr = base.Addr

	// Params are the file-wide address and length widths.
	Params = base.Params

	// Handle names a flush dependency participant, e.g. an object header
	// that owns a B-tree or heap.
	Handle = flushdep.Handle
)

const (
	UndefAddr = base.UndefAddr
	NoHandle  = flushdep.None
)

type File struct {
	mu     sync.Mutex
	id     uuid.UUID
	path   string
	opts   Options
	store  storage.Backend
	deps   *flushdep.Graph
	cache  *cache.Manager
	eoa    atomic.Uint64 // end of allocated space
	closed bool
}

// Open opens or creates the file at path.
func Open(path string, options ...Option) (*File, error) {
	// Apply options
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.params.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(path, opts.mmap)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	deps := flushdep.NewGraph()
	mgr, err := cache.NewManager(store, deps, cache.Config{
		MaxEntries: opts.maxCacheEntries,
		Logger:     opts.logger,
		LogArgs:    []any{"file", id.String()},
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	f := &File{
		id:    id,
		path:  path,
		opts:  opts,
		store: store,
		deps:  deps,
		cache: mgr,
	}
	f.eoa.Store(uint64(store.Size()))

	opts.logger.Info("metadata file opened", "file", id.String(), "path", path,
		"size", store.Size(), "swmr", opts.swmrWrite)
	return f, nil
}

// ID identifies this open instance of the file in logs.
func (f *File) ID() uuid.UUID { return f.id }

func (f *File) Path() string { return f.path }

func (f *File) Params() Params { return f.opts.params }

func (f *File) SWMRWrite() bool { return f.opts.swmrWrite }

// NewHandle allocates a flush dependency handle for an object that is not
// itself cached here, such as the object header owning a tree or heap.
func (f *File) NewHandle() Handle { return f.deps.NewHandle() }

// DependOn records that child must be flushed before parent may be evicted.
func (f *File) DependOn(parent, child Handle) { f.deps.Create(parent, child) }

// Undepend removes an edge added with DependOn.
func (f *File) Undepend(parent, child Handle) { f.deps.Destroy(parent, child) }

// Allocate reserves n bytes at the end of the file, 8-byte aligned.
func (f *File) Allocate(n uint64) Addr {
	n = (n + 7) &^ 7
	for {
		cur := f.eoa.Load()
		start := (cur + 7) &^ 7
		if f.eoa.CompareAndSwap(cur, start+n) {
			return Addr(start)
		}
	}
}

// Unprotect releases a structure returned by one of the Create or Open
// functions. Set dirty when it was changed.
func (f *File) Unprotect(addr Addr, dirty bool) error {
	return f.cache.Unprotect(addr, dirty)
}

// MarkDirty schedules the cached structure at addr for the next flush.
func (f *File) MarkDirty(addr Addr) error {
	return f.cache.MarkDirty(addr)
}

// Evict writes the structure at addr if needed and drops it from the
// cache.
func (f *File) Evict(addr Addr) error {
	return f.cache.Evict(addr)
}

// Cached reports whether addr is in the cache.
func (f *File) Cached(addr Addr) bool {
	return f.cache.Contains(addr)
}

// Flush writes every dirty structure, children before their flush
// dependency parents, and syncs the file.
func (f *File) Flush() error {
	if err := f.cache.Flush(); err != nil {
		return err
	}
	return f.store.Sync()
}

type Stats struct {
	Cache   cache.Stats
	IO      storage.Stats
	Entries int
}

func (f *File) Stats() Stats {
	return Stats{
		Cache:   f.cache.Stats(),
		IO:      f.store.Stats(),
		Entries: f.cache.Len(),
	}
}

// Close flushes and evicts everything and closes the file. It fails, and
// leaves the file open, while structures are still protected.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	if err := f.cache.Close(); err != nil {
		return err
	}
	if err := f.store.Sync(); err != nil {
		return err
	}
	if err := f.store.Close(); err != nil {
		return err
	}
	f.closed = true
	f.opts.logger.Info("metadata file closed", "file", f.id.String(), "path", f.path)
	return nil
}

// protect loads addr through l and asserts the entry's type.
func protect[T cache.Entry](f *File, addr Addr, l cache.Loader) (T, error) {
	var zero T
	e, err := f.cache.Protect(addr, l)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		_ = f.cache.Unprotect(addr, false)
		return zero, fmt.Errorf("%w: %s at %s is cached as %T", base.ErrInvalidParams, l.Name(), addr, e)
	}
	return t, nil
}
