package cache

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/google/btree"

	"metacache/internal/base"
	"metacache/internal/flushdep"
)

const (
	MinCacheSize     = 16 // Minimum: hold a tree path plus a heap
	DefaultCacheSize = 1024
)

// Manager is a metadata cache over a Storage. It drives the client protocol:
// loads through a Loader, writes dirty entries in flush-dependency order and
// evicts least recently used entries down to a low-water mark.
//
// Entries are not safe for concurrent use. The Manager serializes its own
// bookkeeping but callers must not share a protected entry between
// goroutines.
type Manager struct {
	mu       sync.Mutex
	store    Storage
	deps     *flushdep.Graph
	log      Logger
	logArgs  []any
	entries  map[base.Addr]*entry
	byHandle map[flushdep.Handle]*entry
	recency  *freelru.LRU[base.Addr, struct{}] // least recently used first
	dirty    *btree.BTreeG[base.Addr]          // flush order
	maxSize  int                               // Max total entries
	lowWater int                               // Evict to this (80% of max)
	closed   bool

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	loads     atomic.Uint64
	retries   atomic.Uint64
	flushes   atomic.Uint64
	evictions atomic.Uint64
}

type entry struct {
	addr    base.Addr
	obj     Entry
	handle  flushdep.Handle
	protect int
	dirty   bool
}

// Config configures a Manager.
type Config struct {
	MaxEntries int
	Logger     Logger

	// LogArgs are key/value pairs added to every log message.
	LogArgs []any
}

func hashAddr(a base.Addr) uint32 {
	var b [8]byte
	base.EncodeVar(b[:], uint64(a))
	return uint32(xxhash.Sum64(b[:]))
}

// NewManager creates a cache over store. deps may be shared with the
// clients that create flush dependencies.
func NewManager(store Storage, deps *flushdep.Graph, cfg Config) (*Manager, error) {
	if store == nil || deps == nil {
		return nil, fmt.Errorf("%w: cache needs storage and a flush dependency graph", base.ErrInvalidParams)
	}
	maxSize := max(cfg.MaxEntries, MinCacheSize)
	if cfg.MaxEntries == 0 {
		maxSize = DefaultCacheSize
	}

	// Protected and referenced entries can push the cache past maxSize, so
	// the recency list gets headroom. Entries it drops are still evictable.
	recency, err := freelru.New[base.Addr, struct{}](uint32(maxSize*4), hashAddr)
	if err != nil {
		return nil, fmt.Errorf("create recency list: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = discard{}
	}

	return &Manager{
		store:    store,
		deps:     deps,
		log:      log,
		logArgs:  cfg.LogArgs,
		entries:  make(map[base.Addr]*entry),
		byHandle: make(map[flushdep.Handle]*entry),
		recency:  recency,
		dirty:    btree.NewG[base.Addr](16, func(a, b base.Addr) bool { return a < b }),
		maxSize:  maxSize,
		lowWater: (maxSize * 4) / 5, // 80%
	}, nil
}

func (m *Manager) args(kv ...any) []any {
	return append(append([]any(nil), m.logArgs...), kv...)
}

// Deps returns the flush dependency graph the cache honors.
func (m *Manager) Deps() *flushdep.Graph { return m.deps }

// Protect returns the entry at addr, loading it through l on a miss. The
// entry stays protected, and cannot be evicted, until Unprotect.
func (m *Manager) Protect(addr base.Addr, l Loader) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, base.ErrClosed
	}
	if !addr.Defined() {
		return nil, fmt.Errorf("%w: protect at undefined address", base.ErrInvalidParams)
	}

	if e, ok := m.entries[addr]; ok {
		m.hits.Add(1)
		e.protect++
		m.touch(addr)
		return e.obj, nil
	}
	m.misses.Add(1)

	obj, err := m.load(addr, l)
	if err != nil {
		m.log.Warn("metadata load failed", m.args("client", l.Name(), "addr", addr.String(), "error", err)...)
		return nil, err
	}
	if obj.Addr() != addr {
		_ = obj.Free()
		return nil, fmt.Errorf("%s loaded at %s reports address %s", l.Name(), addr, obj.Addr())
	}
	if err := obj.Notify(AfterLoad); err != nil {
		_ = obj.Free()
		return nil, fmt.Errorf("%s at %s: %w", l.Name(), addr, err)
	}
	e := m.add(obj)
	e.protect = 1
	m.loads.Add(1)
	m.shrink()
	return obj, nil
}

// load runs the client load protocol: a read of the declared size, a single
// re-read once the exact size is known, checksum verification and
// deserialization with at most one short-buffer retry.
func (m *Manager) load(addr base.Addr, l Loader) (Entry, error) {
	ls, err := l.GetLoadSize(nil)
	if err != nil {
		return nil, err
	}
	buf, err := m.read(addr, ls.Declared, l)
	if err != nil {
		return nil, err
	}

	reread := func() error {
		ls, err := l.GetLoadSize(buf)
		if err != nil {
			return err
		}
		if ls.Actual <= len(buf) {
			if ls.Actual > 0 {
				buf = buf[:ls.Actual]
			}
			return nil
		}
		m.retries.Add(1)
		m.log.Info("metadata short read, retrying", m.args("client", l.Name(), "addr", addr.String(), "have", len(buf), "want", ls.Actual)...)
		buf, err = m.read(addr, ls.Actual, l)
		return err
	}
	if err := reread(); err != nil {
		return nil, err
	}

	for retried := false; ; retried = true {
		if !l.VerifyChecksum(buf) {
			return nil, base.Corrupt(l.Name(), addr, 0, base.ErrCorruptChecksum)
		}
		obj, err := l.Deserialize(buf)
		switch {
		case err == nil:
			return obj, nil
		case !errors.Is(err, base.ErrShortBuffer):
			return nil, err
		case retried:
			return nil, fmt.Errorf("%s at %s: %w", l.Name(), addr, base.ErrRepeatedShortBuffer)
		}
		if err := reread(); err != nil {
			return nil, err
		}
	}
}

// read reads n bytes at addr. A speculative loader may get fewer bytes at
// end of file.
func (m *Manager) read(addr base.Addr, n int, l Loader) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%s at %s: load size %d", l.Name(), addr, n)
	}
	buf := make([]byte, n)
	got, err := m.store.ReadAt(addr, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF) && l.Speculative() && got > 0:
		return buf[:got], nil
	case errors.Is(err, io.EOF):
		return nil, base.Corrupt(l.Name(), addr, got, base.ErrShortImage)
	default:
		return nil, fmt.Errorf("read %s at %s: %w", l.Name(), addr, err)
	}
}

func (m *Manager) add(obj Entry) *entry {
	e := &entry{addr: obj.Addr(), obj: obj}
	if h, ok := obj.(Handled); ok {
		e.handle = h.FlushHandle()
		if e.handle != flushdep.None {
			m.byHandle[e.handle] = e
		}
	}
	m.entries[e.addr] = e
	m.touch(e.addr)
	return e
}

func (m *Manager) remove(e *entry) {
	delete(m.entries, e.addr)
	if e.handle != flushdep.None {
		delete(m.byHandle, e.handle)
	}
	if e.dirty {
		m.dirty.Delete(e.addr)
	}
	m.recency.Remove(e.addr)
}

func (m *Manager) touch(addr base.Addr) {
	m.recency.Add(addr, struct{}{})
}

func (m *Manager) setDirty(e *entry) {
	if !e.dirty {
		e.dirty = true
		m.dirty.ReplaceOrInsert(e.addr)
	}
}

func (m *Manager) lookup(addr base.Addr) (*entry, error) {
	if m.closed {
		return nil, base.ErrClosed
	}
	e, ok := m.entries[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", base.ErrEntryNotCached, addr)
	}
	return e, nil
}

// Unprotect releases one protection of the entry at addr, marking it dirty
// if the caller changed it.
func (m *Manager) Unprotect(addr base.Addr, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(addr)
	if err != nil {
		return err
	}
	if e.protect == 0 {
		return fmt.Errorf("%w: %s", base.ErrNotProtected, addr)
	}
	e.protect--
	if dirty {
		m.setDirty(e)
	}
	m.shrink()
	return nil
}

// Insert adds a newly created entry. It starts dirty and protected; the
// caller unprotects it when done.
func (m *Manager) Insert(obj Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return base.ErrClosed
	}
	addr := obj.Addr()
	if !addr.Defined() {
		return fmt.Errorf("%w: insert at undefined address", base.ErrInvalidParams)
	}
	if _, ok := m.entries[addr]; ok {
		return fmt.Errorf("%w: %s", base.ErrEntryExists, addr)
	}
	if err := obj.Notify(AfterInsert); err != nil {
		return fmt.Errorf("insert at %s: %w", addr, err)
	}
	e := m.add(obj)
	e.protect = 1
	m.setDirty(e)
	m.shrink()
	return nil
}

// MarkDirty schedules the entry at addr for the next flush.
func (m *Manager) MarkDirty(addr base.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(addr)
	if err != nil {
		return err
	}
	m.setDirty(e)
	return nil
}

// Move re-keys the entry at from to to. The entry is told its new address
// and is written there on the next flush.
func (m *Manager) Move(from, to base.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(from)
	if err != nil {
		return err
	}
	if !to.Defined() {
		return fmt.Errorf("%w: move to undefined address", base.ErrInvalidParams)
	}
	if _, ok := m.entries[to]; ok {
		return fmt.Errorf("%w: move %s -> %s", base.ErrEntryExists, from, to)
	}

	m.remove(e)
	e.dirty = false
	if r, ok := e.obj.(Relocatable); ok {
		r.Relocate(to)
	}
	e.addr = to
	m.entries[to] = e
	if e.handle != flushdep.None {
		m.byHandle[e.handle] = e
	}
	m.touch(to)
	m.setDirty(e)
	return nil
}

// IsDirty reports whether the entry at addr waits for a flush.
func (m *Manager) IsDirty(addr base.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[addr]
	return ok && e.dirty
}

// Contains reports whether addr is cached.
func (m *Manager) Contains(addr base.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[addr]
	return ok
}

// Flush writes every dirty entry. Flush dependency children are written
// before their parents; within a pass entries go out in address order.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return base.ErrClosed
	}
	return m.flushAll()
}

func (m *Manager) flushAll() error {
	for m.dirty.Len() > 0 {
		var ready []*entry
		m.dirty.Ascend(func(addr base.Addr) bool {
			if e := m.entries[addr]; !m.waitsOnChildren(e) {
				ready = append(ready, e)
			}
			return true
		})
		if len(ready) == 0 {
			return fmt.Errorf("%w: %d dirty entries", base.ErrFlushCycle, m.dirty.Len())
		}
		for _, e := range ready {
			if err := m.write(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitsOnChildren reports whether a flush dependency child of e is dirty.
func (m *Manager) waitsOnChildren(e *entry) bool {
	if e.handle == flushdep.None {
		return false
	}
	for _, h := range m.deps.Children(e.handle) {
		if c, ok := m.byHandle[h]; ok && c.dirty {
			return true
		}
	}
	return false
}

func (m *Manager) write(e *entry) error {
	buf := make([]byte, e.obj.ImageLen())
	if err := e.obj.Serialize(buf); err != nil {
		return fmt.Errorf("serialize entry at %s: %w", e.addr, err)
	}
	if err := m.store.WriteAt(e.addr, buf); err != nil {
		return fmt.Errorf("write entry at %s: %w", e.addr, err)
	}
	e.dirty = false
	m.dirty.Delete(e.addr)
	m.flushes.Add(1)
	return e.obj.Notify(AfterFlush)
}

// Evict writes the entry at addr if dirty and drops it from the cache.
func (m *Manager) Evict(addr base.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(addr)
	if err != nil {
		return err
	}
	return m.evict(e)
}

// Discard drops a protected entry without writing it, for structures
// whose creation is being abandoned. The entry must not be a flush
// dependency parent.
func (m *Manager) Discard(addr base.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(addr)
	if err != nil {
		return err
	}
	switch {
	case e.protect == 0:
		return fmt.Errorf("%w: %s", base.ErrNotProtected, addr)
	case e.handle != flushdep.None && m.deps.HasChildren(e.handle):
		return fmt.Errorf("%w: %s", base.ErrFlushDependency, addr)
	}
	if r, ok := e.obj.(Referenced); ok && r.Referenced() {
		return fmt.Errorf("%w: %s", base.ErrEntryReferenced, addr)
	}

	if err := e.obj.Notify(BeforeEvict); err != nil {
		return fmt.Errorf("discard entry at %s: %w", addr, err)
	}
	m.remove(e)
	if err := e.obj.Free(); err != nil {
		return fmt.Errorf("free entry at %s: %w", addr, err)
	}
	return nil
}

func (m *Manager) evict(e *entry) error {
	switch {
	case e.protect > 0:
		return fmt.Errorf("%w: %s", base.ErrEntryProtected, e.addr)
	case e.handle != flushdep.None && m.deps.HasChildren(e.handle):
		return fmt.Errorf("%w: %s", base.ErrFlushDependency, e.addr)
	}
	if r, ok := e.obj.(Referenced); ok && r.Referenced() {
		return fmt.Errorf("%w: %s", base.ErrEntryReferenced, e.addr)
	}

	if e.dirty {
		if err := m.write(e); err != nil {
			return err
		}
	}
	if err := e.obj.Notify(BeforeEvict); err != nil {
		return fmt.Errorf("evict entry at %s: %w", e.addr, err)
	}
	m.remove(e)
	m.evictions.Add(1)
	if err := e.obj.Free(); err != nil {
		return fmt.Errorf("free entry at %s: %w", e.addr, err)
	}
	return nil
}

func refused(err error) bool {
	return errors.Is(err, base.ErrEntryProtected) ||
		errors.Is(err, base.ErrFlushDependency) ||
		errors.Is(err, base.ErrEntryReferenced)
}

// candidates lists cached addresses, least recently used first. Entries the
// recency list dropped come first.
func (m *Manager) candidates() []base.Addr {
	keys := m.recency.Keys()
	if len(keys) == len(m.entries) {
		return keys
	}
	seen := make(map[base.Addr]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	var out []base.Addr
	m.dirty.Ascend(func(a base.Addr) bool {
		if _, ok := seen[a]; !ok {
			out = append(out, a)
		}
		return true
	})
	for a := range m.entries {
		if _, ok := seen[a]; !ok && !m.dirty.Has(a) {
			out = append(out, a)
		}
	}
	return append(out, keys...)
}

// shrink evicts down to lowWater once the cache reaches maxSize. Entries
// that cannot go yet are skipped; a pass that frees a child may unblock its
// parent, so passes repeat while they make progress.
func (m *Manager) shrink() {
	if len(m.entries) < m.maxSize {
		return
	}
	for len(m.entries) > m.lowWater {
		progress := false
		for _, addr := range m.candidates() {
			if len(m.entries) <= m.lowWater {
				break
			}
			e, ok := m.entries[addr]
			if !ok {
				continue
			}
			if err := m.evict(e); err != nil {
				if !refused(err) {
					m.log.Error("background eviction failed", m.args("addr", addr.String(), "error", err)...)
				}
				continue
			}
			progress = true
		}
		if !progress {
			return
		}
	}
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close flushes and evicts every entry. Entries still protected or
// referenced are reported as an error and left in place.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if err := m.flushAll(); err != nil {
		return err
	}
	for len(m.entries) > 0 {
		progress := false
		for _, addr := range m.candidates() {
			e, ok := m.entries[addr]
			if !ok {
				continue
			}
			if err := m.evict(e); err != nil {
				if refused(err) {
					continue
				}
				return err
			}
			progress = true
		}
		if !progress {
			return fmt.Errorf("close cache: %d entries still in use", len(m.entries))
		}
	}
	m.closed = true

	s := m.Stats()
	m.log.Info("metadata cache closed", m.args("hits", s.Hits, "misses", s.Misses, "loads", s.Loads,
		"retries", s.Retries, "flushes", s.Flushes, "evictions", s.Evictions)...)
	return nil
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Loads     uint64
	Retries   uint64 // short-read re-reads
	Flushes   uint64
	Evictions uint64
}

// Stats returns cache statistics
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Loads:     m.loads.Load(),
		Retries:   m.retries.Load(),
		Flushes:   m.flushes.Load(),
		Evictions: m.evictions.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics
func (m *Manager) ClearStats() {
	m.hits.Store(0)
	m.misses.Store(0)
	m.loads.Store(0)
	m.retries.Store(0)
	m.flushes.Store(0)
	m.evictions.Store(0)
}
