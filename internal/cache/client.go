package cache

import (
	"fmt"

	"metacache/internal/base"
	"metacache/internal/flushdep"
)

// Action is a cache event delivered to an entry through Entry.Notify.
type Action uint8

const (
	AfterInsert Action = iota
	AfterLoad
	AfterFlush
	BeforeEvict
)

func (a Action) String() string {
	switch a {
	case AfterInsert:
		return "after insert"
	case AfterLoad:
		return "after load"
	case AfterFlush:
		return "after flush"
	case BeforeEvict:
		return "before evict"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// LoadSize is the answer to Loader.GetLoadSize.
type LoadSize struct {
	Declared int // bytes to read before anything is known
	Actual   int // exact image length once bytes are known, 0 if unknown
}

// Loader knows how to bring one metadata structure in from its image. A
// Loader value is created per load and may carry state across the calls of
// that load.
type Loader interface {
	// Name identifies the client kind in logs and errors.
	Name() string

	// Speculative reports whether Declared may exceed the real image, in
	// which case a short read at end of file is not an error.
	Speculative() bool

	// GetLoadSize returns the speculative length when image is nil, and
	// the exact length once bytes are available. It fails only for
	// structurally invalid bytes, never for a short buffer.
	GetLoadSize(image []byte) (LoadSize, error)

	// VerifyChecksum checks image before any of its fields are trusted.
	VerifyChecksum(image []byte) bool

	// Deserialize builds the in-core object. It returns base.ErrShortBuffer
	// when image is shorter than the structure needs; the caller may
	// re-read once.
	Deserialize(image []byte) (Entry, error)
}

// Entry is an in-core metadata object held by the cache.
type Entry interface {
	Addr() base.Addr
	ImageLen() int

	// Serialize writes exactly ImageLen bytes into image.
	Serialize(image []byte) error

	// Notify handles cache events. Unknown actions are an error.
	Notify(action Action) error

	// Free releases the object. It must succeed on partially loaded
	// objects.
	Free() error
}

// Handled entries take part in flush dependencies.
type Handled interface {
	FlushHandle() flushdep.Handle
}

// Referenced entries may not be evicted while they report true.
type Referenced interface {
	Referenced() bool
}

// Relocatable entries are told their new address after Manager.Move.
type Relocatable interface {
	Relocate(addr base.Addr)
}

// Mover relocates a cached entry, e.g. when shadowing a node.
type Mover interface {
	Move(from, to base.Addr) error
}

// Storage is the byte store behind the cache.
type Storage interface {
	// ReadAt reads len(buf) bytes at addr. Reads past the end return the
	// bytes that exist along with io.EOF.
	ReadAt(addr base.Addr, buf []byte) (int, error)
	WriteAt(addr base.Addr, b []byte) error
}

// Logger matches slog's shape.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type discard struct{}

func (discard) Error(string, ...any) {}
func (discard) Warn(string, ...any)  {}
func (discard) Info(string, ...any)  {}
