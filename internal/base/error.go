package base

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptMetadata matches every *CorruptionError via errors.Is.
	ErrCorruptMetadata = errors.New("corrupt metadata")

	ErrBadSignature       = errors.New("bad signature")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrUnknownClass       = errors.New("unknown B-tree class")
	ErrCorruptChecksum    = errors.New("checksum mismatch")
	ErrBadFreeList        = errors.New("bad local heap free list")
	ErrBadNodePointer     = errors.New("node pointer out of bounds")
	ErrShortImage         = errors.New("image too short")

	// ErrShortBuffer asks the cache to re-read with a larger buffer. It is
	// not fatal the first time it is returned for a load.
	ErrShortBuffer = errors.New("buffer shorter than declared image length")

	// ErrRepeatedShortBuffer is the hard error a second ShortBuffer for the
	// same load is promoted to.
	ErrRepeatedShortBuffer = errors.New("short buffer on retry")

	ErrAllocation      = errors.New("cannot allocate in-core object")
	ErrInvalidParams   = errors.New("invalid file format parameters")
	ErrStillReferenced = errors.New("object still referenced")
)

// Cache manager errors.
var (
	ErrEntryNotCached  = errors.New("entry not in cache")
	ErrEntryProtected  = errors.New("entry is protected")
	ErrEntryExists     = errors.New("entry already in cache")
	ErrEntryReferenced = errors.New("entry is referenced")
	ErrNotProtected    = errors.New("entry is not protected")
	ErrClosed          = errors.New("cache is closed")

	// ErrFlushDependency refuses to evict a flush dependency parent while it
	// still has children.
	ErrFlushDependency = errors.New("entry has flush dependency children")

	// ErrFlushCycle means dirty entries wait on each other's flushes.
	ErrFlushCycle = errors.New("flush dependency cycle")
)

// CorruptionError reports which metadata structure failed to decode and
// where.
type CorruptionError struct {
	Structure string // e.g. "v2 B-tree leaf node"
	Addr      Addr   // file address of the structure
	Offset    int    // byte offset inside the image
	Err       error  // one of the sentinel errors above
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s at %s: offset %d: %v", e.Structure, e.Addr, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Is makes every corruption match ErrCorruptMetadata.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptMetadata
}

// Corrupt builds a *CorruptionError.
func Corrupt(structure string, addr Addr, offset int, err error) error {
	return &CorruptionError{Structure: structure, Addr: addr, Offset: offset, Err: err}
}
