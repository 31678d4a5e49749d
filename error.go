package metacache

import (
	"metacache/internal/base"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrCorruptMetadata    = base.ErrCorruptMetadata
	ErrBadSignature       = base.ErrBadSignature
	ErrUnsupportedVersion = base.ErrUnsupportedVersion
	ErrUnknownClass       = base.ErrUnknownClass
	ErrCorruptChecksum    = base.ErrCorruptChecksum
	ErrBadFreeList        = base.ErrBadFreeList
	ErrBadNodePointer     = base.ErrBadNodePointer
	ErrShortImage         = base.ErrShortImage

	ErrShortBuffer         = base.ErrShortBuffer
	ErrRepeatedShortBuffer = base.ErrRepeatedShortBuffer
	ErrAllocation          = base.ErrAllocation
	ErrInvalidParams       = base.ErrInvalidParams
	ErrStillReferenced     = base.ErrStillReferenced

	ErrEntryNotCached  = base.ErrEntryNotCached
	ErrEntryProtected  = base.ErrEntryProtected
	ErrEntryExists     = base.ErrEntryExists
	ErrEntryReferenced = base.ErrEntryReferenced
	ErrNotProtected    = base.ErrNotProtected
	ErrFlushDependency = base.ErrFlushDependency
	ErrFlushCycle      = base.ErrFlushCycle
	ErrClosed          = base.ErrClosed
)

// CorruptionError describes which metadata structure failed to decode.
type CorruptionError = base.CorruptionError
