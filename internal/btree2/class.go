package btree2

import (
	"encoding/binary"
	"fmt"
)

// ClassID is the B-tree client class stored in every header and node
// prefix. The numbering is part of the file format.
type ClassID uint8

const (
	ClassTest               ClassID = iota // test records
	ClassFHeapHugeIndir                    // fractal heap indirectly accessed, non-filtered huge objects
	ClassFHeapHugeFiltIndir                // fractal heap indirectly accessed, filtered huge objects
	ClassFHeapHugeDir                      // fractal heap directly accessed, non-filtered huge objects
	ClassFHeapHugeFiltDir                  // fractal heap directly accessed, filtered huge objects
	ClassGroupDenseName                    // dense group link name index
	ClassGroupDenseCorder                  // dense group link creation order index
	ClassSOHMIndex                         // shared object header message index
	ClassAttrDenseName                     // dense attribute name index
	ClassAttrDenseCorder                   // dense attribute creation order index
	ClassChunk                             // chunked dataset, non-filtered
	ClassChunkFilt                         // chunked dataset, filtered
	ClassTest2                             // second test class

	NumClassIDs
)

var classNames = [NumClassIDs]string{
	"test",
	"fractal heap huge indirect",
	"fractal heap huge filtered indirect",
	"fractal heap huge direct",
	"fractal heap huge filtered direct",
	"group dense name",
	"group dense creation order",
	"shared message index",
	"attribute dense name",
	"attribute dense creation order",
	"chunk",
	"filtered chunk",
	"test2",
}

func (id ClassID) Valid() bool {
	return id < NumClassIDs
}

func (id ClassID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("ClassID(%d)", uint8(id))
	}
	return classNames[id]
}

// Class is the record codec for one kind of B-tree. Decode and Encode see
// exactly the header's raw record size.
type Class[R any] interface {
	ID() ClassID
	Name() string
	Decode(raw []byte) (R, error)
	Encode(raw []byte, rec R) error
}

// Uint64Class stores each record as a little-endian uint64 at the start of
// the raw record.
type Uint64Class struct {
	Class ClassID
}

func (c Uint64Class) ID() ClassID { return c.Class }

func (c Uint64Class) Name() string { return c.Class.String() }

func (c Uint64Class) Decode(raw []byte) (uint64, error) {
	if len(raw) < 8 {
		return 0, fmt.Errorf("uint64 record needs 8 bytes, have %d", len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (c Uint64Class) Encode(raw []byte, rec uint64) error {
	if len(raw) < 8 {
		return fmt.Errorf("uint64 record needs 8 bytes, have %d", len(raw))
	}
	binary.LittleEndian.PutUint64(raw, rec)
	clear(raw[8:])
	return nil
}

// FixedBytesClass stores opaque records of a fixed width.
type FixedBytesClass struct {
	Class ClassID
	Size  int
}

func (c FixedBytesClass) ID() ClassID { return c.Class }

func (c FixedBytesClass) Name() string { return c.Class.String() }

func (c FixedBytesClass) Decode(raw []byte) ([]byte, error) {
	if len(raw) < c.Size {
		return nil, fmt.Errorf("record needs %d bytes, have %d", c.Size, len(raw))
	}
	return append([]byte(nil), raw[:c.Size]...), nil
}

func (c FixedBytesClass) Encode(raw []byte, rec []byte) error {
	if len(rec) != c.Size || len(raw) < c.Size {
		return fmt.Errorf("record is %d bytes, want %d into %d", len(rec), c.Size, len(raw))
	}
	copy(raw, rec)
	clear(raw[c.Size:])
	return nil
}
