package btree2

import (
	"encoding/binary"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metacache/internal/base"
	"metacache/internal/cache"
	"metacache/internal/flushdep"
	"metacache/internal/shadow"
)

var _ = flag.Bool("slow", false, "run slow tests")

var testParams = CreateParams{
	NodeSize:     512,
	RecordSize:   8,
	SplitPercent: 100,
	MergePercent: 40,
}

func testCtx(swmr bool) Context {
	ctx := Context{Params: base.DefaultParams(), SWMRWrite: swmr}
	if swmr {
		ctx.Deps = flushdep.NewGraph()
	}
	return ctx
}

func newTestHeader(t *testing.T, ctx Context) *Header[uint64] {
	t.Helper()
	h, err := NewHeader[uint64](0x100, ctx, Uint64Class{Class: ClassTest}, testParams)
	require.NoError(t, err)
	return h
}

func serialize(t *testing.T, e cache.Entry) []byte {
	t.Helper()
	img := make([]byte, e.ImageLen())
	require.NoError(t, e.Serialize(img))
	return img
}

type recordingMover struct {
	moves [][2]base.Addr
}

func (m *recordingMover) Move(from, to base.Addr) error {
	m.moves = append(m.moves, [2]base.Addr{from, to})
	return nil
}

func TestNodeInfoDerivation(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x400, NodeNrec: 3, AllNrec: 40}, 2))

	assert.Equal(t, NodeInfo{MaxNrec: 62, SplitNrec: 62, MergeNrec: 24, CumMaxNrec: 62}, h.NodeInfo(0))
	assert.Equal(t, NodeInfo{MaxNrec: 29, SplitNrec: 29, MergeNrec: 11, CumMaxNrec: 1889, CumMaxNrecSize: 2}, h.NodeInfo(1))
	assert.Equal(t, NodeInfo{MaxNrec: 25, SplitNrec: 25, MergeNrec: 10, CumMaxNrec: 49139, CumMaxNrecSize: 2}, h.NodeInfo(2))
	assert.Equal(t, 9, h.PointerSize(1))
	assert.Equal(t, 11, h.PointerSize(2))
}

func TestCreateParamsValidate(t *testing.T) {
	t.Parallel()

	bad := []CreateParams{
		{NodeSize: 0, RecordSize: 8, SplitPercent: 100, MergePercent: 40},
		{NodeSize: 512, RecordSize: 0, SplitPercent: 100, MergePercent: 40},
		{NodeSize: 512, RecordSize: 8, SplitPercent: 101, MergePercent: 40},
		{NodeSize: 512, RecordSize: 8, SplitPercent: 60, MergePercent: 31},
	}
	for _, cp := range bad {
		_, err := NewHeader[uint64](0, testCtx(false), Uint64Class{}, cp)
		assert.ErrorIs(t, err, base.ErrInvalidParams, "%+v", cp)
	}

	// Record larger than the node.
	_, err := NewHeader[uint64](0, testCtx(false), Uint64Class{}, CreateParams{NodeSize: 16, RecordSize: 8, SplitPercent: 100, MergePercent: 40})
	assert.ErrorIs(t, err, base.ErrInvalidParams)
}

func TestHeaderByteLayout(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x200, NodeNrec: 3, AllNrec: 3}, 0))

	img := serialize(t, h)
	require.Len(t, img, 38)
	assert.Equal(t, []byte("BTHD"), img[0:4])
	assert.Equal(t, byte(0), img[4], "version")
	assert.Equal(t, byte(ClassTest), img[5])
	assert.Equal(t, uint32(512), binary.LittleEndian.Uint32(img[6:10]))
	assert.Equal(t, uint16(8), binary.LittleEndian.Uint16(img[10:12]))
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(img[12:14]), "depth")
	assert.Equal(t, byte(100), img[14])
	assert.Equal(t, byte(40), img[15])
	assert.Equal(t, uint64(0x200), binary.LittleEndian.Uint64(img[16:24]))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(img[24:26]))
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(img[26:34]))
	assert.True(t, base.VerifyChecksum(img))
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x800, NodeNrec: 7, AllNrec: 130}, 1))
	img := serialize(t, h)

	loader := HeaderLoader[uint64]{Addr: 0x100, Ctx: testCtx(false), Class: Uint64Class{Class: ClassTest}}
	ls, err := loader.GetLoadSize(nil)
	require.NoError(t, err)
	assert.Equal(t, len(img), ls.Declared)
	require.True(t, loader.VerifyChecksum(img))

	e, err := loader.Deserialize(img)
	require.NoError(t, err)
	got := e.(*Header[uint64])
	assert.Equal(t, h.CreateParams, got.CreateParams)
	assert.Equal(t, h.Root, got.Root)
	assert.Equal(t, uint16(1), got.Depth)
	assert.Equal(t, h.NodeInfo(1), got.NodeInfo(1))
	assert.Equal(t, img, serialize(t, got))
}

func TestHeaderDecodeErrors(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	good := serialize(t, h)
	loader := HeaderLoader[uint64]{Addr: 0x100, Ctx: testCtx(false), Class: Uint64Class{Class: ClassTest}}

	tests := []struct {
		name   string
		mutate func(b []byte)
		want   error
	}{
		{"magic", func(b []byte) { b[0] = 'X' }, base.ErrBadSignature},
		{"version", func(b []byte) { b[4] = 1 }, base.ErrUnsupportedVersion},
		{"unregistered class", func(b []byte) { b[5] = byte(NumClassIDs) }, base.ErrUnknownClass},
		{"other class", func(b []byte) { b[5] = byte(ClassChunk) }, base.ErrUnknownClass},
		{"leaf root counts", func(b []byte) { b[26] = 9 }, base.ErrBadNodePointer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			img := append([]byte(nil), good...)
			tt.mutate(img)
			_, err := loader.Deserialize(img)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, base.ErrCorruptMetadata)
		})
	}
}

// Node size 512, 8-byte records, depth 0: the root is a leaf of three
// records.
func TestLeafRoundTripZeroPadded(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	leaf := NewLeaf(h, 0x200, flushdep.None)
	leaf.Records = []uint64{11, 22, 33}
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x200, NodeNrec: 3, AllNrec: 3}, 0))

	img := serialize(t, leaf)
	require.Len(t, img, 512)
	assert.Equal(t, []byte("BTLF"), img[0:4])
	assert.Equal(t, uint64(22), binary.LittleEndian.Uint64(img[6+8:6+16]))

	chk := NodePrefixSize + 3*8
	assert.True(t, base.VerifyChecksum(img[:chk]))
	assert.Equal(t, make([]byte, 512-chk), img[chk:], "tail must be zero")

	loader := LeafLoader[uint64]{Hdr: h, Addr: 0x200, Nrec: h.Root.NodeNrec}
	require.True(t, loader.VerifyChecksum(img))
	e, err := loader.Deserialize(img)
	require.NoError(t, err)
	got := e.(*Leaf[uint64])
	assert.Equal(t, []uint64{11, 22, 33}, got.Records)
	assert.Equal(t, 2, h.Refs())

	require.NoError(t, got.Free())
	require.NoError(t, leaf.Free())
	assert.Equal(t, 0, h.Refs())
	require.NoError(t, h.Free())
}

func TestLeafChecksumBitFlips(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	leaf := NewLeaf(h, 0x200, flushdep.None)
	leaf.Records = []uint64{1, 2, 3, 4}
	img := serialize(t, leaf)
	loader := LeafLoader[uint64]{Hdr: h, Addr: 0x200, Nrec: 4}

	require.True(t, loader.VerifyChecksum(img))
	for i := 0; i < len(img)*8; i++ {
		b := append([]byte(nil), img...)
		b[i/8] ^= 1 << (i % 8)
		assert.False(t, loader.VerifyChecksum(b), "bit %d", i)
	}
}

func TestLeafDecodeFailureReleasesNode(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	leaf := NewLeaf(h, 0x200, flushdep.None)
	leaf.Records = []uint64{5}
	img := serialize(t, leaf)
	require.NoError(t, leaf.Free())

	img[0] = 'Z'
	_, err := LeafLoader[uint64]{Hdr: h, Addr: 0x200, Nrec: 1}.Deserialize(img)
	assert.ErrorIs(t, err, base.ErrBadSignature)
	assert.Equal(t, 0, h.Refs())
	assert.Equal(t, 0, h.Shadows().Slots())

	_, err = LeafLoader[uint64]{Hdr: h, Addr: 0x200, Nrec: 63}.Deserialize(img)
	assert.ErrorIs(t, err, base.ErrBadNodePointer)
}

func TestInternalRoundTrip(t *testing.T) {
	t.Parallel()

	for _, depth := range []uint16{1, 2} {
		h := newTestHeader(t, testCtx(false))
		require.NoError(t, h.SetRoot(NodePtr{Addr: 0x1000, NodeNrec: 2, AllNrec: 100}, depth))

		n, err := NewInternal(h, 0x1000, depth, flushdep.None)
		require.NoError(t, err)
		n.Records = []uint64{100, 200}
		n.Ptrs = []NodePtr{
			{Addr: 0x2000, NodeNrec: 5, AllNrec: 5},
			{Addr: 0x2200, NodeNrec: 6, AllNrec: 6},
			{Addr: 0x2400, NodeNrec: 7, AllNrec: 7},
		}
		if depth > 1 {
			n.Ptrs[1].AllNrec = 500
		}
		img := serialize(t, n)
		assert.Equal(t, []byte("BTIN"), img[0:4])

		chk := NodePrefixSize + 2*8 + 3*h.PointerSize(depth)
		assert.Equal(t, make([]byte, 512-chk), img[chk:])

		loader := InternalLoader[uint64]{Hdr: h, Addr: 0x1000, Nrec: 2, Depth: depth}
		require.True(t, loader.VerifyChecksum(img))
		padded := append([]byte(nil), img...)
		padded[len(padded)-1] = 1
		assert.False(t, loader.VerifyChecksum(padded), "non-zero padding")
		e, err := loader.Deserialize(img)
		require.NoError(t, err)
		got := e.(*Internal[uint64])
		assert.Equal(t, n.Records, got.Records)
		assert.Equal(t, n.Ptrs, got.Ptrs, "depth %d", depth)

		require.NoError(t, got.Free())
		require.NoError(t, n.Free())
		assert.Equal(t, 0, h.Refs())
	}
}

func TestInternalRejectsBadPointer(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x1000, NodeNrec: 1, AllNrec: 100}, 1))

	n, err := NewInternal(h, 0x1000, 1, flushdep.None)
	require.NoError(t, err)
	n.Records = []uint64{1}
	n.Ptrs = []NodePtr{{Addr: 0x2000, NodeNrec: 63, AllNrec: 63}, {Addr: 0x2200, NodeNrec: 1, AllNrec: 1}}
	img := serialize(t, n)
	require.NoError(t, n.Free())

	loader := InternalLoader[uint64]{Hdr: h, Addr: 0x1000, Nrec: 1, Depth: 1}
	require.True(t, loader.VerifyChecksum(img))
	_, err = loader.Deserialize(img)
	assert.ErrorIs(t, err, base.ErrBadNodePointer)
	assert.Equal(t, 0, h.Refs())

	_, err = NewInternal(h, 0x1000, 2, flushdep.None)
	assert.ErrorIs(t, err, base.ErrInvalidParams)
}

func TestHeaderFreeRefusedWhileReferenced(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	leaf := NewLeaf(h, 0x200, flushdep.None)
	assert.True(t, h.Referenced())
	assert.ErrorIs(t, h.Free(), base.ErrStillReferenced)

	require.NoError(t, leaf.Free())
	assert.False(t, h.Referenced())
	require.NoError(t, h.Free())
}

func TestNotifyFlushDependencySymmetry(t *testing.T) {
	t.Parallel()

	ctx := testCtx(true)
	h := newTestHeader(t, ctx)
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x300, NodeNrec: 0, AllNrec: 0}, 1))
	leaf := NewLeaf(h, 0x200, h.FlushHandle())
	n, err := NewInternal(h, 0x300, 1, h.FlushHandle())
	require.NoError(t, err)

	require.NoError(t, leaf.Notify(cache.AfterLoad))
	require.NoError(t, n.Notify(cache.AfterInsert))
	require.NoError(t, leaf.Notify(cache.AfterFlush))
	assert.Equal(t, 2, ctx.Deps.Len())
	assert.ElementsMatch(t, []flushdep.Handle{leaf.FlushHandle(), n.FlushHandle()}, ctx.Deps.Children(h.FlushHandle()))

	// A node still holding its edge must not be freed.
	assert.Panics(t, func() { _ = leaf.Free() })

	require.NoError(t, leaf.Notify(cache.BeforeEvict))
	require.NoError(t, n.Notify(cache.BeforeEvict))
	assert.Equal(t, 0, ctx.Deps.Len())

	assert.Error(t, h.Notify(cache.Action(42)))
}

func TestNotifyWithoutSWMRIsNoop(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	leaf := NewLeaf(h, 0x200, flushdep.None)
	require.NoError(t, leaf.Notify(cache.AfterLoad))
	require.NoError(t, leaf.Notify(cache.BeforeEvict))
	require.NoError(t, leaf.Free())
}

func TestHeaderProxyDependency(t *testing.T) {
	t.Parallel()

	ctx := testCtx(true)
	ctx.Parent = ctx.Deps.NewHandle()
	h := newTestHeader(t, ctx)

	require.NoError(t, h.Notify(cache.AfterInsert))
	assert.True(t, ctx.Deps.Has(ctx.Parent, h.FlushHandle()))
	require.NoError(t, h.Notify(cache.BeforeEvict))
	assert.Equal(t, 0, ctx.Deps.Len())
	require.NoError(t, h.Free())
}

func TestShadowListResetOnHeaderFlush(t *testing.T) {
	t.Parallel()

	ctx := testCtx(true)
	h := newTestHeader(t, ctx)
	require.NoError(t, h.SetRoot(NodePtr{Addr: 0x300, NodeNrec: 1, AllNrec: 2}, 1))
	root, err := NewInternal(h, 0x300, 1, h.FlushHandle())
	require.NoError(t, err)
	root.Records = []uint64{10}
	root.Ptrs = []NodePtr{{Addr: 0x400, NodeNrec: 1, AllNrec: 1}, {Addr: 0x500, NodeNrec: 0, AllNrec: 0}}
	a := NewLeaf(h, 0x400, root.FlushHandle())
	b := NewLeaf(h, 0x500, root.FlushHandle())

	m := &recordingMover{}
	moved, err := h.ShadowLeaf(m, a, &root.Ptrs[0], 0x600)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, base.Addr(0x600), a.Addr())
	assert.Equal(t, base.Addr(0x600), root.Ptrs[0].Addr)

	// Already shadowed since the last flush.
	moved, err = h.ShadowLeaf(m, a, &root.Ptrs[0], 0x700)
	require.NoError(t, err)
	assert.False(t, moved)

	_, err = h.ShadowLeaf(m, b, &root.Ptrs[1], 0x700)
	require.NoError(t, err)
	_, err = h.ShadowInternal(m, root, &h.Root, 0x800)
	require.NoError(t, err)

	assert.Len(t, m.moves, 3)
	assert.Equal(t, 2, h.Shadows().Len(shadow.Leaf))
	assert.Equal(t, 1, h.Shadows().Len(shadow.Internal))
	assert.Equal(t, shadow.Terminal, h.Shadows().State(b.slot))

	serialize(t, h)
	for _, linked := range []bool{a.Shadowed(), b.Shadowed(), root.Shadowed()} {
		assert.False(t, linked)
	}
	assert.Equal(t, 0, h.Shadows().Len(shadow.Leaf))

	// After a flush the node must be shadowed again.
	moved, err = h.ShadowLeaf(m, a, &root.Ptrs[0], 0x900)
	require.NoError(t, err)
	assert.True(t, moved)

	// Free unlinks it.
	require.NoError(t, a.Free())
	assert.Equal(t, 0, h.Shadows().Len(shadow.Leaf))
	require.NoError(t, b.Free())
	require.NoError(t, root.Free())
}

func TestShadowWithoutSWMRIsNoop(t *testing.T) {
	t.Parallel()

	h := newTestHeader(t, testCtx(false))
	leaf := NewLeaf(h, 0x200, flushdep.None)
	m := &recordingMover{}
	moved, err := h.ShadowLeaf(m, leaf, nil, 0x900)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, m.moves)
	assert.Equal(t, base.Addr(0x200), leaf.Addr())
}

func TestFixedBytesClass(t *testing.T) {
	t.Parallel()

	class := FixedBytesClass{Class: ClassSOHMIndex, Size: 12}
	h, err := NewHeader[[]byte](0x100, testCtx(false), class, CreateParams{NodeSize: 256, RecordSize: 16, SplitPercent: 90, MergePercent: 40})
	require.NoError(t, err)

	leaf := NewLeaf(h, 0x200, flushdep.None)
	leaf.Records = [][]byte{[]byte("abcdefghijkl"), []byte("0123456789ab")}
	img := serialize(t, leaf)
	assert.Equal(t, []byte{0, 0, 0, 0}, img[6+12:6+16], "record padding")

	e, err := LeafLoader[[]byte]{Hdr: h, Addr: 0x200, Nrec: 2}.Deserialize(img)
	require.NoError(t, err)
	assert.Equal(t, leaf.Records, e.(*Leaf[[]byte]).Records)
	assert.Equal(t, "shared message index", class.Name())
}
