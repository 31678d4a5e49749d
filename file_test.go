package metacache

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metacache/internal/btree2"
)

var _ = flag.Bool("slow", false, "run slow tests")

var (
	testClass  = btree2.Uint64Class{Class: btree2.ClassTest}
	testParams = BTreeParams{NodeSize: 512, RecordSize: 8, SplitPercent: 100, MergePercent: 40}
)

func openTemp(t *testing.T, opts ...Option) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.h5")
	f, err := Open(path, opts...)
	require.NoError(t, err)
	return f, path
}

func reopen(t *testing.T, f *File, opts ...Option) *File {
	t.Helper()
	require.NoError(t, f.Close())
	g, err := Open(f.Path(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// createTree writes a one-leaf tree and returns the header address.
func createTree(t *testing.T, f *File, records []uint64) Addr {
	t.Helper()
	hdrAddr := f.Allocate(uint64(btree2.HeaderSize(f.Params())))
	hdr, err := CreateBTree[uint64](f, hdrAddr, testClass, testParams, NoHandle)
	require.NoError(t, err)

	leafAddr := f.Allocate(uint64(testParams.NodeSize))
	leaf, err := InsertLeaf(f, hdr, leafAddr, NoHandle)
	require.NoError(t, err)
	leaf.Records = records
	n := uint16(len(records))
	require.NoError(t, hdr.SetRoot(NodePtr{Addr: leafAddr, NodeNrec: n, AllNrec: uint64(n)}, 0))

	require.NoError(t, f.Unprotect(leafAddr, true))
	require.NoError(t, f.Unprotect(hdrAddr, true))
	return hdrAddr
}

func TestOpenValidatesSizes(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "bad.h5"), WithSizes(3, 8))
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestBTreeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"file", nil},
		{"mmap", []Option{WithMMap()}},
		{"narrow", []Option{WithSizes(4, 4)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f, _ := openTemp(t, tc.opts...)
			hdrAddr := createTree(t, f, []uint64{3, 14, 15, 92})
			require.NoError(t, f.Flush())

			hdr, err := OpenBTree[uint64](f, hdrAddr, testClass, NoHandle)
			require.NoError(t, err)
			root := hdr.Root
			require.NoError(t, f.Unprotect(hdrAddr, false))

			// The header stays while its leaf is cached.
			assert.ErrorIs(t, f.Evict(hdrAddr), ErrEntryReferenced)
			require.NoError(t, f.Evict(root.Addr))
			require.NoError(t, f.Evict(hdrAddr))

			g := reopen(t, f, tc.opts...)
			hdr, err = OpenBTree[uint64](g, hdrAddr, testClass, NoHandle)
			require.NoError(t, err)
			assert.Equal(t, root, hdr.Root)
			assert.Equal(t, uint16(0), hdr.Depth)
			assert.Equal(t, btree2.ClassTest, hdr.Class().ID())

			leaf, err := ProtectLeaf(g, hdr, hdr.Root, NoHandle)
			require.NoError(t, err)
			assert.Equal(t, []uint64{3, 14, 15, 92}, leaf.Records)
			assert.Equal(t, 1, hdr.Refs())

			require.NoError(t, g.Unprotect(leaf.Addr(), false))
			require.NoError(t, g.Unprotect(hdrAddr, false))
			assert.Equal(t, uint64(2), g.Stats().Cache.Loads)
		})
	}
}

func TestBTreeWrongClass(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	hdrAddr := createTree(t, f, []uint64{1})
	g := reopen(t, f)

	_, err := OpenBTree[uint64](g, hdrAddr, btree2.Uint64Class{Class: btree2.ClassTest2}, NoHandle)
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
	assert.False(t, g.Cached(hdrAddr))
}

func TestTwoLevelTree(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	hdrAddr := f.Allocate(uint64(btree2.HeaderSize(f.Params())))
	hdr, err := CreateBTree[uint64](f, hdrAddr, testClass, testParams, NoHandle)
	require.NoError(t, err)

	left, right := f.Allocate(512), f.Allocate(512)
	rootAddr := f.Allocate(512)
	require.NoError(t, hdr.SetRoot(NodePtr{Addr: rootAddr, NodeNrec: 1, AllNrec: 5}, 1))

	root, err := InsertInternal(f, hdr, rootAddr, 1, NoHandle)
	require.NoError(t, err)
	root.Records = []uint64{20}
	root.Ptrs = []NodePtr{{Addr: left, NodeNrec: 2, AllNrec: 2}, {Addr: right, NodeNrec: 2, AllNrec: 2}}

	for i, addr := range []Addr{left, right} {
		leaf, err := InsertLeaf(f, hdr, addr, root.FlushHandle())
		require.NoError(t, err)
		leaf.Records = []uint64{uint64(10*i + 1), uint64(10*i + 2)}
		require.NoError(t, f.Unprotect(addr, true))
	}
	require.NoError(t, f.Unprotect(rootAddr, true))
	require.NoError(t, f.Unprotect(hdrAddr, true))

	g := reopen(t, f)
	hdr, err = OpenBTree[uint64](g, hdrAddr, testClass, NoHandle)
	require.NoError(t, err)
	root, err = ProtectInternal(g, hdr, hdr.Root, hdr.Depth, NoHandle)
	require.NoError(t, err)
	assert.Equal(t, []uint64{20}, root.Records)

	leaf, err := ProtectLeaf(g, hdr, root.Ptrs[1], root.FlushHandle())
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 12}, leaf.Records)

	for _, addr := range []Addr{leaf.Addr(), rootAddr, hdrAddr} {
		require.NoError(t, g.Unprotect(addr, false))
	}
}

func TestBTreeShadowing(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t, WithSWMRWrite())
	hdrAddr := createTree(t, f, []uint64{7})
	require.NoError(t, f.Flush())

	hdr, err := OpenBTree[uint64](f, hdrAddr, testClass, NoHandle)
	require.NoError(t, err)
	oldAddr := hdr.Root.Addr
	leaf, err := ProtectLeaf(f, hdr, hdr.Root, NoHandle)
	require.NoError(t, err)

	moved, err := ShadowLeaf(f, hdr, leaf, &hdr.Root)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NotEqual(t, oldAddr, hdr.Root.Addr)
	assert.Equal(t, hdr.Root.Addr, leaf.Addr())
	assert.False(t, f.Cached(oldAddr))
	assert.True(t, leaf.Shadowed())

	moved, err = ShadowLeaf(f, hdr, leaf, &hdr.Root)
	require.NoError(t, err)
	assert.False(t, moved, "already shadowed since the last header flush")

	leaf.Records = append(leaf.Records, 8)
	hdr.Root.NodeNrec, hdr.Root.AllNrec = 2, 2
	require.NoError(t, f.Unprotect(leaf.Addr(), true))
	require.NoError(t, f.Unprotect(hdrAddr, true))

	// The leaf is the header's flush dependency child.
	assert.ErrorIs(t, f.Evict(hdrAddr), ErrFlushDependency)
	require.NoError(t, f.Flush())
	assert.False(t, leaf.Shadowed(), "header flush resets the shadow list")

	g := reopen(t, f, WithSWMRWrite())
	hdr, err = OpenBTree[uint64](g, hdrAddr, testClass, NoHandle)
	require.NoError(t, err)
	leaf, err = ProtectLeaf(g, hdr, hdr.Root, NoHandle)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 8}, leaf.Records)
	require.NoError(t, g.Unprotect(leaf.Addr(), false))
	require.NoError(t, g.Unprotect(hdrAddr, false))
}

func TestShadowingOffWithoutSWMR(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	hdrAddr := createTree(t, f, []uint64{1})
	hdr, err := OpenBTree[uint64](f, hdrAddr, testClass, NoHandle)
	require.NoError(t, err)
	leaf, err := ProtectLeaf(f, hdr, hdr.Root, NoHandle)
	require.NoError(t, err)

	moved, err := ShadowLeaf(f, hdr, leaf, &hdr.Root)
	require.NoError(t, err)
	assert.False(t, moved)
	require.NoError(t, f.Unprotect(leaf.Addr(), false))
	require.NoError(t, f.Unprotect(hdrAddr, false))
	require.NoError(t, f.Close())
}

func TestLocalHeapSingleObject(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	psize := uint64(f.LocalHeapPrefixSize())
	prfxAddr := f.Allocate(psize + 64)
	h, err := f.CreateLocalHeap(prfxAddr, 64, prfxAddr+Addr(psize), NoHandle)
	require.NoError(t, err)
	require.True(t, h.SingleCacheObject())

	off, err := h.Allocate(5)
	require.NoError(t, err)
	require.NoError(t, h.Write(off, []byte("dset1")))
	require.NoError(t, f.UnprotectLocalHeap(h, true))

	g := reopen(t, f)
	h, err = g.OpenLocalHeap(prfxAddr, NoHandle)
	require.NoError(t, err)
	assert.True(t, h.SingleCacheObject())
	b, err := h.Read(off, 5)
	require.NoError(t, err)
	assert.Equal(t, "dset1", string(b))
	assert.Equal(t, []FreeBlock{{Offset: 8, Size: 56}}, h.FreeBlocks())
	assert.Equal(t, 1, g.Stats().Entries)
	require.NoError(t, g.UnprotectLocalHeap(h, false))
}

func TestLocalHeapSeparateDataBlock(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	prfxAddr := f.Allocate(uint64(f.LocalHeapPrefixSize()))
	f.Allocate(8) // keep the data block apart
	dataAddr := f.Allocate(128)
	h, err := f.CreateLocalHeap(prfxAddr, 128, dataAddr, NoHandle)
	require.NoError(t, err)
	require.False(t, h.SingleCacheObject())

	require.NoError(t, h.RemoveFree(0))
	require.NoError(t, h.InsertFree(64, 32))
	require.NoError(t, h.Write(0, []byte("link name")))
	require.NoError(t, f.UnprotectLocalHeap(h, true))

	// The prefix waits for its data block.
	assert.ErrorIs(t, f.Evict(prfxAddr), ErrEntryReferenced)

	g := reopen(t, f)
	h, err = g.OpenLocalHeap(prfxAddr, NoHandle)
	require.NoError(t, err)
	assert.Equal(t, dataAddr, h.DataAddr())
	assert.Equal(t, []FreeBlock{{Offset: 64, Size: 32}}, h.FreeBlocks())
	b, err := h.Read(0, 9)
	require.NoError(t, err)
	assert.Equal(t, "link name", string(b))
	assert.Equal(t, 2, g.Stats().Entries)
	require.NoError(t, g.UnprotectLocalHeap(h, false))
}

func TestLocalHeapShadowing(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t, WithSWMRWrite())
	owner := f.NewHandle()
	prfxAddr := f.Allocate(uint64(f.LocalHeapPrefixSize()))
	f.Allocate(8)
	dataAddr := f.Allocate(64)
	h, err := f.CreateLocalHeap(prfxAddr, 64, dataAddr, owner)
	require.NoError(t, err)
	require.NoError(t, f.Flush())

	moved, err := f.ShadowLocalHeap(h)
	require.NoError(t, err)
	assert.True(t, moved)
	newAddr := h.DataAddr()
	assert.NotEqual(t, dataAddr, newAddr)
	assert.True(t, f.Cached(newAddr))
	assert.False(t, f.Cached(dataAddr))

	moved, err = f.ShadowLocalHeap(h)
	require.NoError(t, err)
	assert.False(t, moved)

	require.NoError(t, f.UnprotectLocalHeap(h, true))
	assert.ErrorIs(t, f.Evict(prfxAddr), ErrFlushDependency)
	require.NoError(t, f.Flush())
	assert.False(t, h.DataBlock().Shadowed())

	require.NoError(t, f.Evict(newAddr))
	require.NoError(t, f.Evict(prfxAddr))

	g := reopen(t, f, WithSWMRWrite())
	h, err = g.OpenLocalHeap(prfxAddr, g.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, newAddr, h.DataAddr())
	require.NoError(t, g.UnprotectLocalHeap(h, false))
}

func TestCorruptHeapSurfaces(t *testing.T) {
	t.Parallel()

	f, path := openTemp(t)
	psize := uint64(f.LocalHeapPrefixSize())
	prfxAddr := f.Allocate(psize + 32)
	h, err := f.CreateLocalHeap(prfxAddr, 32, prfxAddr+Addr(psize), NoHandle)
	require.NoError(t, err)
	require.NoError(t, f.UnprotectLocalHeap(h, true))
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[prfxAddr] = 'X'
	require.NoError(t, os.WriteFile(path, raw, 0600))

	g, err := Open(path)
	require.NoError(t, err)
	defer g.Close()
	_, err = g.OpenLocalHeap(prfxAddr, NoHandle)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, prfxAddr, ce.Addr)
}

func TestProtectWrongStructure(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	hdrAddr := createTree(t, f, []uint64{1})
	_, err := f.OpenLocalHeap(hdrAddr, NoHandle)
	assert.ErrorIs(t, err, ErrInvalidParams)
	require.NoError(t, f.Close())
}

func TestCloseWithProtectedEntry(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	hdrAddr := createTree(t, f, []uint64{1})
	hdr, err := OpenBTree[uint64](f, hdrAddr, testClass, NoHandle)
	require.NoError(t, err)

	assert.Error(t, f.Close())
	assert.Equal(t, hdrAddr, hdr.Addr())
	require.NoError(t, f.Unprotect(hdrAddr, false))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = OpenBTree[uint64](f, hdrAddr, testClass, NoHandle)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.Evict(hdrAddr), ErrClosed)
}

func TestCreateLocalHeapFailureDropsPrefix(t *testing.T) {
	t.Parallel()

	for _, opts := range [][]Option{nil, {WithSWMRWrite()}} {
		f, _ := openTemp(t, opts...)
		owner := f.NewHandle()
		hdrAddr := createTree(t, f, []uint64{1})
		hdr, err := OpenBTree[uint64](f, hdrAddr, testClass, NoHandle)
		require.NoError(t, err)

		// The data block address is taken by the tree header.
		prfxAddr := f.Allocate(uint64(f.LocalHeapPrefixSize()))
		_, err = f.CreateLocalHeap(prfxAddr, 64, hdr.Addr(), owner)
		assert.ErrorIs(t, err, ErrEntryExists)
		assert.False(t, f.Cached(prfxAddr))
		assert.True(t, f.Cached(hdrAddr))

		require.NoError(t, f.Unprotect(hdrAddr, false))
		require.NoError(t, f.Close())
	}
}

func TestAllocate(t *testing.T) {
	t.Parallel()

	f, _ := openTemp(t)
	defer f.Close()
	assert.Equal(t, Addr(0), f.Allocate(3))
	assert.Equal(t, Addr(8), f.Allocate(16))
	assert.Equal(t, Addr(24), f.Allocate(1))
	assert.NotEmpty(t, f.ID().String())
}
