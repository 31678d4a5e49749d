//go:build linux || darwin

package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metacache/internal/base"
)

func TestMMapGrowth(t *testing.T) {
	t.Parallel()

	s, err := NewMMap(filepath.Join(t.TempDir(), "grow.h5"))
	require.NoError(t, err)
	defer s.Close()

	// Past the first mapping chunk.
	addr := base.Addr(growthSize + 16)
	require.NoError(t, s.WriteAt(addr, []byte("far")))
	buf := make([]byte, 3)
	_, err = s.ReadAt(addr, buf)
	require.NoError(t, err)
	assert.Equal(t, "far", string(buf))
	assert.Equal(t, int64(addr)+3, s.Size())
}
