// mmap_unix.go
//go:build linux || darwin

package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"metacache/internal/base"
)

// Round mappings up to 64MB chunks to reduce remap frequency
const growthSize = 64 * 1024 * 1024

// MMap implements Backend using memory-mapped I/O. The mapping is larger
// than the stored bytes; size tracks the logical end of file, and Close
// truncates the file back to it.
type MMap struct {
	mu       sync.RWMutex
	file     *os.File
	mmapData []byte
	mmapSize int64
	size     int64

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

func roundUp(n int64) int64 {
	return max(((n+growthSize-1)/growthSize)*growthSize, growthSize)
}

// NewMMap creates a new memory-mapped storage backend
func NewMMap(path string) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	m := &MMap{file: file, size: info.Size()}
	if err := m.remap(roundUp(m.size)); err != nil {
		file.Close()
		return nil, err
	}
	return m, nil
}

// remap grows the file (sparse) and maps newSize bytes.
func (m *MMap) remap(newSize int64) error {
	if m.mmapData != nil {
		// Start async flush to reduce munmap blocking time
		_ = unix.Msync(m.mmapData, unix.MS_ASYNC)
		if err := unix.Munmap(m.mmapData); err != nil {
			return err
		}
		m.mmapData = nil
	}

	if err := m.file.Truncate(newSize); err != nil {
		return err
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	m.mmapData = data
	m.mmapSize = newSize
	return nil
}

// ReadAt copies len(buf) bytes at addr out of the mapping
func (m *MMap) ReadAt(addr base.Addr, buf []byte) (int, error) {
	off, err := offset(addr)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mmapData == nil {
		return 0, ErrClosed
	}

	m.reads.Add(1)
	if off >= m.size {
		return 0, io.EOF
	}
	// Copy from mmap to avoid pointer invalidation on remap
	n := copy(buf, m.mmapData[off:m.size])
	m.read.Add(uint64(n))
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies b into the mapping at addr, growing it as needed
func (m *MMap) WriteAt(addr base.Addr, b []byte) error {
	off, err := offset(addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mmapData == nil {
		return ErrClosed
	}

	end := off + int64(len(b))
	if end > m.mmapSize {
		if err := m.remap(roundUp(end)); err != nil {
			return fmt.Errorf("grow mapping to %d bytes: %w", end, err)
		}
	}

	m.writes.Add(1)
	copy(m.mmapData[off:], b)
	m.written.Add(uint64(len(b)))
	m.size = max(m.size, end)
	return nil
}

// Size returns the end of the stored bytes
func (m *MMap) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Sync flushes the memory-mapped region to disk
func (m *MMap) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mmapData == nil {
		return ErrClosed
	}
	if err := unix.Msync(m.mmapData, unix.MS_SYNC); err != nil {
		return err
	}
	return m.file.Sync()
}

// Stats returns I/O statistics
func (m *MMap) Stats() Stats {
	return Stats{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		Read:    m.read.Load(),
		Written: m.written.Load(),
	}
}

// Close unmaps the region, trims the file to its stored bytes and closes it
func (m *MMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mmapData != nil {
		if err := unix.Msync(m.mmapData, unix.MS_SYNC); err != nil {
			return err
		}
		if err := unix.Munmap(m.mmapData); err != nil {
			return err
		}
		m.mmapData = nil
		if err := m.file.Truncate(m.size); err != nil {
			return err
		}
	}
	return m.file.Close()
}
