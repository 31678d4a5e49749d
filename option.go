package metacache

import (
	"metacache/internal/base"
	"metacache/internal/cache"
)

// Options configures how a metadata file is opened.
type Options struct {
	swmrWrite       bool
	params          base.Params
	maxCacheEntries int
	mmap            bool
	logger          Logger
}

// DefaultOptions returns 8-byte addresses and lengths, a plain file backend
// and a discarding logger.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		params:          base.DefaultParams(),
		maxCacheEntries: cache.DefaultCacheSize,
		logger:          DiscardLogger{},
	}
}

// Option configures file options using the functional options pattern.
type Option func(*Options)

// WithSWMRWrite opens the file for single-writer/multiple-reader writes.
// Metadata entries then track flush dependencies, and B-tree nodes and heap
// data blocks are shadowed before they change.
//
//goland:noinspection GoUnusedExportedFunction
func WithSWMRWrite() Option {
	return func(opts *Options) {
		opts.swmrWrite = true
	}
}

// WithSizes sets the encoded width of file addresses and lengths. Each must
// be 2, 4 or 8.
//
//goland:noinspection GoUnusedExportedFunction
func WithSizes(sizeofAddr, sizeofSize int) Option {
	return func(opts *Options) {
		opts.params = base.Params{SizeofAddr: sizeofAddr, SizeofSize: sizeofSize}
	}
}

// WithMaxCacheEntries bounds the metadata cache. When it fills, the least
// recently used entries that can go are evicted down to 80%.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxCacheEntries(n int) Option {
	return func(opts *Options) {
		opts.maxCacheEntries = n
	}
}

// WithMMap uses memory-mapped I/O where the platform supports it.
//
//goland:noinspection GoUnusedExportedFunction
func WithMMap() Option {
	return func(opts *Options) {
		opts.mmap = true
	}
}

// WithLogger sets the logger. *slog.Logger satisfies Logger directly; see
// the logger package for zap and logrus adapters.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.logger = l
		}
	}
}
