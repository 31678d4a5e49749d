package base

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	SizeofMagic    = 4
	SizeofChecksum = 4

	DefaultSizeofAddr = 8
	DefaultSizeofSize = 8
)

// Addr is a byte address in the file.
type Addr uint64

// UndefAddr is the encoded "no address" value: all bytes 0xff.
const UndefAddr Addr = math.MaxUint64

func (a Addr) Defined() bool {
	return a != UndefAddr
}

func (a Addr) String() string {
	if a == UndefAddr {
		return "UNDEF"
	}
	return fmt.Sprintf("%#x", uint64(a))
}

// Params are the file-wide field widths. They come from the file's
// superblock and are fixed for the lifetime of the file.
type Params struct {
	SizeofAddr int // width of encoded addresses
	SizeofSize int // width of encoded lengths
}

func DefaultParams() Params {
	return Params{
		SizeofAddr: DefaultSizeofAddr,
		SizeofSize: DefaultSizeofSize,
	}
}

// Validate checks both widths are one of 2, 4 or 8 bytes.
func (p Params) Validate() error {
	for _, n := range []int{p.SizeofAddr, p.SizeofSize} {
		switch n {
		case 2, 4, 8:
		default:
			return fmt.Errorf("%w: field width %d", ErrInvalidParams, n)
		}
	}
	return nil
}

// LimitEncSize returns the number of bytes needed to encode any value in
// [0, limit].
func LimitEncSize(limit uint64) int {
	if limit == 0 {
		return 1
	}
	return (bits.Len64(limit)-1)/8 + 1
}

// Align8 rounds n up to a multiple of 8.
func Align8(n int) int {
	return (n + 7) &^ 7
}

// maxVar is the largest value representable in n bytes.
func maxVar(n int) uint64 {
	if n >= 8 {
		return math.MaxUint64
	}
	return 1<<(8*uint(n)) - 1
}
