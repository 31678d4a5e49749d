package base

import (
	"encoding/binary"
)

// Reader decodes little-endian fields from an image. Reads past the end set
// a sticky ErrShortImage and return zero values, so a decoder can check Err
// once after a run of fields.
type Reader struct {
	buf    []byte
	off    int
	params Params
	err    error
}

func NewReader(buf []byte, params Params) *Reader {
	return &Reader{buf: buf, params: params}
}

func (r *Reader) Offset() int { return r.off }

func (r *Reader) Err() error { return r.err }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// take returns the next n bytes or nil on overrun.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrShortImage
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Skip(n int) {
	r.take(n)
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Var decodes an n-byte little-endian unsigned integer.
func (r *Reader) Var(n int) uint64 {
	b := r.take(n)
	if b == nil {
		return 0
	}
	return DecodeVar(b)
}

// Length decodes a SizeofSize-wide length.
func (r *Reader) Length() uint64 {
	return r.Var(r.params.SizeofSize)
}

// Addr decodes a SizeofAddr-wide address. All-ones decodes to UndefAddr.
func (r *Reader) Addr() Addr {
	n := r.params.SizeofAddr
	b := r.take(n)
	if b == nil {
		return UndefAddr
	}
	v := DecodeVar(b)
	if v == maxVar(n) {
		return UndefAddr
	}
	return Addr(v)
}

// Writer encodes little-endian fields into a caller-sized image.
type Writer struct {
	buf    []byte
	off    int
	params Params
}

func NewWriter(buf []byte, params Params) *Writer {
	return &Writer{buf: buf, params: params}
}

func (w *Writer) Offset() int { return w.off }

// grab returns the next n bytes. Overrunning the image is a sizing bug in
// the caller, not bad input.
func (w *Writer) grab(n int) []byte {
	if w.off+n > len(w.buf) {
		panic("base: writer overran image")
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

func (w *Writer) Bytes(b []byte) {
	copy(w.grab(len(b)), b)
}

// Zero writes n zero bytes.
func (w *Writer) Zero(n int) {
	clear(w.grab(n))
}

// Slot reserves n bytes for the caller to fill in place.
func (w *Writer) Slot(n int) []byte {
	return w.grab(n)
}

func (w *Writer) U8(v uint8) {
	w.grab(1)[0] = v
}

func (w *Writer) U16(v uint16) {
	binary.LittleEndian.PutUint16(w.grab(2), v)
}

func (w *Writer) U32(v uint32) {
	binary.LittleEndian.PutUint32(w.grab(4), v)
}

func (w *Writer) Var(v uint64, n int) {
	EncodeVar(w.grab(n), v)
}

func (w *Writer) Length(v uint64) {
	w.Var(v, w.params.SizeofSize)
}

func (w *Writer) Addr(a Addr) {
	n := w.params.SizeofAddr
	if a == UndefAddr {
		w.Var(maxVar(n), n)
		return
	}
	w.Var(uint64(a), n)
}

// DecodeVar reads len(b) bytes as a little-endian unsigned integer.
func DecodeVar(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// EncodeVar writes v into len(b) little-endian bytes, truncating high bytes.
func EncodeVar(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}
