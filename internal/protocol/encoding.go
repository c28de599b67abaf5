package protocol

import (
	"encoding/binary"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// Writer accumulates a frame using the lib0 variable-length encodings.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// WriteVarUint appends v as a LEB128 varuint.
func (w *Writer) WriteVarUint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteVarBytes appends a length-prefixed byte slice.
func (w *Writer) WriteVarBytes(b []byte) {
	w.WriteVarUint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteVarString appends a length-prefixed UTF-8 string.
func (w *Writer) WriteVarString(s string) {
	w.WriteVarUint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Bytes returns the encoded frame.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes a frame written by Writer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// ReadVarUint reads a LEB128 varuint.
func (r *Reader) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	switch {
	case n == 0:
		return 0, devsyncerrors.Malformed("truncated varuint at offset %d", r.off)
	case n < 0:
		return 0, devsyncerrors.Malformed("varuint overflow at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte slice. The result aliases the input.
func (r *Reader) ReadVarBytes() ([]byte, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(n)
}

// ReadVarString reads a length-prefixed string.
func (r *Reader) ReadVarString() (string, error) {
	b, err := r.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadRaw reads exactly n bytes.
func (r *Reader) ReadRaw(n uint64) ([]byte, error) {
	if n > uint64(r.Remaining()) {
		return nil, devsyncerrors.Malformed("payload of %d bytes exceeds remaining %d", n, r.Remaining())
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}
