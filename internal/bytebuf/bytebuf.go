// Package bytebuf provides the growable byte buffer and cursor readers that
// the DNS, HTTP and WebSocket codecs are built on.
//
// A Buffer owns the bytes; a Reader is a lightweight view with its own read
// offset. Several readers may walk the same buffer at once, which is what DNS
// name decompression needs: the record reader moves forward while a second
// reader re-seeks to an earlier offset to follow a compression pointer.
//
// Reads never go out of bounds. A read that asks for more bytes than remain
// reports ok=false and leaves the offset untouched, which callers must treat as
// "insufficient data". A successful read of a zero value (for example a DNS
// root label) is a different outcome and reports ok=true.
package bytebuf

import "fmt"

// defaultCapacity matches the initial allocation of a fresh packet buffer.
const defaultCapacity = 256

// Buffer is a growable byte region with a write cursor at Len().
type Buffer struct {
	data []byte
}

// New returns an empty buffer with room for capacity bytes before it grows.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{data: make([]byte, 0, capacity)}
}

// From wraps p as a buffer whose length is len(p). The buffer takes ownership
// of p; callers must not modify it afterwards.
func From(p []byte) *Buffer {
	return &Buffer{data: p}
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the written bytes. The slice aliases the buffer and stays valid
// until Reset.
func (b *Buffer) Bytes() []byte {
	return b.data[:len(b.data):len(b.data)]
}

// Push appends value as width big-endian bytes. Width must be 1 to 4.
func (b *Buffer) Push(value uint32, width int) {
	if width < 1 || width > 4 {
		panic(fmt.Sprintf("bytebuf: invalid push width %d", width))
	}
	for i := width - 1; i >= 0; i-- {
		b.data = append(b.data, byte(value>>(8*uint(i))))
	}
}

// Append appends raw bytes.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// AppendString appends the bytes of s.
func (b *Buffer) AppendString(s string) {
	b.data = append(b.data, s...)
}

// Discard drops the first n bytes. Offsets held by existing readers are no
// longer meaningful afterwards.
func (b *Buffer) Discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[len(b.data):]
		return
	}
	b.data = b.data[n:]
}

// Reset empties the buffer, keeping its storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Reader returns a reader positioned at start, clamped to [0, Len()].
func (b *Buffer) Reader(start int) *Reader {
	if start < 0 {
		start = 0
	}
	if start > len(b.data) {
		start = len(b.data)
	}
	return &Reader{buf: b, off: start}
}

// Reader is a read cursor over a Buffer. It never mutates the buffer except
// through Commit.
type Reader struct {
	buf *Buffer
	off int
}

// Buffer returns the buffer the reader walks.
func (r *Reader) Buffer() *Buffer {
	return r.buf
}

// Offset returns the absolute read position.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining returns how many bytes are left to read.
func (r *Reader) Remaining() int {
	if n := len(r.buf.data) - r.off; n > 0 {
		return n
	}
	return 0
}

// EOF reports whether every byte has been read.
func (r *Reader) EOF() bool {
	return r.off >= len(r.buf.data)
}

// Bytes reads n bytes. It returns ok=false, without advancing, when fewer than
// n bytes remain. The returned slice aliases the buffer.
func (r *Reader) Bytes(n int) ([]byte, bool) {
	if n < 0 || n > r.Remaining() {
		return nil, false
	}
	end := r.off + n
	p := r.buf.data[r.off:end:end]
	r.off = end
	return p, true
}

// Value reads a width-byte big-endian unsigned integer (width 1 to 4). It
// returns ok=false, without advancing, when fewer than width bytes remain.
func (r *Reader) Value(width int) (uint32, bool) {
	if width < 1 || width > 4 {
		return 0, false
	}
	p, ok := r.Bytes(width)
	if !ok {
		return 0, false
	}
	var v uint32
	for _, c := range p {
		v = v<<8 | uint32(c)
	}
	return v, true
}

// Skip advances n bytes, reporting false if fewer remain.
func (r *Reader) Skip(n int) bool {
	_, ok := r.Bytes(n)
	return ok
}

// Commit discards everything before the reader's offset from the underlying
// buffer and rewinds the reader to the new start. Codecs call it once a whole
// message has been consumed from an accumulating input buffer.
func (r *Reader) Commit() {
	r.buf.Discard(r.off)
	r.off = 0
}
