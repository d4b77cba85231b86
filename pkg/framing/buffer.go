package framing

// minCompact is the consumed prefix size above which Tail compacts the buffer
// instead of growing it.
const minCompact = 4096

// Buffer accumulates received bytes until they form complete messages.
// The zero value is an empty buffer ready to use.
type Buffer struct {
	buf []byte
	off int

	// pinned is non-zero while a delivered message aliases buf. Tail then
	// grows into fresh storage instead of moving unconsumed bytes.
	pinned int
}

// Bytes returns the unconsumed bytes. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Append copies p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	copy(b.Tail(len(p)), p)
	b.Commit(len(p))
}

// Tail returns a writable region of n bytes after the unconsumed data.
// Bytes written there become visible after Commit.
func (b *Buffer) Tail(n int) []byte {
	if b.pinned == 0 && b.off > 0 && (b.off >= minCompact || b.off == len(b.buf)) && cap(b.buf)-len(b.buf) < n {
		m := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:m]
		b.off = 0
	}
	if cap(b.buf)-len(b.buf) < n {
		grown := make([]byte, len(b.buf), 2*cap(b.buf)+n)
		copy(grown, b.buf)
		b.buf = grown
	}
	return b.buf[len(b.buf) : len(b.buf)+n]
}

// Commit makes n bytes previously written into Tail part of the buffer.
func (b *Buffer) Commit(n int) {
	b.buf = b.buf[:len(b.buf)+n]
}

// Discard drops the first n unconsumed bytes.
func (b *Buffer) Discard(n int) {
	if n >= b.Len() {
		if b.pinned == 0 {
			b.Reset()
			return
		}
		n = b.Len()
	}
	b.off += n
}

// Reset empties the buffer, keeping its storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}
