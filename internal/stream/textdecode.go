package stream

import "unicode/utf8"

// textDecoder converts raw body chunks to text incrementally, buffering
// a partial multi-byte UTF-8 sequence that straddles a chunk boundary
// instead of emitting replacement runes for it.
type textDecoder struct {
	pending []byte
}

// Write appends chunk and returns all text that is complete so far.
func (d *textDecoder) Write(chunk []byte) string {
	d.pending = append(d.pending, chunk...)
	cut := len(d.pending) - trailingPartial(d.pending)
	out := string(d.pending[:cut])
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return out
}

// Flush returns whatever is still buffered, valid or not. Called once
// when the stream ends.
func (d *textDecoder) Flush() string {
	out := string(d.pending)
	d.pending = d.pending[:0]
	return out
}

// trailingPartial returns how many bytes at the end of b form an
// incomplete UTF-8 sequence, or 0 if b ends on a rune boundary.
func trailingPartial(b []byte) int {
	n := len(b)
	// A rune is at most UTFMax bytes; look back that far for a start byte.
	for back := 1; back <= utf8.UTFMax && back <= n; back++ {
		c := b[n-back]
		if c < 0x80 {
			return 0 // ASCII tail, nothing pending
		}
		if c >= 0xC0 {
			// Start byte: pending only if the sequence it opens is unfinished.
			if want := runeLen(c); back < want {
				return back
			}
			return 0
		}
		// Continuation byte, keep looking back.
	}
	return 0
}

func runeLen(start byte) int {
	switch {
	case start >= 0xF0:
		return 4
	case start >= 0xE0:
		return 3
	case start >= 0xC0:
		return 2
	}
	return 1
}
