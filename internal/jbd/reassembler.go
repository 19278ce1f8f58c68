package jbd

import "bytes"

// Frame is one complete response, from the first byte after the previous
// terminator up to and including the next terminator.
type Frame []byte

// Reassembler accumulates notification chunks into terminator-delimited frames.
//
// Chunks arrive at arbitrary boundaries. Feed returns at most one frame per
// call; bytes following the first terminator stay buffered and are examined on
// the next Feed or Flush. Unterminated data is never dropped, only Reset
// clears it.
//
// A Reassembler is not safe for concurrent use. It is owned by a single
// correlator for the lifetime of one device session.
type Reassembler struct {
	buf []byte
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends chunk and returns the first complete frame, if any.
func (r *Reassembler) Feed(chunk []byte) (Frame, bool) {
	r.buf = append(r.buf, chunk...)
	return r.next()
}

// Flush returns the next complete frame already sitting in the buffer,
// without consuming new input.
func (r *Reassembler) Flush() (Frame, bool) {
	return r.next()
}

func (r *Reassembler) next() (Frame, bool) {
	i := bytes.IndexByte(r.buf, Terminator)
	if i < 0 {
		return nil, false
	}

	frame := make(Frame, i+1)
	copy(frame, r.buf[:i+1])

	// Keep the remainder in a fresh slice so the frame never aliases the buffer
	rest := r.buf[i+1:]
	r.buf = append(make([]byte, 0, len(rest)), rest...)
	return frame, true
}

// Reset discards all buffered bytes and returns them.
func (r *Reassembler) Reset() []byte {
	residual := r.buf
	r.buf = nil
	return residual
}

// Pending returns a copy of the buffered, not yet delimited bytes.
func (r *Reassembler) Pending() []byte {
	return append([]byte(nil), r.buf...)
}

// Len reports the number of buffered bytes.
func (r *Reassembler) Len() int {
	return len(r.buf)
}
