package hl7

import (
	"bufio"
	"errors"
	"io"
)

// MLLP frame delimiters (spec.md §4.3, §6).
const (
	VT byte = 0x0B
	FS byte = 0x1C
	CR byte = 0x0D
)

// ErrFraming is returned by Framer.Next when an FS byte is not immediately
// followed by CR — a structurally malformed frame that spec.md §4.3
// requires closing the connection over.
var ErrFraming = errors.New("mllp: frame error: FS not followed by CR")

type frameState int

const (
	stateAwaitVT frameState = iota
	stateReading
	stateAwaitCR
)

// Framer implements the small byte-level state machine described in
// spec.md §4.3: AWAIT_VT -> READING (until FS) -> AWAIT_CR -> EMIT. Bytes
// outside a frame are discarded.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps r for frame-at-a-time reading.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReader(r)}
}

// Next reads one complete MLLP frame and returns its payload (the bytes
// between VT and FS). Returns io.EOF when the underlying stream ends
// between frames, or ErrFraming when an FS is not followed by CR.
func (f *Framer) Next() ([]byte, error) {
	state := stateAwaitVT
	var payload []byte

	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if state == stateAwaitVT {
				return nil, io.EOF
			}
			return nil, err
		}

		switch state {
		case stateAwaitVT:
			if b == VT {
				state = stateReading
				payload = payload[:0]
			}
			// bytes outside a frame are discarded
		case stateReading:
			if b == FS {
				state = stateAwaitCR
				continue
			}
			payload = append(payload, b)
		case stateAwaitCR:
			if b != CR {
				return nil, ErrFraming
			}
			return payload, nil
		}
	}
}

// Frame wraps payload with MLLP delimiters for transmission. Frame and
// Next are inverses: Next(Frame(x)) == x for any x not containing
// VT/FS/CR, per spec.md §8's round-trip law.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, VT)
	out = append(out, payload...)
	out = append(out, FS, CR)
	return out
}
