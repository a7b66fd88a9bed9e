// Package argvec implements the growable argument vector used to build
// argv arrays for helper process invocation and to marshal flag/value
// pairs into GENERIC_COMMAND payloads.
package argvec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotFinalized is returned by Data when Finalize has not been called.
var ErrNotFinalized = errors.New("argvec: vector not finalized")

// Vec is a growable ordered sequence of strings: elements are appended
// one at a time, then Finalize locks the vector so Data() can hand out
// a terminator-bearing argv array.
type Vec struct {
	elems     []string
	finalized bool
}

// Init returns a new Vec with storage pre-allocated for capacity
// elements.
func Init(capacity int) *Vec {
	return &Vec{elems: make([]string, 0, capacity)}
}

// Append adds s as the next element. Append on a finalized vector
// panics: it indicates a programming error (mutating a vector already
// hashed into a marshalled payload).
func (v *Vec) Append(s string) {
	if v.finalized {
		panic("argvec: append after finalize")
	}
	v.elems = append(v.elems, s)
}

// Finalize locks the vector against further appends. It is idempotent.
func (v *Vec) Finalize() {
	v.finalized = true
}

// Data returns the finalized element slice, terminator included as the
// final empty-string sentinel element so callers building a C-style
// argv can append a nil pointer in its place; Go callers typically just
// use the slice directly and ignore the trailing sentinel.
func (v *Vec) Data() ([]string, error) {
	if !v.finalized {
		return nil, ErrNotFinalized
	}
	out := make([]string, len(v.elems)+1)
	copy(out, v.elems)
	return out, nil
}

// Join concatenates all elements with sep between them.
func (v *Vec) Join(sep string) string {
	out := ""
	for i, e := range v.elems {
		if i > 0 {
			out += sep
		}
		out += e
	}
	return out
}

// Len returns the number of appended elements (excluding the terminator).
func (v *Vec) Len() int {
	return len(v.elems)
}

// Marshal produces a self-describing buffer: a uint32 element count,
// followed by each element as a uint32 length prefix plus raw bytes.
// The receiver can read the count, then allocate once for the known
// total length. Finalize need not have been called to Marshal; GENERIC_COMMAND
// payloads marshal before finalizing the local argv copy.
func (v *Vec) Marshal() []byte {
	total := 4
	for _, e := range v.elems {
		total += 4 + len(e)
	}
	buf := make([]byte, total)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(v.elems)))
	off := 4
	for _, e := range v.elems {
		binary.NativeEndian.PutUint32(buf[off:off+4], uint32(len(e)))
		off += 4
		copy(buf[off:], e)
		off += len(e)
	}
	return buf
}

// Unmarshal parses a buffer produced by Marshal into a fresh, unfinalized
// Vec.
func Unmarshal(buf []byte) (*Vec, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("argvec: unmarshal: buffer too short for count")
	}
	n := binary.NativeEndian.Uint32(buf[0:4])
	v := Init(int(n))
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("argvec: unmarshal: truncated length prefix at element %d", i)
		}
		l := binary.NativeEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int(l) > len(buf) {
			return nil, fmt.Errorf("argvec: unmarshal: truncated element %d", i)
		}
		v.elems = append(v.elems, string(buf[off:off+int(l)]))
		off += int(l)
	}
	return v, nil
}
