// Package scrollback implements the bounded per-instance FIFO of raw
// PTY output used to replay history to a newly attached console.
package scrollback

import "sync"

// DefaultCapBytes is the default eviction cap per instance.
const DefaultCapBytes = 1 << 20

type node struct {
	b []byte
}

// Buffer is a FIFO of byte chunks as received from PTY reads, with O(1)
// append and oldest-drop eviction once CapBytes is exceeded. Safe for
// concurrent use: the pump appends while a console attach snapshots.
type Buffer struct {
	mu       sync.Mutex
	nodes    []node
	total    int
	CapBytes int
}

// New returns an empty Buffer with the given eviction cap. A cap of 0
// uses DefaultCapBytes.
func New(capBytes int) *Buffer {
	if capBytes <= 0 {
		capBytes = DefaultCapBytes
	}
	return &Buffer{CapBytes: capBytes}
}

// Append pushes a new chunk and evicts from the head until total is
// within CapBytes.
func (b *Buffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.mu.Lock()
	b.nodes = append(b.nodes, node{b: cp})
	b.total += len(cp)
	for b.total > b.CapBytes && len(b.nodes) > 0 {
		b.removeOldestLocked()
	}
	b.mu.Unlock()
}

// RemoveOldest pops the head node and returns the new total length.
func (b *Buffer) RemoveOldest() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeOldestLocked()
}

func (b *Buffer) removeOldestLocked() int {
	if len(b.nodes) == 0 {
		return b.total
	}
	b.total -= len(b.nodes[0].b)
	b.nodes = b.nodes[1:]
	return b.total
}

// TotalLen returns the current total enqueued byte length.
func (b *Buffer) TotalLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// ToContig allocates one contiguous buffer of TotalLen() bytes and
// copies every node into it in enqueue order.
func (b *Buffer) ToContig() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.total)
	for _, n := range b.nodes {
		out = append(out, n.b...)
	}
	return out
}

// TrimTTYBuffer strips trailing whitespace and NUL bytes from buf.
// Applied only to the contiguous replay sent on console attach, never
// to the stored nodes.
func TrimTTYBuffer(buf []byte) []byte {
	end := len(buf)
	for end > 0 {
		c := buf[end-1]
		if c == 0 || c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			end--
			continue
		}
		break
	}
	return buf[:end]
}
