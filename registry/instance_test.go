package registry

import (
	"net"
	"testing"

	"github.com/cblockd/cblockd/scrollback"
)

func newTestInstance(t *testing.T, tag string) *Instance {
	t.Helper()
	return &Instance{
		Tag:        tag,
		Scrollback: scrollback.New(0),
	}
}

func TestNewTagIsHex64AndUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tag, err := NewTag()
		if err != nil {
			t.Fatalf("NewTag: %v", err)
		}
		if len(tag) != 64 {
			t.Fatalf("tag length = %d, want 64", len(tag))
		}
		if seen[tag] {
			t.Fatalf("duplicate tag generated: %s", tag)
		}
		seen[tag] = true
	}
}

func TestShortTag(t *testing.T) {
	full := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	if got := ShortTag(full); got != "0123456789" {
		t.Errorf("ShortTag = %q, want %q", got, "0123456789")
	}
	if got := ShortTag("short"); got != "short" {
		t.Errorf("ShortTag on short input = %q, want unchanged", got)
	}
}

func TestLookupFullAndPrefix(t *testing.T) {
	r := NewInstanceRegistry()
	tag := "aaaaaaaaaabbbbbbbbbbccccccccccddddddddddeeeeeeeeeeffffffffff0123"
	in := newTestInstance(t, tag)
	if err := r.Insert(in); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := r.Lookup(tag)
	if err != nil || got != in {
		t.Fatalf("full lookup: got=%v err=%v", got, err)
	}

	got, err = r.Lookup(tag[:10])
	if err != nil || got != in {
		t.Fatalf("prefix lookup: got=%v err=%v", got, err)
	}

	if _, err := r.Lookup("deadbeef00"); err != ErrNotFound {
		t.Errorf("lookup of unknown prefix: err = %v, want ErrNotFound", err)
	}
	if _, err := r.Lookup("nonexistent-full-tag"); err != ErrNotFound {
		t.Errorf("lookup of unknown full id: err = %v, want ErrNotFound", err)
	}
}

func TestDuplicateTagRejected(t *testing.T) {
	r := NewInstanceRegistry()
	tag := "dup0000000000000000000000000000000000000000000000000000000000"
	if err := r.Insert(newTestInstance(t, tag)); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := r.Insert(newTestInstance(t, tag)); err != ErrDuplicateTag {
		t.Errorf("second Insert: err = %v, want ErrDuplicateTag", err)
	}
}

func TestAttachDetachInvariant(t *testing.T) {
	r := NewInstanceRegistry()
	tag := "attach00000000000000000000000000000000000000000000000000000000"
	in := newTestInstance(t, tag)
	if err := r.Insert(in); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if _, connected := r.ConnectedPeer(in); connected {
		t.Fatal("instance reports connected before any Attach")
	}

	if _, err := r.Attach(tag, c1); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	peer, connected := r.ConnectedPeer(in)
	if !connected || peer != c1 {
		t.Fatalf("ConnectedPeer after Attach: peer=%v connected=%v", peer, connected)
	}

	if _, err := r.Attach(tag, c2); err != ErrAlreadyAttached {
		t.Errorf("second Attach: err = %v, want ErrAlreadyAttached", err)
	}

	r.Detach(in)
	if _, connected := r.ConnectedPeer(in); connected {
		t.Error("instance still reports connected after Detach")
	}
}

func TestMarkDeadAndSnapshot(t *testing.T) {
	r := NewInstanceRegistry()
	in := newTestInstance(t, "dead0000000000000000000000000000000000000000000000000000000000")
	if err := r.Insert(in); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if r.IsDead(in) {
		t.Fatal("fresh instance reports dead")
	}
	r.MarkDead(in)
	if !r.IsDead(in) {
		t.Error("instance does not report dead after MarkDead")
	}
	if got := len(r.Snapshot()); got != 1 {
		t.Errorf("Snapshot length = %d, want 1", got)
	}
	r.Remove(in.Tag)
	if got := r.Len(); got != 0 {
		t.Errorf("Len after Remove = %d, want 0", got)
	}
}
