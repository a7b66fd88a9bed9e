package ipc

import (
	"bytes"
	"io"
	"testing"
)

func TestMayReadCommandGracefulEOF(t *testing.T) {
	r := bytes.NewReader(nil)
	_, ok, err := MayReadCommand(r)
	if err != nil {
		t.Fatalf("unexpected error on graceful EOF: %v", err)
	}
	if ok {
		t.Error("ok = true on empty reader, want false")
	}
}

func TestMayReadCommandShortReadIsProtocolError(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2})
	_, ok, err := MayReadCommand(r)
	if ok {
		t.Error("ok = true on short read, want false")
	}
	if err == nil {
		t.Error("expected protocol error on short read, got nil")
	}
}

func TestWriteThenMayReadCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCommand(&buf, GetInstances); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	cmd, ok, err := MayReadCommand(&buf)
	if err != nil || !ok {
		t.Fatalf("MayReadCommand: cmd=%d ok=%v err=%v", cmd, ok, err)
	}
	if cmd != GetInstances {
		t.Errorf("cmd = %d, want %d", cmd, GetInstances)
	}
}

func TestMustReadShortFails(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2})
	buf := make([]byte, 10)
	if err := MustRead(r, buf); err == nil {
		t.Error("expected error reading past EOF")
	}
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, 1, "already attached"); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	cmd, ok, err := MayReadCommand(&buf)
	if err != nil || !ok || cmd != Response {
		t.Fatalf("unexpected command read: cmd=%d ok=%v err=%v", cmd, ok, err)
	}
	var hdr ResponseHeader
	if err := ReadHeader(&buf, &hdr); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Ecode != 1 {
		t.Errorf("Ecode = %d, want 1", hdr.Ecode)
	}
	if got := FixedString(hdr.Errbuf[:]); got != "already attached" {
		t.Errorf("Errbuf = %q, want %q", got, "already attached")
	}
}

func TestWriteFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello from the pty")
	if err := WriteFramed(&buf, ConsoleToClient, payload); err != nil {
		t.Fatalf("WriteFramed: %v", err)
	}
	cmd, ok, err := MayReadCommand(&buf)
	if err != nil || !ok || cmd != ConsoleToClient {
		t.Fatalf("unexpected command: cmd=%d ok=%v err=%v", cmd, ok, err)
	}
	var hdr ByteCountHeader
	if err := ReadHeader(&buf, &hdr); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if int(hdr.ByteCount) != len(payload) {
		t.Fatalf("ByteCount = %d, want %d", hdr.ByteCount, len(payload))
	}
	got := make([]byte, hdr.ByteCount)
	if err := MustRead(&buf, got); err != nil {
		t.Fatalf("MustRead payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFixedStringPutAndRead(t *testing.T) {
	var arr [16]byte
	PutFixedString(arr[:], "short")
	if got := FixedString(arr[:]); got != "short" {
		t.Errorf("FixedString = %q, want %q", got, "short")
	}
}

func TestFixedStringTruncates(t *testing.T) {
	var arr [4]byte
	PutFixedString(arr[:], "toolong")
	if len(arr) != 4 {
		t.Fatal("array length changed")
	}
	// copy truncates silently; just verify no panic and it reads back
	// some 4-byte prefix without a NUL terminator in this edge case.
	_ = FixedString(arr[:])
}

var _ io.Reader = (*bytes.Buffer)(nil)
