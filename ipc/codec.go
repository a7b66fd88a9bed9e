package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocol marks a short read of a command code, a known-size header
// or a must-read payload: a protocol error that must close the peer.
var ErrProtocol = errors.New("ipc: protocol error")

// MayReadCommand reads a single uint32 command code from r. A clean
// zero-byte EOF at this read is the graceful disconnect signal: ok is
// false and err is nil. Any other short read is a protocol error.
func MayReadCommand(r io.Reader) (cmd uint32, ok bool, err error) {
	var buf [4]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: short read of command code: %v", ErrProtocol, err)
	}
	return binary.NativeEndian.Uint32(buf[:]), true, nil
}

// MustRead reads exactly len(buf) bytes from r. Any error, including
// EOF, is fatal to the peer.
func MustRead(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: must-read failed: %v", ErrProtocol, err)
	}
	return nil
}

// MustWrite writes all of buf to w, retrying partial writes. Any error
// is fatal to the peer.
func MustWrite(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return fmt.Errorf("ipc: must-write failed: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

// WriteCommand writes a command code.
func WriteCommand(w io.Writer, cmd uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], cmd)
	return MustWrite(w, buf[:])
}

// WriteHeader binary-encodes a fixed-size header (native host order) and
// must-writes it.
func WriteHeader(w io.Writer, hdr any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, hdr); err != nil {
		return fmt.Errorf("ipc: encode header: %w", err)
	}
	return MustWrite(w, buf.Bytes())
}

// ReadHeader must-reads and decodes a fixed-size header into hdr, which
// must be a pointer to a fixed-layout struct.
func ReadHeader(r io.Reader, hdr any) error {
	if err := binary.Read(r, binary.NativeEndian, hdr); err != nil {
		return fmt.Errorf("%w: decode header: %v", ErrProtocol, err)
	}
	return nil
}

// WriteResponse is a convenience wrapper sending RESPONSE with the given
// ecode and message, truncated to fit Errbuf.
func WriteResponse(w io.Writer, ecode int32, msg string) error {
	var hdr ResponseHeader
	hdr.Ecode = ecode
	PutFixedString(hdr.Errbuf[:], msg)
	if err := WriteCommand(w, Response); err != nil {
		return err
	}
	return WriteHeader(w, &hdr)
}

// WriteFramed writes a command code, a ByteCountHeader, and then the
// payload bytes -- the shape shared by CONSOLE_DATA and
// CONSOLE_TO_CLIENT.
func WriteFramed(w io.Writer, cmd uint32, payload []byte) error {
	if err := WriteCommand(w, cmd); err != nil {
		return err
	}
	if err := WriteHeader(w, &ByteCountHeader{ByteCount: uint32(len(payload))}); err != nil {
		return err
	}
	return MustWrite(w, payload)
}
