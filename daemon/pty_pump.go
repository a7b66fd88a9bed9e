package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/registry"
)

const pumpReadSize = 8192

// pumpInterval bounds how long a quiet cycle sleeps. The pump polls each
// live PTY with a non-blocking read instead of a select(2) over the fd
// set, so every cycle completes within one interval even when no
// instance produces output.
const pumpInterval = 500 * time.Millisecond

// runPump is the single background task that owns all PTY masters: each
// cycle it runs the reaper once, then sweeps every non-DEAD instance's
// PTY for new output.
func (d *Daemon) runPump(ctx context.Context, sigChan <-chan os.Signal) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	buf := make([]byte, pumpReadSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
		case <-ticker.C:
		}

		d.reapChildren(ctx)

		if err := d.pumpCycle(ctx, buf); err != nil {
			slog.ErrorContext(ctx, "daemon.pump: fatal system error, shutting down", "error", err)
			d.Shutdown(ctx)
			return
		}
	}
}

// pumpCycle reads up to pumpReadSize bytes from each live instance's PTY,
// appends to its scrollback, and forwards framed CONSOLE_TO_CLIENT bytes
// to any attached console. ConnectedPeer snapshots state and peer under
// the registry lock; the frame write happens outside it.
func (d *Daemon) pumpCycle(ctx context.Context, buf []byte) error {
	for _, in := range d.instances.Snapshot() {
		if d.instances.IsDead(in) {
			continue
		}
		if err := d.pumpOne(ctx, in, buf); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) pumpOne(ctx context.Context, in *registry.Instance, buf []byte) error {
	n, err := unix.Read(int(in.PTYFd.Fd()), buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil
		}
		if err == unix.EIO {
			// BSD PTYs (and Linux ones) return EIO once the slave side
			// has no more openers -- the non-error-path equivalent of a
			// zero-byte read EOF on some platforms.
			d.instances.MarkDead(in)
			return nil
		}
		return err
	}
	if n == 0 {
		d.instances.MarkDead(in)
		return nil
	}

	chunk := buf[:n]
	in.Scrollback.Append(chunk)

	peer, connected := d.instances.ConnectedPeer(in)
	if !connected {
		return nil
	}
	if err := ipc.WriteFramed(peer, ipc.ConsoleToClient, chunk); err != nil {
		slog.WarnContext(ctx, "daemon.pump: console write failed, detaching", "tag", in.Tag, "error", err)
		d.instances.Detach(in)
	}
	return nil
}
