package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/creack/pty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/cblockd/cblockd/auditlog"
	"github.com/cblockd/cblockd/internal/tracing"
	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/registry"
	"github.com/cblockd/cblockd/scrollback"
)

// handleConsoleConnect attaches a peer as an instance's console: look
// the instance up, claim the attach slot, replay scrollback, apply the
// client's termios and winsize to the PTY master, then run the session
// loop. It owns the connection for the life of the console session;
// handlePeer returns once this does.
func (d *Daemon) handleConsoleConnect(ctx context.Context, conn net.Conn) {
	var hdr ipc.ConsoleConnectHeader
	if err := ipc.ReadHeader(conn, &hdr); err != nil {
		slog.WarnContext(ctx, "daemon.console: read header", "error", err)
		return
	}
	target := ipc.FixedString(hdr.Target[:])

	in, err := d.instances.Attach(target, conn)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			ipc.WriteResponse(conn, 1, target+" invalid container")
		case errors.Is(err, registry.ErrAlreadyAttached):
			ipc.WriteResponse(conn, 1, target+" console already attached")
		default:
			ipc.WriteResponse(conn, 1, err.Error())
		}
		return
	}

	replay := scrollback.TrimTTYBuffer(in.Scrollback.ToContig())

	if err := ipc.WriteResponse(conn, 0, ""); err != nil {
		d.instances.Detach(in)
		return
	}

	if len(replay) > 0 {
		if err := ipc.WriteFramed(conn, ipc.ConsoleToClient, replay); err != nil {
			d.instances.Detach(in)
			return
		}
	}

	fd := int(in.PTYFd.Fd())
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &hdr.Termios); err != nil {
		slog.WarnContext(ctx, "daemon.console: tcsetattr failed", "tag", in.Tag, "error", err)
	}
	if err := pty.Setsize(in.PTYFd, &pty.Winsize{Rows: hdr.Rows, Cols: hdr.Cols}); err != nil {
		slog.WarnContext(ctx, "daemon.console: TIOCSWINSZ failed", "tag", in.Tag, "error", err)
	}

	// A BUILD-kind instance blocks its commit phase until a console has
	// attached so the user can watch it. One-shot rendezvous.
	if in.Kind == registry.KindBuild && in.SyncCh != nil {
		closeSyncOnce(in)
	}

	d.recordAudit(auditlog.KindAttach, in.Tag, "")
	sessCtx, span := tracing.Tracer().Start(ctx, "console.session",
		trace.WithAttributes(attribute.String("tag", in.Tag)))
	d.consoleSessionLoop(sessCtx, in, conn)
	span.End()

	d.instances.Detach(in)
	d.recordAudit(auditlog.KindDetach, in.Tag, "")
}

// closeSyncOnce closes in.SyncCh if it is still open, unblocking any
// goroutine blocked reading from it. A later re-attach after a detach
// finds it already closed and does nothing. Two concurrent callers are
// not guarded against; Attach's one-console-at-a-time rule keeps them
// from occurring.
func closeSyncOnce(in *registry.Instance) {
	select {
	case <-in.SyncCh:
		// already closed
	default:
		close(in.SyncCh)
	}
}

// consoleSessionLoop reads framed commands from the attached peer until
// EOF or the instance dies, dispatching CONSOLE_RESIZE and CONSOLE_DATA.
func (d *Daemon) consoleSessionLoop(ctx context.Context, in *registry.Instance, conn net.Conn) {
	for {
		if d.instances.IsDead(in) {
			return
		}
		cmd, ok, err := ipc.MayReadCommand(conn)
		if !ok {
			if err != nil {
				slog.WarnContext(ctx, "daemon.console: session read error", "tag", in.Tag, "error", err)
			}
			return
		}
		switch cmd {
		case ipc.ConsoleResize:
			var resize ipc.ConsoleResizeHeader
			if err := ipc.ReadHeader(conn, &resize); err != nil {
				return
			}
			if err := pty.Setsize(in.PTYFd, &pty.Winsize{Rows: resize.Rows, Cols: resize.Cols}); err != nil {
				slog.WarnContext(ctx, "daemon.console: resize failed", "tag", in.Tag, "error", err)
			}
		case ipc.ConsoleData:
			var bc ipc.ByteCountHeader
			if err := ipc.ReadHeader(conn, &bc); err != nil {
				return
			}
			data := make([]byte, bc.ByteCount)
			if err := ipc.MustRead(conn, data); err != nil {
				return
			}
			if _, err := in.PTYFd.Write(data); err != nil {
				slog.WarnContext(ctx, "daemon.console: pty write failed", "tag", in.Tag, "error", err)
				return
			}
		default:
			slog.WarnContext(ctx, "daemon.console: unexpected command in session", "tag", in.Tag, "cmd", cmd)
			return
		}
	}
}
