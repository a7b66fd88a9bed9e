package daemon

import (
	"context"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/registry"
)

// handlePeer is one connection's command loop: repeatedly may-read a
// command code and dispatch it, until a graceful EOF, a command that
// takes over the connection (CONSOLE_CONNECT), or a protocol error.
func (d *Daemon) handlePeer(ctx context.Context, conn net.Conn) {
	// unix socket peers don't carry a useful RemoteAddr, so each
	// connection gets its own correlation id for the peer registry and
	// for log lines tying the dispatcher to the pump.
	peer := &registry.Peer{ID: uuid.NewString(), Conn: conn}
	d.peers.Insert(peer)
	defer func() {
		d.peers.Remove(peer.ID)
		conn.Close()
	}()

	for {
		cmd, ok, err := ipc.MayReadCommand(conn)
		if !ok {
			if err != nil {
				slog.WarnContext(ctx, "daemon.handlePeer: protocol error", "error", err)
			}
			return
		}

		switch cmd {
		case ipc.GenericCommand:
			// The reply stream ends with the connection close, so a
			// generic command is always the last thing on its socket.
			if err := d.handleGenericCommand(ctx, conn); err != nil {
				slog.WarnContext(ctx, "daemon.handleGenericCommand", "error", err)
			}
			return
		case ipc.GetInstances:
			if err := d.handleGetInstances(ctx, conn); err != nil {
				slog.WarnContext(ctx, "daemon.handleGetInstances", "error", err)
				return
			}
		case ipc.LaunchInstance:
			if err := d.handleLaunchInstance(ctx, conn); err != nil {
				slog.WarnContext(ctx, "daemon.handleLaunchInstance", "error", err)
				return
			}
		case ipc.LaunchBuild:
			if err := d.handleLaunchBuild(ctx, conn); err != nil {
				slog.WarnContext(ctx, "daemon.handleLaunchBuild", "error", err)
				return
			}
		case ipc.SendBuildCtx:
			// Drives the full build pipeline inline on this socket,
			// then the connection closes.
			if err := d.handleSendBuildCtx(ctx, conn); err != nil {
				slog.WarnContext(ctx, "daemon.handleSendBuildCtx", "error", err)
			}
			return
		case ipc.ConsoleConnect:
			// Takes over the connection for the life of the session;
			// the peer handler returns once the console session ends.
			d.handleConsoleConnect(ctx, conn)
			return
		default:
			slog.WarnContext(ctx, "daemon.handlePeer: unknown command", "cmd", cmd)
			return
		}
	}
}
