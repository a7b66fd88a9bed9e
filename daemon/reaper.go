package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cblockd/cblockd/auditlog"
	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/registry"
)

// reapChildren non-blockingly waitpids every live instance's child and
// tears down any that have exited.
func (d *Daemon) reapChildren(ctx context.Context) {
	for _, in := range d.instances.Snapshot() {
		if in.Pid <= 0 {
			// BUILD-kind instances registered by LAUNCH_BUILD have no
			// long-running child of their own until SEND_BUILD_CTX
			// forks stage helpers; nothing to reap here.
			continue
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(in.Pid, &ws, unix.WNOHANG, nil)
		if err != nil || pid != in.Pid {
			continue
		}
		d.instances.MarkDead(in)
		d.removeInstance(ctx, in)
	}
}

// removeInstance tears down one exited instance: detach any attached
// console (sending CONSOLE_SESSION_DONE outside the registry lock), close
// its PTY master exactly once, remove it from the registry, fork the
// external cleanup helper, and release its pidfile lock. DetachForRemoval
// flips state under the registry lock; the CONSOLE_SESSION_DONE write and
// the cleanup fork happen outside it.
func (d *Daemon) removeInstance(ctx context.Context, in *registry.Instance) {
	if peer := d.instances.DetachForRemoval(in); peer != nil {
		if err := ipc.WriteCommand(peer, ipc.ConsoleSessionDone); err != nil {
			slog.WarnContext(ctx, "daemon.removeInstance: console-session-done write failed", "tag", in.Tag, "error", err)
		}
	}

	if in.PTYFd != nil {
		in.PTYFd.Close()
	}

	d.instances.Remove(in.Tag)

	kind := "regular"
	if in.Kind == registry.KindBuild {
		kind = "build"
	}
	res := d.runCleanupHelper(ctx, in.Tag, kind)
	if res.Err != nil {
		slog.WarnContext(ctx, "daemon.removeInstance: cleanup helper failed", "tag", in.Tag, "error", res.Err)
	}

	if in.PidFileFd != nil {
		unix.Flock(int(in.PidFileFd.Fd()), unix.LOCK_UN)
		in.PidFileFd.Close()
		os.Remove(d.cfg.LockFilePathFor(in.Tag))
	}

	d.recordAudit(auditlog.KindReap, in.Tag, fmt.Sprintf("pid=%d kind=%s", in.Pid, kind))
	d.recordAudit(auditlog.KindRemove, in.Tag, "")
}
