package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cblockd/cblockd/auditlog"
	"github.com/cblockd/cblockd/internal/helper"
	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/registry"
	"github.com/cblockd/cblockd/scrollback"
)

// handleLaunchInstance launches a REGULAR instance: mint a tag, fork
// stage_launch.sh under a fresh PTY, take the pidfile lock, and insert
// the instance into the registry. The tag is returned to the client in
// the response's error-buffer field.
func (d *Daemon) handleLaunchInstance(ctx context.Context, conn net.Conn) error {
	var hdr ipc.LaunchInstanceHeader
	if err := ipc.ReadHeader(conn, &hdr); err != nil {
		return err
	}

	name := ipc.FixedString(hdr.Name[:])
	term := ipc.FixedString(hdr.Term[:])
	volumes := ipc.FixedString(hdr.Volumes[:])
	network := ipc.FixedString(hdr.Network[:])
	imageTag := ipc.FixedString(hdr.Tag[:])
	ports := ipc.FixedString(hdr.Ports[:])
	entryPointArgs := ipc.FixedString(hdr.EntryPointArgs[:])

	tag, err := registry.NewTag()
	if err != nil {
		return ipc.WriteResponse(conn, -1, fmt.Sprintf("failed to mint instance tag: %v", err))
	}

	if network == "" {
		network = "default"
	}
	if ports == "" {
		ports = "none"
	}

	env := []string{
		fmt.Sprintf("TERM=%s", term),
		"USER=root",
		"HOME=/root",
		fmt.Sprintf("CBLOCK_FS=%s", d.cfg.UnderlyingFS),
	}

	args := []string{d.cfg.DataDir, name, tag, volumes, network, imageTag, ports}
	if entryPointArgs != "" {
		args = append(args, entryPointArgs)
	}

	master, cmd, err := helper.StartPTY(d.cfg.LibPath("stage_launch.sh"), args, env)
	if err != nil {
		return ipc.WriteResponse(conn, -1, fmt.Sprintf("launch failed: %v", err))
	}

	pidFile, err := createPidFile(d.cfg.LockFilePathFor(tag), cmd.Process.Pid)
	if err != nil {
		master.Close()
		cmd.Process.Kill()
		return ipc.WriteResponse(conn, -1, fmt.Sprintf("failed to create pid file: %v", err))
	}

	in := &registry.Instance{
		Tag:        tag,
		Name:       d.namer.Generate(),
		ImageName:  name,
		ImageTag:   imageTag,
		Kind:       registry.KindRegular,
		Pid:        cmd.Process.Pid,
		PTYFd:      master,
		PTYName:    master.Name(),
		Scrollback: scrollback.New(d.cfg.ScrollbackCapBytes),
		LaunchTime: time.Now(),
		PidFileFd:  pidFile,
	}
	if err := d.instances.Insert(in); err != nil {
		// Practically unreachable (256 bits of randomness), but
		// registry.ErrDuplicateTag is the documented invariant.
		master.Close()
		pidFile.Close()
		cmd.Process.Kill()
		return ipc.WriteResponse(conn, -1, err.Error())
	}

	d.recordAudit(auditlog.KindLaunch, tag, fmt.Sprintf("image=%s:%s name=%s", name, imageTag, in.Name))

	return ipc.WriteResponse(conn, 0, tag)
}

// createPidFile opens path exclusively under an exclusive advisory
// flock and writes pid into it, held for the instance's lifetime so
// external tooling can observe liveness.
func createPidFile(path string, pid int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir locks dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_EXCL|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d", pid); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
