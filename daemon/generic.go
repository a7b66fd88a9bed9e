package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/version"
)

func statSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// handleGenericCommand reads a cmd_name plus a marshalled argvec
// payload, dispatches to the named subcommand handler, and streams
// free-form text back until the handler returns; the client tees that
// stream to its TTY.
func (d *Daemon) handleGenericCommand(ctx context.Context, conn net.Conn) error {
	var hdr ipc.GenericCommandHeader
	if err := ipc.ReadHeader(conn, &hdr); err != nil {
		return err
	}
	payload := make([]byte, hdr.PayloadLen)
	if err := ipc.MustRead(conn, payload); err != nil {
		return err
	}

	args, err := argvecArgs(payload)
	if err != nil {
		fmt.Fprintf(conn, "error: malformed command payload: %v\n", err)
		return nil
	}

	switch ipc.FixedString(hdr.CmdName[:]) {
	case "network-list":
		return d.handleNetworkList(ctx, conn, args)
	case "network-create":
		return d.handleNetworkCreate(ctx, conn, args)
	case "network-destroy":
		return d.handleNetworkDestroy(ctx, conn, args)
	case "history":
		return d.handleHistory(ctx, conn, args)
	case "disk-usage":
		return d.handleDiskUsage(ctx, conn)
	case "trace-dump":
		return d.handleTraceDump(ctx, conn)
	case "version":
		return d.handleVersion(ctx, conn)
	default:
		fmt.Fprintf(conn, "error: unknown generic command\n")
		return nil
	}
}

// handleHistory dumps the audit log newest-first.
func (d *Daemon) handleHistory(ctx context.Context, conn net.Conn, args []string) error {
	if d.audit == nil {
		fmt.Fprintln(conn, "history unavailable: audit log not configured")
		return nil
	}
	n := 50
	if v, ok := flagValue(args, "-n"); ok {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	events, err := d.audit.Recent(n)
	if err != nil {
		fmt.Fprintf(conn, "error: %v\n", err)
		return nil
	}
	for _, e := range events {
		fmt.Fprintf(conn, "%s  %-8s %s  %s\n", e.Ts.Format("2006-01-02T15:04:05"), e.Kind, e.Tag, e.Detail)
	}
	return nil
}

// handleDiskUsage sums the on-disk size of every build context archive.
func (d *Daemon) handleDiskUsage(ctx context.Context, conn net.Conn) error {
	matches, err := filepath.Glob(filepath.Join(d.cfg.DataDir, "instances", "*.tar.gz"))
	if err != nil {
		fmt.Fprintf(conn, "error: %v\n", err)
		return nil
	}
	var total int64
	for _, m := range matches {
		if fi, err := statSize(m); err == nil {
			total += fi
			fmt.Fprintf(conn, "%-40s %s\n", filepath.Base(m), humanize.Bytes(uint64(fi)))
		}
	}
	fmt.Fprintf(conn, "total: %s across %d build context archive(s)\n", humanize.Bytes(uint64(total)), len(matches))
	return nil
}

// handleTraceDump renders the in-process span recorder's contents.
func (d *Daemon) handleTraceDump(ctx context.Context, conn net.Conn) error {
	if d.Tracer == nil {
		fmt.Fprintln(conn, "tracing not enabled")
		return nil
	}
	fmt.Fprint(conn, d.Tracer.Dump())
	return nil
}

// handleVersion reports the daemon binary's build information.
func (d *Daemon) handleVersion(ctx context.Context, conn net.Conn) error {
	info := version.Get()
	fmt.Fprintf(conn, "commit: %s\n", info.GitCommit)
	fmt.Fprintf(conn, "branch: %s\n", info.GitBranch)
	fmt.Fprintf(conn, "built:  %s\n", info.BuildTime)
	if info.BuildInfo != nil {
		fmt.Fprintf(conn, "go:     %s\n", info.BuildInfo.GoVersion)
	}
	return nil
}
