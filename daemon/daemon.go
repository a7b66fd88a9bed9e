// Package daemon implements the cblockd accept loop, the per-peer
// command dispatcher, the PTY pump, the SIGCHLD reaper and the launch,
// build and console-attach handlers.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goombaio/namegenerator"
	"golang.org/x/sync/errgroup"

	"github.com/cblockd/cblockd/auditlog"
	"github.com/cblockd/cblockd/build"
	"github.com/cblockd/cblockd/buildpool"
	"github.com/cblockd/cblockd/config"
	"github.com/cblockd/cblockd/internal/tracing"
	"github.com/cblockd/cblockd/registry"
)

// Daemon holds all process-wide state for one running cblockd.
type Daemon struct {
	cfg   *config.Config
	audit *auditlog.Log

	instances *registry.InstanceRegistry
	peers     *registry.PeerRegistry
	slots     *buildpool.SlotPool
	namer     namegenerator.Generator

	paths build.Paths

	// Tracer backs the "trace-dump" GENERIC_COMMAND subcommand. Left
	// nil if the caller never installed one (e.g. in unit tests).
	Tracer *tracing.Recorder

	listener net.Listener
	lockFile *os.File

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Daemon ready to Serve. audit may be nil in tests that
// don't care about the audit trail.
func New(cfg *config.Config, audit *auditlog.Log) *Daemon {
	return &Daemon{
		cfg:        cfg,
		audit:      audit,
		instances:  registry.NewInstanceRegistry(),
		peers:      registry.NewPeerRegistry(),
		slots:      buildpool.NewSlotPool(cfg.MaxConcurrentBuilds),
		namer:      namegenerator.NewNameGenerator(time.Now().UnixNano()),
		paths:      build.Paths{DataDir: cfg.DataDir},
		shutdownCh: make(chan struct{}),
	}
}

// acquireLock takes an exclusive, non-blocking flock on the daemon's
// lockfile, writing our pid into it. A held lock means another cblockd
// owns this data dir.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemon: open lockfile: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("daemon: already running (lockfile %s held): %w", path, err)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

// Serve acquires the lockfile, opens the unix socket listener, and runs
// the accept loop, the PTY pump, and the SIGCHLD reaper under a single
// errgroup until ctx is cancelled or Shutdown is called.
func (d *Daemon) Serve(ctx context.Context) error {
	lockFile, err := acquireLock(d.cfg.LockFilePath())
	if err != nil {
		return err
	}
	d.lockFile = lockFile

	os.Remove(d.cfg.SocketPath)
	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}
	d.listener = listener

	slog.InfoContext(ctx, "daemon.Serve", "socket", d.cfg.SocketPath, "pid", os.Getpid())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGCHLD)
	defer signal.Stop(sigChan)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.runPump(gctx, sigChan)
		return nil
	})
	g.Go(func() error {
		return d.acceptLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.shutdownCh:
		}
		d.listener.Close()
		return nil
	})

	err = g.Wait()
	d.teardown(ctx)
	return err
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-d.shutdownCh:
				return nil
			default:
				return fmt.Errorf("daemon: accept: %w", err)
			}
		}
		go d.handlePeer(ctx, conn)
	}
}

// Shutdown closes the listener, which unblocks the accept loop, and
// releases the lockfile. Safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		slog.InfoContext(ctx, "daemon.Shutdown", "pid", os.Getpid())
		close(d.shutdownCh)
	})
}

func (d *Daemon) teardown(ctx context.Context) {
	os.Remove(d.cfg.SocketPath)
	if d.lockFile != nil {
		syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
		d.lockFile.Close()
		if err := os.Remove(d.cfg.LockFilePath()); err != nil && !os.IsNotExist(err) {
			slog.ErrorContext(ctx, "daemon.teardown removing lockfile", "error", err)
		}
	}
}

func (d *Daemon) recordAudit(kind auditlog.Kind, tag, detail string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(time.Now(), kind, tag, detail); err != nil {
		slog.Error("daemon: audit record failed", "kind", kind, "tag", tag, "error", err)
	}
}
