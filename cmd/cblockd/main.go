// Command cblockd is the long-running container manager daemon: it
// owns the instance registry, the build engine, and the unix socket
// that short-lived client tools speak the framed IPC protocol over.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cblockd/cblockd/auditlog"
	"github.com/cblockd/cblockd/config"
	"github.com/cblockd/cblockd/daemon"
	"github.com/cblockd/cblockd/internal/tracing"
	"github.com/cblockd/cblockd/version"
)

const description = `cblockd manages lightweight jail-style containers: image builds,
instance launch, and interactive console attach, all over a local
unix socket.`

// CLI embeds config.Config's kong-tagged fields as the daemon's own
// top-level flags.
type CLI struct {
	config.Config `embed:""`
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/cblockd.yaml", "~/.cblockd.yaml"),
		kong.Description(description))

	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("dir", complete.PredictDirs("*")),
	)

	_, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.Config.Finalize()

	if err := run(&cli.Config); err != nil {
		fmt.Fprintf(os.Stderr, "cblockd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return fmt.Errorf("mkdir log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	logWriter := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	defer logWriter.Close()

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	// Foreground runs (stderr on a terminal) tee log output there as
	// well, so an operator debugging interactively sees it without
	// tailing the rotated file.
	var logOut io.Writer = logWriter
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logOut = io.MultiWriter(logWriter, os.Stderr)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level})))

	audit, err := auditlog.Open(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	tracer := tracing.Install(512)
	defer tracer.Shutdown(context.Background())

	d := daemon.New(cfg, audit)
	d.Tracer = tracer

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		d.Shutdown(context.Background())
	}()

	info := version.Get()
	slog.InfoContext(ctx, "cblockd starting", "commit", info.GitCommit, "socket", cfg.SocketPath, "data_dir", cfg.DataDir)

	return d.Serve(ctx)
}
