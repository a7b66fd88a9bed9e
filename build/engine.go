package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cblockd/cblockd/internal/helper"
	"github.com/cblockd/cblockd/internal/tracing"
)

// Paths bundles the on-disk layout rooted at data_dir that the build
// engine reads and writes.
type Paths struct {
	DataDir string
}

func (p Paths) archivePath(tag string) string {
	return filepath.Join(p.DataDir, "instances", tag+".tar.gz")
}

func (p Paths) buildRoot(tag string) string {
	return filepath.Join(p.DataDir, "instances", tag)
}

func (p Paths) libPath(name string) string {
	return filepath.Join(p.DataDir, "lib", name)
}

// ReceiveContext implements Phase 1 of SEND_BUILD_CTX: create the
// archive file and build root for a fresh tag, and copy exactly
// contextSize bytes from r into the archive. The archive is created
// with O_EXCL so a tag can never be uploaded twice.
func ReceiveContext(p Paths, tag string, contextSize int64, r io.Reader) error {
	if err := os.MkdirAll(filepath.Join(p.DataDir, "instances"), 0o755); err != nil {
		return fmt.Errorf("build: mkdir instances dir: %w", err)
	}
	f, err := os.OpenFile(p.archivePath(tag), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("build: create context archive: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(p.buildRoot(tag), 0o755); err != nil {
		return fmt.Errorf("build: mkdir build root: %w", err)
	}

	if _, err := io.CopyN(f, r, contextSize); err != nil {
		return fmt.Errorf("build: stream context archive: %w", err)
	}

	return validateGzip(p.archivePath(tag))
}

// validateGzip confirms the received archive parses as a gzip stream
// before any stage script gets to it. stage_init.sh itself unpacks the
// archive with tar -zxf; this catches a truncated or corrupt upload
// with a real error here rather than a shell subprocess's exit code.
func validateGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("build: reopen context archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("build: context archive is not valid gzip: %w", err)
	}
	defer gz.Close()
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return fmt.Errorf("build: context archive is not valid gzip: %w", err)
	}
	return nil
}

// StageOutcome records the result of running one stage.
type StageOutcome struct {
	Index   int
	InitRC  int
	BuildRC int
	Aborted bool
}

// logf writes a build-log line to the client socket. Color is only
// emitted when verbose is set: a unix socket has no tty to negotiate
// color support, so verbosity is the proxy signal.
func logf(w io.Writer, verbose bool, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	line := text + "\n"
	if verbose {
		line = color.New(color.Bold).Sprint(text) + "\n"
	}
	fmt.Fprint(w, line)
}

// RunStages drives Phase 2: for each stage in declared order, emit its
// script, fork stage_init.sh then stage_build.sh with output streamed to
// conn, and stop the pipeline without committing on the first non-zero
// exit. The caller holds a buildpool slot for the duration.
func RunStages(ctx context.Context, p Paths, m *Manifest, tag string, conn net.Conn) ([]StageOutcome, bool, error) {
	root := p.buildRoot(tag)
	var outcomes []StageOutcome

	logf(conn, m.Verbose, "Bootstrapping build stages 1 through %d", len(m.Stages))

	for _, stage := range m.Stages {
		stageCtx, span := tracing.Tracer().Start(ctx, "build.stage",
			trace.WithAttributes(
				attribute.String("tag", tag),
				attribute.Int("stage", stage.Index),
			))
		outcome, cont, retErr := runOneStage(stageCtx, p, m, tag, stage, root, conn)
		span.End()
		outcomes = append(outcomes, outcome)
		if retErr != nil {
			return outcomes, false, retErr
		}
		if !cont {
			return outcomes, false, nil
		}
	}

	return outcomes, true, nil
}

// runOneStage runs stage_init.sh then stage_build.sh for one stage,
// returning its outcome and whether the pipeline should continue.
func runOneStage(ctx context.Context, p Paths, m *Manifest, tag string, stage Stage, root string, conn net.Conn) (StageOutcome, bool, error) {
	steps := m.StepsForStage(stage.Index)
	stageDir := filepath.Join(root, fmt.Sprintf("%d", stage.Index))
	outcome := StageOutcome{Index: stage.Index}

	if err := os.MkdirAll(filepath.Join(stageDir, "root"), 0o755); err != nil {
		return outcome, false, fmt.Errorf("build: mkdir stage dir: %w", err)
	}

	script := EmitShellScript(stage.Index, steps, m.Verbose)
	scriptPath := filepath.Join(root, fmt.Sprintf("%d.sh", stage.Index))
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return outcome, false, fmt.Errorf("build: write stage script: %w", err)
	}

	deps := StageDeps(steps)
	initArgs := []string{root, fmt.Sprintf("%d", stage.Index), stage.BaseContainer, p.DataDir, p.archivePath(tag), deps, tag}
	if stage.Name != "" {
		initArgs = append(initArgs, stage.Name)
	}
	initRes := helper.Run(ctx, p.libPath("stage_init.sh"), initArgs, nil, conn)
	outcome.InitRC = initRes.ExitCode

	if initRes.ExitCode != 0 {
		logf(conn, m.Verbose, "Stage index %d failed with code %d. Exiting", stage.Index, initRes.ExitCode)
		outcome.Aborted = true
		return outcome, false, nil
	}

	logf(conn, m.Verbose, "Executing stage (%d/%d)", stage.Index+1, len(m.Stages))
	buildArgs := []string{filepath.Join(stageDir, "root")}
	buildRes := helper.Run(ctx, p.libPath("stage_build.sh"), buildArgs, nil, conn)
	outcome.BuildRC = buildRes.ExitCode

	if buildRes.ExitCode != 0 {
		logf(conn, m.Verbose, "Stage index %d failed with code %d. Exiting", stage.Index, buildRes.ExitCode)
		outcome.Aborted = true
		return outcome, false, nil
	}

	return outcome, true, nil
}

// CommitImage writes ENTRYPOINT/ARGS into the last stage's directory (if
// present) and forks stage_commit.sh.
func CommitImage(ctx context.Context, p Paths, m *Manifest, tag string, lastStage int, conn net.Conn) error {
	lastDir := filepath.Join(p.buildRoot(tag), fmt.Sprintf("%d", lastStage))
	if m.EntryPoint != "" {
		if err := os.WriteFile(filepath.Join(lastDir, "ENTRYPOINT"), []byte(m.EntryPoint+"\n"), 0o644); err != nil {
			return fmt.Errorf("build: write ENTRYPOINT: %w", err)
		}
	}
	if len(m.EntryPointArgs) > 0 {
		var args string
		for i, a := range m.EntryPointArgs {
			if i > 0 {
				args += " "
			}
			args += a
		}
		if err := os.WriteFile(filepath.Join(lastDir, "ARGS"), []byte(args+"\n"), 0o644); err != nil {
			return fmt.Errorf("build: write ARGS: %w", err)
		}
	}

	onOff := "OFF"
	if m.Verbose {
		onOff = "ON"
	}
	args := []string{p.buildRoot(tag), fmt.Sprintf("%d", lastStage), p.DataDir, m.ImageName, fmt.Sprintf("%d", len(m.Stages)), tag, onOff}
	res := helper.Run(ctx, p.libPath("stage_commit.sh"), args, nil, conn)
	if res.ExitCode != 0 {
		return fmt.Errorf("build: stage_commit.sh exited %d", res.ExitCode)
	}
	logf(conn, m.Verbose, "Build Stage(s) complete. Writing container image...")
	return nil
}

// Cleanup forks stage_launch_cleanup.sh for the build instance,
// releasing ephemeral resources. Runs whether or not the pipeline
// succeeded.
func Cleanup(ctx context.Context, p Paths, tag string, conn io.Writer) {
	args := []string{"build", tag}
	res := helper.Run(ctx, p.libPath("stage_launch_cleanup.sh"), args, nil, conn)
	if res.ExitCode != 0 {
		slog.WarnContext(ctx, "build.Cleanup: stage_launch_cleanup.sh failed", "tag", tag, "exit_code", res.ExitCode)
	}
}
