// Package helper invokes the external shell-script helpers the daemon
// delegates filesystem-mutating work to (stage_init.sh, stage_build.sh,
// stage_commit.sh, stage_launch.sh, stage_launch_cleanup.sh), streaming
// their stdout/stderr directly to a client connection where required.
package helper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Result carries the outcome of a helper invocation.
type Result struct {
	ExitCode int
	Err      error
}

// Run executes path with args and env, duping stdout and stderr to out
// (typically the client's net.Conn for live streaming). It does not
// allocate a PTY; most helper scripts (stage_init.sh, stage_build.sh,
// stage_commit.sh, stage_launch_cleanup.sh) only need their output
// captured, not an interactive terminal.
func Run(ctx context.Context, path string, args []string, env []string, out io.Writer) Result {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	// Setpgid isolates the helper's process group so a killed or timed
	// out helper doesn't take the daemon down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	slog.DebugContext(ctx, "helper.Run", "path", path, "args", args)
	err := cmd.Run()
	if err == nil {
		return Result{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode(), Err: err}
	}
	return Result{ExitCode: -1, Err: err}
}

// StartPTY executes path with args and env under a PTY whose slave
// becomes the child's controlling terminal, and returns the PTY master
// plus the running command (already started, not waited on). Used for
// stage_launch.sh, where the container's root program needs a real
// controlling terminal for the lifetime of the instance, not a one-shot
// captured output.
func StartPTY(path string, args []string, env []string) (*os.File, *exec.Cmd, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	master, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	// The pump polls every live instance's PTY master non-blockingly
	// each cycle rather than blocking a dedicated reader goroutine per
	// instance. That only works if the fd itself is non-blocking; a
	// blocking read on an idle instance would otherwise stall the single
	// pump goroutine and starve every other live instance.
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		cmd.Process.Kill()
		return nil, nil, err
	}
	return master, cmd, nil
}
