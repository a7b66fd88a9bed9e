package helper

import (
	"bytes"
	"context"
	"runtime"
	"testing"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts target a POSIX /bin/sh host")
	}
	var out bytes.Buffer
	res := Run(context.Background(), "/bin/sh", []string{"-c", "echo hello; exit 0"}, nil, &out)
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if got := out.String(); got != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts target a POSIX /bin/sh host")
	}
	var out bytes.Buffer
	res := Run(context.Background(), "/bin/sh", []string{"-c", "exit 7"}, nil, &out)
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
	if res.Err == nil {
		t.Error("expected non-nil Err on non-zero exit")
	}
}
