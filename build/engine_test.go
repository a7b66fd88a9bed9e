package build

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// gzipFixture returns payload gzip-compressed, for tests exercising
// ReceiveContext's post-copy gzip validation.
func gzipFixture(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeLibScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestReceiveContextCreatesArchiveAndRoot(t *testing.T) {
	dir := t.TempDir()
	p := Paths{DataDir: dir}
	tag := "ctx0000000000000000000000000000000000000000000000000000000000"
	data := gzipFixture(t, bytes.Repeat([]byte("a"), 100))

	if err := ReceiveContext(p, tag, int64(len(data)), bytes.NewReader(data)); err != nil {
		t.Fatalf("ReceiveContext: %v", err)
	}

	got, err := os.ReadFile(p.archivePath(tag))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("archive contents mismatch: got %d bytes, want %d", len(got), len(data))
	}
	if fi, err := os.Stat(p.buildRoot(tag)); err != nil || !fi.IsDir() {
		t.Errorf("build root not created: %v", err)
	}
}

func TestReceiveContextRejectsExistingArchive(t *testing.T) {
	dir := t.TempDir()
	p := Paths{DataDir: dir}
	tag := "dup0000000000000000000000000000000000000000000000000000000000"
	data := gzipFixture(t, []byte("a"))
	if err := ReceiveContext(p, tag, int64(len(data)), bytes.NewReader(data)); err != nil {
		t.Fatalf("first ReceiveContext: %v", err)
	}
	if err := ReceiveContext(p, tag, int64(len(data)), bytes.NewReader(data)); err == nil {
		t.Error("second ReceiveContext on same tag should fail (O_EXCL)")
	}
}

func TestRunStagesHappyPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stage helpers are POSIX /bin/sh scripts")
	}
	dir := t.TempDir()
	p := Paths{DataDir: dir}
	writeLibScript(t, p.libPath(""), "stage_init.sh", "echo init-ok")
	writeLibScript(t, p.libPath(""), "stage_build.sh", "echo build-ok")
	writeLibScript(t, p.libPath(""), "stage_commit.sh", "echo commit-ok")
	writeLibScript(t, p.libPath(""), "stage_launch_cleanup.sh", "echo cleanup-ok")

	tag := "happy000000000000000000000000000000000000000000000000000000000"
	if err := os.MkdirAll(p.buildRoot(tag), 0o755); err != nil {
		t.Fatal(err)
	}

	m := &Manifest{
		ImageName: "alpine",
		Stages: []Stage{
			{Index: 0, BaseContainer: "base", IsLast: false},
			{Index: 1, BaseContainer: "stage0", IsLast: true},
		},
		Steps: []Step{
			{StageIndex: 0, StepString: "RUN echo hi", Op: OpRun, Cmd: "echo hi > /marker"},
			{StageIndex: 1, StepString: "COPY_FROM 0 /marker", Op: OpCopyFrom, FromStage: 0, Source: "marker", Dest: "/marker"},
		},
	}

	server, client := net.Pipe()
	defer client.Close()
	var clientOut bytes.Buffer
	done := make(chan struct{})
	go func() {
		drainConn(&clientOut, client)
		close(done)
	}()

	outcomes, ok, err := RunStages(context.Background(), p, m, tag, server)
	server.Close()
	<-done

	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	if !ok {
		t.Fatalf("RunStages reported failure, outcomes=%v, log=%s", outcomes, clientOut.String())
	}
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.InitRC != 0 || o.BuildRC != 0 || o.Aborted {
			t.Errorf("stage %d outcome = %+v, want all zero/false", o.Index, o)
		}
	}
	for _, want := range []string{"init-ok", "build-ok"} {
		if !bytes.Contains(clientOut.Bytes(), []byte(want)) {
			t.Errorf("client stream missing %q, got:\n%s", want, clientOut.String())
		}
	}
}

func TestRunStagesAbortsOnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stage helpers are POSIX /bin/sh scripts")
	}
	dir := t.TempDir()
	p := Paths{DataDir: dir}
	writeLibScript(t, p.libPath(""), "stage_init.sh", "echo init-ok")
	writeLibScript(t, p.libPath(""), "stage_build.sh", "echo build-fail; exit 1")

	tag := "fail0000000000000000000000000000000000000000000000000000000000"
	if err := os.MkdirAll(p.buildRoot(tag), 0o755); err != nil {
		t.Fatal(err)
	}

	m := &Manifest{
		Stages: []Stage{
			{Index: 0, BaseContainer: "base"},
			{Index: 1, BaseContainer: "stage0", IsLast: true},
		},
	}

	server, client := net.Pipe()
	var clientOut bytes.Buffer
	done := make(chan struct{})
	go func() {
		drainConn(&clientOut, client)
		close(done)
	}()

	outcomes, ok, err := RunStages(context.Background(), p, m, tag, server)
	server.Close()
	<-done

	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	if ok {
		t.Fatal("RunStages should report failure when stage_build.sh exits non-zero")
	}
	if len(outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1 (stage 1 should not have run)", len(outcomes))
	}
	if !outcomes[0].Aborted && outcomes[0].BuildRC == 0 {
		t.Errorf("stage 0 outcome = %+v, expected a recorded failure", outcomes[0])
	}
}

// drainConn drains r into w ignoring errors from peer close, used only to
// observe streamed build-log output in tests.
func drainConn(w *bytes.Buffer, r net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
