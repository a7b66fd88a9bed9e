package daemon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cblockd/cblockd/auditlog"
	"github.com/cblockd/cblockd/build"
	"github.com/cblockd/cblockd/ipc"
	"github.com/cblockd/cblockd/registry"
	"github.com/cblockd/cblockd/scrollback"
)

// buildSlotGrace bounds how long SEND_BUILD_CTX waits for a free build
// slot before rejecting with "build queue full".
const buildSlotGrace = 2 * time.Second

// handleLaunchBuild pre-registers a BUILD-kind instance for an image
// that hasn't had its context uploaded yet. It hands back a tag a client
// can CONSOLE_CONNECT to immediately, ahead of the SEND_BUILD_CTX call
// that actually drives the build -- the commit-phase rendezvous depends
// on the console attaching first, which only works if the tag exists
// before then.
func (d *Daemon) handleLaunchBuild(ctx context.Context, conn net.Conn) error {
	var hdr ipc.BuildContextHeader
	if err := ipc.ReadHeader(conn, &hdr); err != nil {
		return err
	}
	imageName := ipc.FixedString(hdr.ImageName[:])
	imageTag := ipc.FixedString(hdr.Tag[:])

	tag, err := registry.NewTag()
	if err != nil {
		return ipc.WriteResponse(conn, -1, fmt.Sprintf("failed to mint instance tag: %v", err))
	}

	in := &registry.Instance{
		Tag:        tag,
		Name:       d.namer.Generate(),
		ImageName:  imageName,
		ImageTag:   imageTag,
		Kind:       registry.KindBuild,
		Scrollback: scrollback.New(d.cfg.ScrollbackCapBytes),
		LaunchTime: time.Now(),
		SyncCh:     make(chan struct{}),
	}
	if err := d.instances.Insert(in); err != nil {
		return ipc.WriteResponse(conn, -1, err.Error())
	}

	d.recordAudit(auditlog.KindLaunch, tag, fmt.Sprintf("build-pending image=%s:%s", imageName, imageTag))
	return ipc.WriteResponse(conn, 0, tag)
}

// handleSendBuildCtx runs the two-phase build protocol. Phase 1
// bounds-checks and reads the stage/step manifest and streams the
// context archive to disk; phase 2 drives stage_init.sh/stage_build.sh
// for each stage on the same socket, gates on any pending BUILD
// instance's console-sync channel, then commits.
func (d *Daemon) handleSendBuildCtx(ctx context.Context, conn net.Conn) error {
	var hdr ipc.BuildContextHeader
	if err := ipc.ReadHeader(conn, &hdr); err != nil {
		return err
	}

	if hdr.NStages > ipc.MaxBuildStages || hdr.NSteps > ipc.MaxBuildSteps {
		return ipc.WriteResponse(conn, -1, "too many build stages/steps")
	}

	stages := make([]build.Stage, 0, hdr.NStages)
	for i := uint32(0); i < hdr.NStages; i++ {
		var rec ipc.StageRecord
		if err := ipc.ReadHeader(conn, &rec); err != nil {
			return err
		}
		stages = append(stages, stageFromRecord(rec))
	}

	steps := make([]build.Step, 0, hdr.NSteps)
	for i := uint32(0); i < hdr.NSteps; i++ {
		var rec ipc.StepRecord
		if err := ipc.ReadHeader(conn, &rec); err != nil {
			return err
		}
		steps = append(steps, stepFromRecord(rec))
	}

	imageName := ipc.FixedString(hdr.ImageName[:])
	imageTag := ipc.FixedString(hdr.Tag[:])

	// Claim a build slot before touching the registry or disk, so a
	// saturated daemon rejects here and the client never sees a
	// success response for a build that will not run.
	tok, err := d.slots.AcquireWithin(ctx, buildSlotGrace)
	if err != nil {
		return ipc.WriteResponse(conn, -1, "build queue full")
	}
	defer d.slots.Release(tok)

	manifest := &build.Manifest{
		ImageName:      imageName,
		Tag:            imageTag,
		Term:           ipc.FixedString(hdr.Term[:]),
		Verbose:        hdr.Verbose > 0,
		EntryPoint:     ipc.FixedString(hdr.EntryPoint[:]),
		EntryPointArgs: splitNonEmpty(ipc.FixedString(hdr.EntryPointArgs[:])),
		Stages:         stages,
		Steps:          steps,
		ContextSize:    int64(hdr.ContextSize),
	}

	in := d.instances.FindPendingBuild(imageName, imageTag)
	if in == nil {
		tag, err := registry.NewTag()
		if err != nil {
			return ipc.WriteResponse(conn, -1, fmt.Sprintf("failed to mint instance tag: %v", err))
		}
		in = &registry.Instance{
			Tag:        tag,
			Name:       d.namer.Generate(),
			ImageName:  imageName,
			ImageTag:   imageTag,
			Kind:       registry.KindBuild,
			Scrollback: scrollback.New(d.cfg.ScrollbackCapBytes),
			LaunchTime: time.Now(),
		}
		if err := d.instances.Insert(in); err != nil {
			return ipc.WriteResponse(conn, -1, err.Error())
		}
	}

	if err := build.ReceiveContext(d.paths, in.Tag, manifest.ContextSize, conn); err != nil {
		d.instances.MarkDead(in)
		d.instances.Remove(in.Tag)
		return ipc.WriteResponse(conn, -1, err.Error())
	}

	if err := ipc.WriteResponse(conn, 0, ""); err != nil {
		d.instances.MarkDead(in)
		d.instances.Remove(in.Tag)
		return err
	}

	d.recordAudit(auditlog.KindBuild, in.Tag, fmt.Sprintf("image=%s:%s stages=%d steps=%d", imageName, imageTag, len(stages), len(steps)))

	defer func() {
		build.Cleanup(ctx, d.paths, in.Tag, conn)
		d.instances.MarkDead(in)
		d.instances.Remove(in.Tag)
	}()

	outcomes, allOK, err := build.RunStages(ctx, d.paths, manifest, in.Tag, conn)
	if err != nil {
		return err
	}
	if !allOK {
		return fmt.Errorf("build: stage %d failed, aborting pipeline", outcomes[len(outcomes)-1].Index)
	}

	if in.SyncCh != nil {
		select {
		case <-in.SyncCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	last := 0
	if len(manifest.Stages) > 0 {
		last = manifest.Stages[len(manifest.Stages)-1].Index
	}
	return build.CommitImage(ctx, d.paths, manifest, in.Tag, last, conn)
}

func stageFromRecord(r ipc.StageRecord) build.Stage {
	return build.Stage{
		Index:         int(r.Index),
		Name:          ipc.FixedString(r.Name[:]),
		BaseContainer: ipc.FixedString(r.BaseContainer[:]),
		IsLast:        r.IsLast != 0,
	}
}

func stepFromRecord(r ipc.StepRecord) build.Step {
	s := build.Step{
		StageIndex: int(r.StageIndex),
		StepString: ipc.FixedString(r.StepString[:]),
	}
	switch r.Op {
	case ipc.StepEnv:
		s.Op = build.OpEnv
		s.Key = ipc.FixedString(r.Key[:])
		s.Value = ipc.FixedString(r.Value[:])
	case ipc.StepRootPivot:
		s.Op = build.OpRootPivot
		s.Dir = ipc.FixedString(r.Dir[:])
	case ipc.StepAdd:
		s.Op = build.OpAdd
		s.Source = ipc.FixedString(r.Source[:])
		s.Dest = ipc.FixedString(r.Dest[:])
		switch r.Sub {
		case ipc.AddFile:
			s.AddKind = build.AddFile
		case ipc.AddArchive:
			s.AddKind = build.AddArchive
		case ipc.AddURL:
			s.AddKind = build.AddURL
		}
	case ipc.StepCopy:
		s.Op = build.OpCopy
		s.Source = ipc.FixedString(r.Source[:])
		s.Dest = ipc.FixedString(r.Dest[:])
	case ipc.StepRun:
		s.Op = build.OpRun
		s.Cmd = ipc.FixedString(r.Cmd[:])
	case ipc.StepCopyFrom:
		s.Op = build.OpCopyFrom
		s.FromStage = int(r.FromStage)
		s.Source = ipc.FixedString(r.Source[:])
		s.Dest = ipc.FixedString(r.Dest[:])
	case ipc.StepWorkdir:
		s.Op = build.OpWorkdir
		s.Dir = ipc.FixedString(r.Dir[:])
	}
	return s
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
