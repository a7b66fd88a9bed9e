package daemon

import (
	"context"
	"io"

	"github.com/cblockd/cblockd/internal/helper"
)

// runCleanupHelper forks stage_launch_cleanup.sh for a torn-down
// instance, discarding its output: teardown cleanup isn't streamed to
// any client, unlike a live build's cleanup call in build.Cleanup.
func (d *Daemon) runCleanupHelper(ctx context.Context, tag, kind string) helper.Result {
	args := []string{d.cfg.DataDir, tag, kind}
	return helper.Run(ctx, d.cfg.LibPath("stage_launch_cleanup.sh"), args, nil, io.Discard)
}
