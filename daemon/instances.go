package daemon

import (
	"context"
	"net"

	"github.com/cblockd/cblockd/ipc"
)

// handleGetInstances writes a fixed-size InstancesHeader followed by up
// to ipc.MaxInstancesReported InstanceRecord rows.
func (d *Daemon) handleGetInstances(ctx context.Context, conn net.Conn) error {
	snap := d.instances.Snapshot()
	if len(snap) > ipc.MaxInstancesReported {
		snap = snap[:ipc.MaxInstancesReported]
	}

	if err := ipc.WriteHeader(conn, &ipc.InstancesHeader{Count: uint32(len(snap))}); err != nil {
		return err
	}
	for _, in := range snap {
		var rec ipc.InstanceRecord
		ipc.PutFixedString(rec.Tag[:], in.Tag)
		ipc.PutFixedString(rec.ImageName[:], in.ImageName)
		rec.Pid = int32(in.Pid)
		ipc.PutFixedString(rec.PTYName[:], in.PTYName)
		rec.LaunchTime = in.LaunchTime.Unix()
		if err := ipc.WriteHeader(conn, &rec); err != nil {
			return err
		}
	}
	return nil
}
