package daemon

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/cblockd/cblockd/argvec"
	"github.com/cblockd/cblockd/internal/helper"
)

// Virtual network configuration itself (NAT/bridge setup) lives in the
// lib/ helper scripts; these handlers only validate the argvec flags and
// forward to the correspondingly named script, streaming its output
// back.

func flagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func (d *Daemon) handleNetworkList(ctx context.Context, conn net.Conn, args []string) error {
	runNetworkHelper(ctx, conn, d.cfg.LibPath("network_list.sh"), nil)
	return nil
}

// handleNetworkCreate requires -t (type), -n (name) and -i (interface);
// a "nat" type additionally requires -m (netmask). Only these short flag
// spellings are recognized in the argvec.
func (d *Daemon) handleNetworkCreate(ctx context.Context, conn net.Conn, args []string) error {
	typ, okType := flagValue(args, "-t")
	name, okName := flagValue(args, "-n")
	netif, okNetif := flagValue(args, "-i")
	netmask, _ := flagValue(args, "-m")

	switch {
	case !okType:
		fmt.Fprintln(conn, "error: --type must be specified for create operation")
		return nil
	case !okName:
		fmt.Fprintln(conn, "error: --name must be specified for create operation")
		return nil
	case !okNetif:
		fmt.Fprintln(conn, "error: --interface must be specified for create operation")
		return nil
	case typ == "nat" && netmask == "":
		fmt.Fprintln(conn, "error: nat networks must have network address specified")
		return nil
	}

	helperArgs := []string{"-t", typ, "-n", name, "-i", netif}
	if netmask != "" {
		helperArgs = append(helperArgs, "-m", netmask)
	}
	runNetworkHelper(ctx, conn, d.cfg.LibPath("network_create.sh"), helperArgs)
	return nil
}

func (d *Daemon) handleNetworkDestroy(ctx context.Context, conn net.Conn, args []string) error {
	name, ok := flagValue(args, "-n")
	if !ok {
		fmt.Fprintln(conn, "error: --name must be specified for destroy operation")
		return nil
	}
	runNetworkHelper(ctx, conn, d.cfg.LibPath("network_destroy.sh"), []string{"-n", name})
	return nil
}

func runNetworkHelper(ctx context.Context, w io.Writer, path string, args []string) {
	res := helper.Run(ctx, path, args, nil, w)
	if res.Err != nil {
		fmt.Fprintf(w, "error: %v\n", res.Err)
	}
}

// argvecArgs unmarshals a GENERIC_COMMAND payload into its flag/value
// string slice, dropping argvec's trailing sentinel element.
func argvecArgs(payload []byte) ([]string, error) {
	v, err := argvec.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	v.Finalize()
	data, err := v.Data()
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		data = data[:len(data)-1]
	}
	return data, nil
}
