package build

import (
	"fmt"
	"strings"
)

// EmitShellScript synthesizes the per-stage shell script run by
// stage_init.sh/stage_build.sh. The stage_tmp_dir and stages variables
// it references are defined by the sourced /prison_build_variables.sh.
func EmitShellScript(stageIndex int, steps []Step, verbose bool) string {
	var b strings.Builder
	fmt.Fprintln(&b, "#!/bin/sh")
	fmt.Fprintln(&b, ". /prison_build_variables.sh")
	fmt.Fprintln(&b, "set -e")
	if verbose {
		fmt.Fprintln(&b, "set -x")
	}
	n := len(steps)
	for k, step := range steps {
		fmt.Fprintf(&b, "echo \"-- Step %d/%d : %s\"\n", k+1, n, step.StepString)
		emitStep(&b, step)
	}
	return b.String()
}

func emitStep(b *strings.Builder, step Step) {
	switch step.Op {
	case OpEnv:
		fmt.Fprintf(b, "export %s=\"%s\"\n", step.Key, step.Value)
	case OpRootPivot:
		fmt.Fprintf(b, "ln -s %s /cellblock-root-ptr\n", step.Dir)
	case OpAdd:
		switch step.AddKind {
		case AddFile:
			fmt.Fprintf(b, "cp -pr \"${stage_tmp_dir}/%s\" %s\n", step.Source, step.Dest)
		case AddArchive:
			fmt.Fprintf(b, "tar -C %s -zxf \"${stage_tmp_dir}/%s\"\n", step.Dest, step.Source)
		case AddURL:
			fmt.Fprintf(b, "fetch -o %s %s\n", step.Dest, step.Source)
		}
	case OpCopy:
		fmt.Fprintf(b, "cp -pr \"${stage_tmp_dir}/%s\" %s\n", step.Source, step.Dest)
	case OpRun:
		fmt.Fprintf(b, "%s\n", step.Cmd)
	case OpCopyFrom:
		fmt.Fprintf(b, "cp -pr \"${stages}/%d/%s\" %s\n", step.FromStage, step.Source, step.Dest)
	case OpWorkdir:
		fmt.Fprintf(b, "cd %s\n", step.Dir)
	}
}
