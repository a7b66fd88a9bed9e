// Package build implements the build engine: it turns a received build
// context (stage/step manifest plus a gzip-tar archive) into a sequence
// of filesystem-mutating helper invocations, streaming their output back
// to the submitting client.
package build

import "fmt"

// Op enumerates the step operations a stage script can contain.
type Op int

const (
	OpEnv Op = iota
	OpRootPivot
	OpAdd
	OpCopy
	OpRun
	OpCopyFrom
	OpWorkdir
)

// AddKind distinguishes the three ADD subops.
type AddKind int

const (
	AddFile AddKind = iota
	AddArchive
	AddURL
)

// Step is one instruction inside a stage. Only the fields relevant to
// Op are meaningful; this mirrors the flat wire record of ipc.StepRecord
// but as an idiomatic Go value used by the script emitter and engine.
type Step struct {
	StageIndex int
	StepString string // display text echoed before the step runs
	Op         Op

	// ENV
	Key, Value string
	// ADD
	AddKind      AddKind
	Source, Dest string
	// RUN
	Cmd string
	// COPY_FROM
	FromStage int
	// WORKDIR / ROOT_PIVOT
	Dir string
}

// Stage is one image-build stage.
type Stage struct {
	Index         int
	Name          string // optional
	BaseContainer string
	IsLast        bool
}

// Manifest is the full declarative build description: stages, their
// steps, and the header fields carried alongside the context archive.
type Manifest struct {
	ImageName      string
	Tag            string
	Term           string
	Verbose        bool
	EntryPoint     string
	EntryPointArgs []string
	Stages         []Stage
	Steps          []Step
	ContextSize    int64
}

// Validate enforces the stage/step count bounds. Callers check these
// against the wire header before allocating stage or step storage.
func (m *Manifest) Validate(maxStages, maxSteps int) error {
	if len(m.Stages) > maxStages || len(m.Steps) > maxSteps {
		return fmt.Errorf("too many build stages/steps")
	}
	return nil
}

// StepsForStage returns the steps belonging to stage index idx, in
// manifest order.
func (m *Manifest) StepsForStage(idx int) []Step {
	var out []Step
	for _, s := range m.Steps {
		if s.StageIndex == idx {
			out = append(out, s)
		}
	}
	return out
}

// StageDeps returns the space-separated set of upstream stage indices
// referenced by COPY_FROM steps within the given stage's steps.
func StageDeps(steps []Step) string {
	seen := map[int]bool{}
	var order []int
	for _, s := range steps {
		if s.Op == OpCopyFrom && !seen[s.FromStage] {
			seen[s.FromStage] = true
			order = append(order, s.FromStage)
		}
	}
	out := ""
	for i, idx := range order {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%d", idx)
	}
	return out
}
