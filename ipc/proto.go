// Package ipc implements the framed request/response protocol spoken
// over the daemon's unix domain socket: a uint32 command code, followed
// by a fixed-size header for that code, followed by an optional
// variable-length payload whose length is carried inside the header.
//
// This is a same-host protocol: integer width and byte order follow the
// host, so headers are encoded with binary.NativeEndian throughout.
package ipc

import "golang.org/x/sys/unix"

// Command codes, one per verb in the table.
const (
	GenericCommand uint32 = iota + 1
	GetInstances
	LaunchInstance
	LaunchBuild
	SendBuildCtx
	ConsoleConnect
	ConsoleResize
	ConsoleData
	ConsoleToClient
	ConsoleSessionDone
	Response
)

// Build bounds, checked before any stage/step array allocation.
const (
	MaxBuildStages = 128
	MaxBuildSteps  = 1024
)

// MaxInstancesReported bounds the GET_INSTANCES response array.
const MaxInstancesReported = 256

// GenericCommandHeader is the fixed header for GENERIC_COMMAND.
type GenericCommandHeader struct {
	CmdName    [64]byte
	Verbose    int32
	PayloadLen uint32
}

// LaunchInstanceHeader is the fixed header for LAUNCH_INSTANCE.
type LaunchInstanceHeader struct {
	Name           [64]byte
	Term           [32]byte
	Volumes        [256]byte
	Network        [64]byte
	Tag            [64]byte
	Ports          [128]byte
	EntryPointArgs [256]byte
	Verbose        int32
}

// BuildContextHeader is the fixed header shared by LAUNCH_BUILD and the
// first phase of SEND_BUILD_CTX.
type BuildContextHeader struct {
	ImageName      [64]byte
	Tag            [64]byte
	Term           [32]byte
	Verbose        int32
	EntryPoint     [256]byte
	EntryPointArgs [256]byte
	NStages        uint32
	NSteps         uint32
	ContextSize    uint64
}

// StageRecord describes one build stage.
type StageRecord struct {
	Index         uint32
	Name          [64]byte
	BaseContainer [128]byte
	IsLast        int32
}

// Step op codes.
const (
	StepEnv uint32 = iota + 1
	StepRootPivot
	StepAdd
	StepCopy
	StepRun
	StepCopyFrom
	StepWorkdir
)

// ADD subop codes.
const (
	AddFile uint32 = iota + 1
	AddArchive
	AddURL
)

// StepRecord describes one build step; unused fields for a given Op are
// zero. Flat fixed layout so every step record is the same size on the
// wire.
type StepRecord struct {
	StageIndex uint32
	Op         uint32
	StepString [256]byte
	Key        [128]byte
	Value      [256]byte
	Source     [256]byte
	Dest       [256]byte
	Sub        uint32
	FromStage  uint32
	Cmd        [1024]byte
	Dir        [256]byte
}

// ConsoleConnectHeader is the fixed header for CONSOLE_CONNECT.
type ConsoleConnectHeader struct {
	Target  [64]byte
	Termios unix.Termios
	Rows    uint16
	Cols    uint16
}

// ConsoleResizeHeader is the fixed header for an in-session CONSOLE_RESIZE.
type ConsoleResizeHeader struct {
	Rows uint16
	Cols uint16
}

// ByteCountHeader is shared by CONSOLE_DATA and CONSOLE_TO_CLIENT: a
// byte count followed by that many bytes of payload.
type ByteCountHeader struct {
	ByteCount uint32
}

// ResponseHeader is the fixed header for RESPONSE. For a successful
// LAUNCH, Errbuf is repurposed to carry the new instance tag.
type ResponseHeader struct {
	Ecode  int32
	Errbuf [1024]byte
}

// InstanceRecord is one fixed-size row of the GET_INSTANCES response.
type InstanceRecord struct {
	Tag        [64]byte
	ImageName  [64]byte
	Pid        int32
	PTYName    [32]byte
	LaunchTime int64
}

// InstancesHeader precedes the InstanceRecord array in a GET_INSTANCES
// response: how many records follow.
type InstancesHeader struct {
	Count uint32
}

// PutFixedString copies s into dst, NUL-padding or truncating to fit.
func PutFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// FixedString returns the NUL-terminated string stored in b.
func FixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
