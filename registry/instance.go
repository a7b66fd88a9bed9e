// Package registry implements the process-wide instance and peer
// registries: the mutable collection of live container instances keyed
// by 64-hex tag, and the collection of accepted client connections, each
// guarded by its own mutex per the locking discipline of the daemon.
package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cblockd/cblockd/scrollback"
)

// Kind distinguishes a REGULAR launched instance from a BUILD instance
// running under console-attach rendezvous.
type Kind int

const (
	KindRegular Kind = iota
	KindBuild
)

// State bits, ORed together.
type State uint32

const (
	StateConnected State = 1 << iota
	StateDead
)

var (
	// ErrNotFound is returned by Lookup when no instance matches.
	ErrNotFound = errors.New("registry: instance not found")
	// ErrAlreadyAttached is returned by Attach when the target instance
	// already has a peer connected.
	ErrAlreadyAttached = errors.New("registry: already attached")
	// ErrDuplicateTag signals a tag collision on Insert, which should be
	// practically unreachable given 256 bits of randomness.
	ErrDuplicateTag = errors.New("registry: duplicate tag")
)

// Instance represents one live container. Fields that cross goroutine
// boundaries are read and mutated only while the owning
// InstanceRegistry's lock is held; there is no per-instance mutex.
// Scrollback is the exception: it carries its own lock, so the pump can
// append to it while a console attach snapshots it without either
// holding the registry lock.
type Instance struct {
	Tag       string
	Name      string // friendly display name, never used for addressing
	ImageName string
	ImageTag  string
	Kind      Kind

	Pid     int
	PTYFd   *os.File
	PTYName string

	Scrollback *scrollback.Buffer

	state  State
	PeerFd net.Conn

	LaunchTime time.Time

	PidFileFd *os.File

	// SyncCh is the BUILD-kind rendezvous: the build pipeline blocks
	// reading from this channel until a console attaches. Closed at
	// most once, on first attach.
	SyncCh chan struct{}
}

// NewTag mints a fresh 64-hex instance tag: 32 random bytes through
// SHA-256, hex-encoded. The full 64-hex form is the canonical identity;
// ShortTag derives the display form.
func NewTag() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw[:])
	return hex.EncodeToString(sum[:]), nil
}

// ShortTag returns the first 10 characters of tag, the short-id form
// used for display and for user-supplied lookups.
func ShortTag(tag string) string {
	if len(tag) <= 10 {
		return tag
	}
	return tag[:10]
}

// InstanceRegistry is the process-wide collection of live instances,
// guarded by a single mutex. All instance field reads/writes that cross
// goroutine boundaries (state, PeerFd) go through this type's methods so
// that they're always taken under the same lock.
type InstanceRegistry struct {
	mu    sync.Mutex
	byTag map[string]*Instance
}

// NewInstanceRegistry returns an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{byTag: make(map[string]*Instance)}
}

// Insert adds in to the registry under lock.
func (r *InstanceRegistry) Insert(in *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTag[in.Tag]; exists {
		return ErrDuplicateTag
	}
	r.byTag[in.Tag] = in
	return nil
}

// Remove deletes the instance with the given full tag.
func (r *InstanceRegistry) Remove(tag string) {
	r.mu.Lock()
	delete(r.byTag, tag)
	r.mu.Unlock()
}

// lookupLocked resolves a user-supplied identifier to an instance,
// assuming r.mu is already held. If id is exactly 10 characters, it
// matches by 10-character prefix of the stored tag; otherwise it
// matches by full-string equality. Short-id lookups have no collision
// guard: on ambiguity, the first match encountered during map iteration
// wins.
func (r *InstanceRegistry) lookupLocked(id string) (*Instance, error) {
	if len(id) == 10 {
		for tag, in := range r.byTag {
			if tag[:10] == id {
				return in, nil
			}
		}
		return nil, ErrNotFound
	}
	in, ok := r.byTag[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in, nil
}

// Lookup resolves a user-supplied identifier per the rule documented on
// lookupLocked.
func (r *InstanceRegistry) Lookup(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

// Attach looks up id, sets StateConnected and records peer, all under a
// single lock acquisition so the CONNECTED/peer_fd invariant never
// observes a partial update. Returns ErrNotFound or ErrAlreadyAttached.
func (r *InstanceRegistry) Attach(id string, peer net.Conn) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if in.state&StateConnected != 0 {
		return nil, ErrAlreadyAttached
	}
	in.state |= StateConnected
	in.PeerFd = peer
	return in, nil
}

// Detach clears StateConnected and PeerFd on in.
func (r *InstanceRegistry) Detach(in *Instance) {
	r.mu.Lock()
	in.state &^= StateConnected
	in.PeerFd = nil
	r.mu.Unlock()
}

// DetachForRemoval clears StateConnected/PeerFd and returns whatever peer
// was attached (nil if none), in one lock acquisition. Used by instance
// teardown so the CONSOLE_SESSION_DONE write (if any) happens with the
// lock already released.
func (r *InstanceRegistry) DetachForRemoval(in *Instance) net.Conn {
	r.mu.Lock()
	peer := in.PeerFd
	wasConnected := in.state&StateConnected != 0
	in.state &^= StateConnected
	in.PeerFd = nil
	r.mu.Unlock()
	if !wasConnected {
		return nil
	}
	return peer
}

// MarkDead sets StateDead on in.
func (r *InstanceRegistry) MarkDead(in *Instance) {
	r.mu.Lock()
	in.state |= StateDead
	r.mu.Unlock()
}

// IsDead reports whether StateDead is set on in.
func (r *InstanceRegistry) IsDead(in *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return in.state&StateDead != 0
}

// ConnectedPeer reports whether StateConnected is set on in, returning the
// current peer alongside it so pump writes can snapshot both under one
// lock acquisition.
func (r *InstanceRegistry) ConnectedPeer(in *Instance) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.state&StateConnected == 0 {
		return nil, false
	}
	return in.PeerFd, true
}

// FindPendingBuild returns a registered BUILD-kind instance that has not
// yet started running (Pid still zero) matching imageName/imageTag, or
// nil if none exists. Used so a LAUNCH_BUILD pre-registration can be
// picked back up by a later SEND_BUILD_CTX on the same image/tag pair.
func (r *InstanceRegistry) FindPendingBuild(imageName, imageTag string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.byTag {
		if in.Kind == KindBuild && in.Pid == 0 && in.ImageName == imageName && in.ImageTag == imageTag {
			return in
		}
	}
	return nil
}

// Snapshot returns a copy of the currently registered instances, safe to
// range over without holding the registry lock.
func (r *InstanceRegistry) Snapshot() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.byTag))
	for _, in := range r.byTag {
		out = append(out, in)
	}
	return out
}

// Len returns the number of registered instances.
func (r *InstanceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTag)
}
