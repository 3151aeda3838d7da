package residency

import (
	"errors"
	"time"

	"chunkanchor.ai/internal/anchor"
)

// ErrWorldUnavailable is returned by Host.AcquireRegion when the world is not
// loaded on the host.
var ErrWorldUnavailable = errors.New("world unavailable")

// Host is the ref-counted ticket primitive. Every AcquireRegion that
// succeeded must be matched by exactly one ReleaseRegion. ReleaseRegion on a
// region that holds no ticket, or in an unavailable world, is a no-op.
type Host interface {
	AcquireRegion(world string, cx, cz int) error
	ReleaseRegion(world string, cx, cz int)
}

// Source is the read side of the anchor store.
type Source interface {
	Get(owner, name string) (anchor.Anchor, bool)
	ListAll() anchor.Snapshot
}

type EventKind string

const (
	EventAcquired      EventKind = "ACQUIRED"
	EventReleased      EventKind = "RELEASED"
	EventAcquireFailed EventKind = "ACQUIRE_FAILED"
	EventPresence      EventKind = "PRESENCE"
)

// Event describes one residency transition.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    EventKind `json:"kind"`
	Owner   string    `json:"owner,omitempty"`
	Anchor  string    `json:"anchor,omitempty"`
	World   string    `json:"world,omitempty"`
	ChunkX  int       `json:"cx"`
	ChunkZ  int       `json:"cz"`
	Radius  int       `json:"radius"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
	Loaded  bool      `json:"presence_loaded"`
	Regions int       `json:"regions,omitempty"`
}

// Observer receives residency events. It is called while the key is locked
// and must not call back into the Controller.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
