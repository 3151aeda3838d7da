package anchor

import (
	"errors"
	"fmt"
	"strings"
)

// RegionShift converts block coordinates to region (chunk) coordinates.
// Regions are 16x16 blocks.
const RegionShift = 4

var (
	ErrNotFound      = errors.New("anchor not found")
	ErrAlreadyExists = errors.New("anchor already exists")
	ErrLimitReached  = errors.New("enabled anchor limit reached")
	ErrInvalidPolicy = errors.New("invalid policy")
	ErrInvalidName   = errors.New("invalid anchor name")
	ErrPersistence   = errors.New("persist anchors")
)

type Policy string

const (
	PolicyDefault      Policy = "DEFAULT"
	PolicyAlways       Policy = "ALWAYS"
	PolicyPlayerOnline Policy = "PLAYER_ONLINE"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyDefault, PolicyAlways, PolicyPlayerOnline:
		return true
	}
	return false
}

// ParsePolicy accepts policy names case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
	return p, nil
}

// Resolve returns p with DEFAULT replaced by def. A def of DEFAULT (or an
// invalid def) resolves to PLAYER_ONLINE.
func (p Policy) Resolve(def Policy) Policy {
	if def == PolicyDefault || !def.Valid() {
		def = PolicyPlayerOnline
	}
	if p == PolicyDefault || p == "" {
		return def
	}
	return p
}

type Anchor struct {
	World   string `json:"world"`
	X       int    `json:"x"`
	Z       int    `json:"z"`
	Policy  Policy `json:"policy"`
	Enabled bool   `json:"enabled"`
}

func (a Anchor) ChunkX() int { return a.X >> RegionShift }
func (a Anchor) ChunkZ() int { return a.Z >> RegionShift }

// Key identifies an anchor across owners.
type Key struct {
	Owner string
	Name  string
}

func (k Key) String() string { return k.Owner + "/" + k.Name }

// Snapshot is the full persisted anchor set: owner -> name -> anchor.
type Snapshot map[string]map[string]Anchor

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for owner, anchors := range s {
		m := make(map[string]Anchor, len(anchors))
		for name, a := range anchors {
			m[name] = a
		}
		out[owner] = m
	}
	return out
}

func (s Snapshot) Len() int {
	n := 0
	for _, anchors := range s {
		n += len(anchors)
	}
	return n
}

// Persister stores whole snapshots. Save replaces everything previously saved.
type Persister interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}
