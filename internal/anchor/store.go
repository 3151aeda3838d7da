package anchor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Store is the authoritative in-memory anchor set. Operations on one owner
// are serialized by that owner's lock; different owners proceed in parallel.
// Every mutation rewrites the whole snapshot through the Persister.
type Store struct {
	limit   int
	persist Persister
	log     zerolog.Logger

	mu     sync.RWMutex
	owners map[string]*ownerSet

	saveMu  sync.Mutex
	lastErr error
}

type ownerSet struct {
	mu      sync.Mutex
	anchors map[string]Anchor
	// dropped is set once the set was removed from Store.owners. Holders of
	// a stale pointer must look the owner up again.
	dropped bool
}

// Open builds a store with the given enabled-anchor limit and loads the
// existing snapshot from p. A nil p keeps anchors in memory only.
func Open(limit int, p Persister, log zerolog.Logger) (*Store, error) {
	if limit < 0 {
		limit = 0
	}
	s := &Store{
		limit:   limit,
		persist: p,
		log:     log,
		owners:  map[string]*ownerSet{},
	}
	if p == nil {
		return s, nil
	}
	snap, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("load anchors: %w", err)
	}
	for owner, anchors := range snap {
		if len(anchors) == 0 {
			continue
		}
		set := &ownerSet{anchors: make(map[string]Anchor, len(anchors))}
		enabled := 0
		for name, a := range anchors {
			if !a.Policy.Valid() {
				log.Warn().Str("owner", owner).Str("anchor", name).Str("policy", string(a.Policy)).Msg("unknown policy in snapshot, using DEFAULT")
				a.Policy = PolicyDefault
			}
			if a.Enabled {
				enabled++
			}
			set.anchors[name] = a
		}
		if enabled > limit {
			log.Warn().Str("owner", owner).Int("enabled", enabled).Int("limit", limit).Msg("owner exceeds enabled anchor limit; new enables are refused until below limit")
		}
		s.owners[owner] = set
	}
	log.Info().Int("anchors", snap.Len()).Int("owners", len(s.owners)).Msg("loaded anchors")
	return s, nil
}

func (s *Store) Limit() int { return s.limit }

// LastSaveError reports the error of the most recent snapshot write, or nil.
func (s *Store) LastSaveError() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.lastErr
}

// lockOwner returns the owner's set locked. With create=false it returns nil
// when the owner has no anchors.
func (s *Store) lockOwner(owner string, create bool) *ownerSet {
	for {
		s.mu.RLock()
		set := s.owners[owner]
		s.mu.RUnlock()

		if set == nil {
			if !create {
				return nil
			}
			s.mu.Lock()
			set = s.owners[owner]
			if set == nil {
				set = &ownerSet{anchors: map[string]Anchor{}}
				s.owners[owner] = set
			}
			s.mu.Unlock()
		}

		set.mu.Lock()
		if !set.dropped {
			return set
		}
		set.mu.Unlock()
	}
}

// dropIfEmptyLocked removes an empty owner entry. Caller holds set.mu.
func (s *Store) dropIfEmptyLocked(owner string, set *ownerSet) {
	if len(set.anchors) != 0 {
		return
	}
	s.mu.Lock()
	if s.owners[owner] == set {
		delete(s.owners, owner)
	}
	s.mu.Unlock()
	set.dropped = true
}

func enabledCount(anchors map[string]Anchor) int {
	n := 0
	for _, a := range anchors {
		if a.Enabled {
			n++
		}
	}
	return n
}

func validName(name string) bool {
	return name != "" && strings.TrimSpace(name) == name && !strings.ContainsAny(name, " \t\r\n")
}

// Add creates an enabled anchor with policy DEFAULT.
func (s *Store) Add(owner, name, world string, x, z int) (Anchor, error) {
	if owner == "" || !validName(name) {
		return Anchor{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	set := s.lockOwner(owner, true)
	if enabledCount(set.anchors) >= s.limit {
		s.dropIfEmptyLocked(owner, set)
		set.mu.Unlock()
		return Anchor{}, ErrLimitReached
	}
	if _, ok := set.anchors[name]; ok {
		set.mu.Unlock()
		return Anchor{}, ErrAlreadyExists
	}
	a := Anchor{World: world, X: x, Z: z, Policy: PolicyDefault, Enabled: true}
	set.anchors[name] = a
	set.mu.Unlock()

	s.save()
	return a, nil
}

// Remove deletes the anchor and returns it. The owner entry is dropped when
// its last anchor goes.
func (s *Store) Remove(owner, name string) (Anchor, error) {
	set := s.lockOwner(owner, false)
	if set == nil {
		return Anchor{}, ErrNotFound
	}
	a, ok := set.anchors[name]
	if !ok {
		set.mu.Unlock()
		return Anchor{}, ErrNotFound
	}
	delete(set.anchors, name)
	s.dropIfEmptyLocked(owner, set)
	set.mu.Unlock()

	s.save()
	return a, nil
}

func (s *Store) Get(owner, name string) (Anchor, bool) {
	set := s.lockOwner(owner, false)
	if set == nil {
		return Anchor{}, false
	}
	defer set.mu.Unlock()
	a, ok := set.anchors[name]
	return a, ok
}

func (s *Store) SetPolicy(owner, name string, p Policy) (Anchor, error) {
	if !p.Valid() {
		return Anchor{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, p)
	}
	set := s.lockOwner(owner, false)
	if set == nil {
		return Anchor{}, ErrNotFound
	}
	a, ok := set.anchors[name]
	if !ok {
		set.mu.Unlock()
		return Anchor{}, ErrNotFound
	}
	a.Policy = p
	set.anchors[name] = a
	set.mu.Unlock()

	s.save()
	return a, nil
}

// SetEnabled switches the enabled flag. changed is false when the anchor was
// already in the requested state; nothing is persisted then.
func (s *Store) SetEnabled(owner, name string, want bool) (a Anchor, changed bool, err error) {
	set := s.lockOwner(owner, false)
	if set == nil {
		return Anchor{}, false, ErrNotFound
	}
	a, ok := set.anchors[name]
	if !ok {
		set.mu.Unlock()
		return Anchor{}, false, ErrNotFound
	}
	if a.Enabled == want {
		set.mu.Unlock()
		return a, false, nil
	}
	if want && enabledCount(set.anchors) >= s.limit {
		set.mu.Unlock()
		return a, false, ErrLimitReached
	}
	a.Enabled = want
	set.anchors[name] = a
	set.mu.Unlock()

	s.save()
	return a, true, nil
}

func (s *Store) EnabledCount(owner string) int {
	set := s.lockOwner(owner, false)
	if set == nil {
		return 0
	}
	defer set.mu.Unlock()
	return enabledCount(set.anchors)
}

func (s *Store) Count(owner string) int {
	set := s.lockOwner(owner, false)
	if set == nil {
		return 0
	}
	defer set.mu.Unlock()
	return len(set.anchors)
}

// NamesOf returns the owner's anchor names, sorted.
func (s *Store) NamesOf(owner string) []string {
	set := s.lockOwner(owner, false)
	if set == nil {
		return nil
	}
	names := make([]string, 0, len(set.anchors))
	for name := range set.anchors {
		names = append(names, name)
	}
	set.mu.Unlock()
	sort.Strings(names)
	return names
}

// ListOwner returns a copy of one owner's anchors.
func (s *Store) ListOwner(owner string) map[string]Anchor {
	set := s.lockOwner(owner, false)
	if set == nil {
		return map[string]Anchor{}
	}
	defer set.mu.Unlock()
	out := make(map[string]Anchor, len(set.anchors))
	for name, a := range set.anchors {
		out[name] = a
	}
	return out
}

// ListAll returns a deep copy of every owner's anchors.
func (s *Store) ListAll() Snapshot {
	s.mu.RLock()
	sets := make(map[string]*ownerSet, len(s.owners))
	for owner, set := range s.owners {
		sets[owner] = set
	}
	s.mu.RUnlock()

	out := make(Snapshot, len(sets))
	for owner, set := range sets {
		set.mu.Lock()
		if !set.dropped && len(set.anchors) > 0 {
			m := make(map[string]Anchor, len(set.anchors))
			for name, a := range set.anchors {
				m[name] = a
			}
			out[owner] = m
		}
		set.mu.Unlock()
	}
	return out
}

// save writes a fresh copy of the whole set. Copies are taken inside saveMu,
// so a later write never carries older state than an earlier one.
func (s *Store) save() {
	if s.persist == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := s.ListAll()
	if err := s.persist.Save(snap); err != nil {
		s.lastErr = errors.Join(ErrPersistence, err)
		s.log.Error().Err(err).Int("anchors", snap.Len()).Msg("failed to save anchors; in-memory state kept")
		return
	}
	s.lastErr = nil
}
