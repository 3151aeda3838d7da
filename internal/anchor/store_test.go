package anchor

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type memPersister struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
	err   error
}

func (m *memPersister) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return Snapshot{}, nil
	}
	return m.snap.Clone(), nil
}

func (m *memPersister) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	m.snap = s.Clone()
	return nil
}

func newStore(t *testing.T, limit int) (*Store, *memPersister) {
	t.Helper()
	p := &memPersister{}
	s, err := Open(limit, p, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, p
}

func TestAdd_LimitScenario(t *testing.T) {
	s, p := newStore(t, 3)
	for _, name := range []string{"base", "farm", "mine"} {
		if _, err := s.Add("A", name, "world", 0, 0); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	if _, err := s.Add("A", "outpost", "world", 0, 0); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("fourth add: got %v want ErrLimitReached", err)
	}
	if got := s.Count("A"); got != 3 {
		t.Fatalf("count: got %d want 3", got)
	}
	if p.saves != 3 {
		t.Fatalf("saves: got %d want 3", p.saves)
	}
}

func TestAdd_DefaultsAndDuplicate(t *testing.T) {
	s, _ := newStore(t, 3)
	a, err := s.Add("A", "base", "world", 100, -33)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.Policy != PolicyDefault || !a.Enabled {
		t.Fatalf("new anchor: got %+v", a)
	}
	if a.ChunkX() != 6 || a.ChunkZ() != -3 {
		t.Fatalf("chunk coords: got (%d,%d) want (6,-3)", a.ChunkX(), a.ChunkZ())
	}
	if _, _, err := s.SetEnabled("A", "base", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := s.Add("A", "base", "world", 0, 0); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate of disabled anchor: got %v want ErrAlreadyExists", err)
	}
	if _, err := s.Add("A", "Base", "world", 0, 0); err != nil {
		t.Fatalf("names are case-sensitive: %v", err)
	}
	if _, err := s.Add("A", "", "world", 0, 0); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("empty name: got %v", err)
	}
}

func TestAddRemove_RoundTrip(t *testing.T) {
	s, _ := newStore(t, 3)
	if _, err := s.Add("A", "base", "world", 1, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := s.ListAll()

	if _, err := s.Add("B", "camp", "world", 5, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Remove("B", "camp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if after := s.ListAll(); !reflect.DeepEqual(before, after) {
		t.Fatalf("round trip: before %v after %v", before, after)
	}
	if _, ok := s.ListAll()["B"]; ok {
		t.Fatalf("owner entry should be dropped when empty")
	}
	if _, err := s.Remove("B", "camp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got %v want ErrNotFound", err)
	}
}

func TestSetEnabled_ParkingAndLimit(t *testing.T) {
	s, p := newStore(t, 2)
	mustAdd(t, s, "A", "a")
	mustAdd(t, s, "A", "b")
	if _, _, err := s.SetEnabled("A", "a", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	mustAdd(t, s, "A", "c")
	if got := s.EnabledCount("A"); got != 2 {
		t.Fatalf("enabled count: got %d want 2", got)
	}
	if _, _, err := s.SetEnabled("A", "a", true); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("enable at limit: got %v want ErrLimitReached", err)
	}
	saves := p.saves
	_, changed, err := s.SetEnabled("A", "b", true)
	if err != nil || changed {
		t.Fatalf("no-op enable: changed=%v err=%v", changed, err)
	}
	if p.saves != saves {
		t.Fatalf("no-op enable should not persist")
	}
	if _, _, err := s.SetEnabled("A", "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}
}

func TestEnabledCountNeverExceedsLimit(t *testing.T) {
	s, _ := newStore(t, 3)
	rng := rand.New(rand.NewSource(7))
	names := []string{"a", "b", "c", "d", "e", "f"}
	for i := 0; i < 2000; i++ {
		owner := fmt.Sprintf("o%d", rng.Intn(3))
		name := names[rng.Intn(len(names))]
		switch rng.Intn(3) {
		case 0:
			_, _ = s.Add(owner, name, "world", rng.Intn(512)-256, rng.Intn(512)-256)
		case 1:
			_, _, _ = s.SetEnabled(owner, name, rng.Intn(2) == 0)
		case 2:
			_, _ = s.Remove(owner, name)
		}
		if got := s.EnabledCount(owner); got > s.Limit() {
			t.Fatalf("step %d: owner %s enabled=%d limit=%d", i, owner, got, s.Limit())
		}
	}
}

func TestConcurrentAddSameName_ExactlyOneWins(t *testing.T) {
	s, _ := newStore(t, 100)
	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Add("A", "base", "world", i, i)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("winners: got %d want 1", ok)
	}
}

func TestConcurrentOwners_AddRemove(t *testing.T) {
	s, p := newStore(t, 3)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.Add(owner, "x", "world", j, j)
				_, _ = s.Remove(owner, "x")
			}
		}(fmt.Sprintf("owner-%d", i))
	}
	wg.Wait()
	if all := s.ListAll(); len(all) != 0 {
		t.Fatalf("expected empty store, got %v", all)
	}
	if got := p.snap.Len(); got != 0 {
		t.Fatalf("last persisted snapshot should be empty, got %d anchors", got)
	}
}

func TestPersistenceFailure_KeepsMemory(t *testing.T) {
	s, p := newStore(t, 3)
	p.err = errors.New("disk full")
	if _, err := s.Add("A", "base", "world", 0, 0); err != nil {
		t.Fatalf("add should succeed despite save error: %v", err)
	}
	if _, ok := s.Get("A", "base"); !ok {
		t.Fatalf("anchor should stay in memory")
	}
	if err := s.LastSaveError(); !errors.Is(err, ErrPersistence) {
		t.Fatalf("last save error: got %v", err)
	}
	p.err = nil
	if _, err := s.SetPolicy("A", "base", PolicyAlways); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if err := s.LastSaveError(); err != nil {
		t.Fatalf("last save error should clear: %v", err)
	}
	if p.snap["A"]["base"].Policy != PolicyAlways {
		t.Fatalf("persisted snapshot missing policy change: %+v", p.snap)
	}
}

func TestOpen_LoadsSnapshot(t *testing.T) {
	p := &memPersister{snap: Snapshot{
		"A": {"base": {World: "world", X: 16, Z: 16, Policy: "WEIRD", Enabled: true}},
		"B": {},
	}}
	s, err := Open(3, p, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, ok := s.Get("A", "base")
	if !ok || a.Policy != PolicyDefault {
		t.Fatalf("loaded anchor: %+v ok=%v", a, ok)
	}
	if names := s.NamesOf("B"); len(names) != 0 {
		t.Fatalf("empty owners should not be kept: %v", names)
	}
}

func TestSetPolicy(t *testing.T) {
	s, _ := newStore(t, 3)
	mustAdd(t, s, "A", "base")
	if _, err := s.SetPolicy("A", "base", Policy("SOMETIMES")); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("invalid policy: got %v", err)
	}
	if _, err := s.SetPolicy("A", "nope", PolicyAlways); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing anchor: got %v", err)
	}
	a, err := s.SetPolicy("A", "base", PolicyAlways)
	if err != nil || a.Policy != PolicyAlways {
		t.Fatalf("set policy: %+v %v", a, err)
	}
}

func mustAdd(t *testing.T, s *Store, owner, name string) {
	t.Helper()
	if _, err := s.Add(owner, name, "world", 0, 0); err != nil {
		t.Fatalf("add %s/%s: %v", owner, name, err)
	}
}
