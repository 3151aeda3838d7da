package host

import (
	"sort"
	"sync"

	"chunkanchor.ai/internal/residency"
)

type ChunkPos struct {
	X, Z int
}

// Worlds is an in-process ticket table: a ref count per region for every
// loaded world. Unloading a world drops its tickets, which is how the real
// host behaves when a dimension goes away.
type Worlds struct {
	mu     sync.Mutex
	worlds map[string]map[ChunkPos]int
}

func NewWorlds(names ...string) *Worlds {
	w := &Worlds{worlds: map[string]map[ChunkPos]int{}}
	for _, n := range names {
		w.worlds[n] = map[ChunkPos]int{}
	}
	return w
}

func (w *Worlds) Load(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.worlds[name]; !ok {
		w.worlds[name] = map[ChunkPos]int{}
	}
}

// Unload removes the world and returns how many tickets it still held.
func (w *Worlds) Unload(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.worlds[name] {
		n += c
	}
	delete(w.worlds, name)
	return n
}

func (w *Worlds) Names() []string {
	w.mu.Lock()
	names := make([]string, 0, len(w.worlds))
	for n := range w.worlds {
		names = append(names, n)
	}
	w.mu.Unlock()
	sort.Strings(names)
	return names
}

func (w *Worlds) AcquireRegion(world string, cx, cz int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	regions, ok := w.worlds[world]
	if !ok {
		return residency.ErrWorldUnavailable
	}
	regions[ChunkPos{cx, cz}]++
	return nil
}

func (w *Worlds) ReleaseRegion(world string, cx, cz int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	regions, ok := w.worlds[world]
	if !ok {
		return
	}
	p := ChunkPos{cx, cz}
	switch regions[p] {
	case 0:
	case 1:
		delete(regions, p)
	default:
		regions[p]--
	}
}

// Tickets returns the ref count held on one region.
func (w *Worlds) Tickets(world string, cx, cz int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.worlds[world][ChunkPos{cx, cz}]
}

// IsLoaded reports whether a region is kept resident by at least one ticket.
func (w *Worlds) IsLoaded(world string, cx, cz int) bool {
	return w.Tickets(world, cx, cz) > 0
}

// Loaded returns the resident regions of a world, sorted.
func (w *Worlds) Loaded(world string) []ChunkPos {
	w.mu.Lock()
	out := make([]ChunkPos, 0, len(w.worlds[world]))
	for p := range w.worlds[world] {
		out = append(out, p)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out
}

// TotalTickets sums every ref count across worlds.
func (w *Worlds) TotalTickets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, regions := range w.worlds {
		for _, c := range regions {
			n += c
		}
	}
	return n
}
