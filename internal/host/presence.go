package host

import "sync"

// Presence fans individual join/leave events in to the two edges the
// residency controller consumes: arrived on 0 -> 1 online owners, departed
// on 1 -> 0. An owner with several sessions counts once.
type Presence struct {
	mu       sync.Mutex
	sessions map[string]int

	arrived  func()
	departed func()
}

func NewPresence(arrived, departed func()) *Presence {
	if arrived == nil {
		arrived = func() {}
	}
	if departed == nil {
		departed = func() {}
	}
	return &Presence{sessions: map[string]int{}, arrived: arrived, departed: departed}
}

// Join registers one session. The edge callback runs under the presence
// lock so edges are delivered in order.
func (p *Presence) Join(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := len(p.sessions) == 0
	p.sessions[owner]++
	if first {
		p.arrived()
	}
}

func (p *Presence) Leave(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.sessions[owner]
	if !ok {
		return
	}
	if n > 1 {
		p.sessions[owner] = n - 1
		return
	}
	delete(p.sessions, owner)
	if len(p.sessions) == 0 {
		p.departed()
	}
}

// Count is the number of distinct owners online.
func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Presence) Online(owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[owner] > 0
}
