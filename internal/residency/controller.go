package residency

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/anchor"
)

type Config struct {
	ChunkRadius   int
	DefaultPolicy anchor.Policy
}

// Controller is the only caller of Host. It keeps at most one ticket set per
// anchor key: the resident map is the single record of what was acquired.
//
// Lock order: bulkMu, then a key lock, then mu. mu is never held across a
// host call. Reconcile holds bulkMu for reading so the presence flag it
// reads cannot change before its acquire or release is recorded; presence
// transitions and the other bulk paths hold it for writing.
type Controller struct {
	host   Host
	src    Source
	radius int
	def    anchor.Policy
	log    zerolog.Logger
	obs    Observer
	now    func() time.Time

	bulkMu sync.RWMutex

	mu       sync.Mutex
	loaded   bool
	resident map[anchor.Key]Footprint
	locks    map[anchor.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Controller)

func WithObserver(o Observer) Option { return func(c *Controller) { c.obs = o } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func New(host Host, src Source, cfg Config, log zerolog.Logger, opts ...Option) *Controller {
	def := cfg.DefaultPolicy
	if def == anchor.PolicyDefault || !def.Valid() {
		def = anchor.PolicyPlayerOnline
	}
	radius := cfg.ChunkRadius
	if radius < 0 {
		radius = 0
	}
	c := &Controller{
		host:     host,
		src:      src,
		radius:   radius,
		def:      def,
		log:      log,
		now:      time.Now,
		resident: map[anchor.Key]Footprint{},
		locks:    map[anchor.Key]*keyLock{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) DefaultPolicy() anchor.Policy { return c.def }
func (c *Controller) ChunkRadius() int             { return c.radius }

// Effective resolves DEFAULT to the system default policy.
func (c *Controller) Effective(a anchor.Anchor) anchor.Policy {
	return a.Policy.Resolve(c.def)
}

func (c *Controller) PresenceLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Controller) IsResident(owner, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resident[anchor.Key{Owner: owner, Name: name}]
	return ok
}

// Resident lists resident keys sorted by owner then name.
func (c *Controller) Resident() []anchor.Key {
	c.mu.Lock()
	keys := make([]anchor.Key, 0, len(c.resident))
	for k := range c.resident {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sortKeys(keys)
	return keys
}

func (c *Controller) shouldBeResident(a anchor.Anchor, loaded bool) bool {
	if !a.Enabled {
		return false
	}
	switch c.Effective(a) {
	case anchor.PolicyAlways:
		return true
	case anchor.PolicyPlayerOnline:
		return loaded
	}
	return false
}

// Reconcile converges one anchor's residency to what its current state
// requires. A removed anchor that is still resident is released. The
// returned error is non-nil only when an acquire failed.
func (c *Controller) Reconcile(owner, name string) error {
	c.bulkMu.RLock()
	defer c.bulkMu.RUnlock()

	key := anchor.Key{Owner: owner, Name: name}
	unlock := c.lockKey(key)
	defer unlock()

	a, ok := c.src.Get(owner, name)
	return c.convergeLocked(key, a, ok, "reconcile")
}

// ActivateAlways acquires every enabled anchor whose effective policy is
// ALWAYS. Run once at startup; repeated calls are no-ops for resident keys.
func (c *Controller) ActivateAlways() {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()

	n, failed := c.bulk(func(a anchor.Anchor) bool {
		return a.Enabled && c.Effective(a) == anchor.PolicyAlways
	}, "startup")
	c.log.Info().Int("acquired", n).Int("failed", failed).Int("radius", c.radius).Msg("activated ALWAYS anchors")
}

// OnPresenceArrived handles the 0 -> 1 online transition.
func (c *Controller) OnPresenceArrived() {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()

	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return
	}
	c.loaded = true
	c.mu.Unlock()
	c.emit(Event{Kind: EventPresence, Reason: "arrived", Loaded: true})

	n, failed := c.bulk(func(a anchor.Anchor) bool {
		return a.Enabled && c.Effective(a) == anchor.PolicyPlayerOnline
	}, "presence arrived")
	c.log.Info().Int("acquired", n).Int("failed", failed).Msg("presence arrived; loaded PLAYER_ONLINE anchors")
}

// OnPresenceDeparted handles the 1 -> 0 online transition. ALWAYS anchors
// stay resident.
func (c *Controller) OnPresenceDeparted() {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()

	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return
	}
	c.loaded = false
	c.mu.Unlock()
	c.emit(Event{Kind: EventPresence, Reason: "departed", Loaded: false})

	released := 0
	for _, key := range c.Resident() {
		unlock := c.lockKey(key)
		fp, held := c.footprint(key)
		a, ok := c.src.Get(key.Owner, key.Name)
		if held && (!ok || c.Effective(a) == anchor.PolicyPlayerOnline) {
			c.releaseLocked(key, fp, "presence departed")
			released++
		}
		unlock()
	}
	c.log.Info().Int("released", released).Msg("presence departed; unloaded PLAYER_ONLINE anchors")
}

// ReleaseAll drops every ticket regardless of policy and resets presence.
// Shutdown only.
func (c *Controller) ReleaseAll() {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()

	released := 0
	for _, key := range c.Resident() {
		unlock := c.lockKey(key)
		if fp, held := c.footprint(key); held {
			c.releaseLocked(key, fp, "release all")
			released++
		}
		unlock()
	}
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
	c.log.Info().Int("released", released).Msg("released all anchors")
}

// bulk converges every anchor matching filter. Caller holds bulkMu.
func (c *Controller) bulk(filter func(anchor.Anchor) bool, reason string) (acquired, failed int) {
	all := c.src.ListAll()
	owners := make([]string, 0, len(all))
	for owner := range all {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		names := make([]string, 0, len(all[owner]))
		for name := range all[owner] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !filter(all[owner][name]) {
				continue
			}
			key := anchor.Key{Owner: owner, Name: name}
			unlock := c.lockKey(key)
			// Re-read under the key lock; the copy from ListAll may be stale.
			a, ok := c.src.Get(owner, name)
			_, was := c.footprint(key)
			err := c.convergeLocked(key, a, ok, reason)
			_, is := c.footprint(key)
			unlock()
			switch {
			case err != nil:
				failed++
			case is && !was:
				acquired++
			}
		}
	}
	return acquired, failed
}

// convergeLocked applies the residency predicate to one key. Caller holds
// the key lock and bulkMu in either mode. A key still holding the footprint
// of an earlier anchor with the same name is moved to the current one.
func (c *Controller) convergeLocked(key anchor.Key, a anchor.Anchor, exists bool, reason string) error {
	want := exists && c.shouldBeResident(a, c.PresenceLoaded())
	fp, held := c.footprint(key)
	switch {
	case want && held && fp != FootprintOf(a, c.radius):
		c.releaseLocked(key, fp, reason+" (moved)")
		return c.acquireLocked(key, a, reason)
	case want && !held:
		return c.acquireLocked(key, a, reason)
	case !want && held:
		c.releaseLocked(key, fp, reason)
	}
	return nil
}

func (c *Controller) acquireLocked(key anchor.Key, a anchor.Anchor, reason string) error {
	fp := FootprintOf(a, c.radius)
	var (
		err  error
		done int
	)
	fp.Each(func(cx, cz int) bool {
		if err = c.host.AcquireRegion(fp.World, cx, cz); err != nil {
			return false
		}
		done++
		return true
	})
	if err != nil {
		// Give back what this attempt took so the key stays NOT_RESIDENT
		// with no tickets outstanding.
		i := 0
		fp.Each(func(cx, cz int) bool {
			if i >= done {
				return false
			}
			c.host.ReleaseRegion(fp.World, cx, cz)
			i++
			return true
		})
		c.log.Warn().Err(err).Str("owner", key.Owner).Str("anchor", key.Name).Str("world", fp.World).Str("reason", reason).Msg("cannot load anchor regions")
		c.emit(Event{Kind: EventAcquireFailed, Owner: key.Owner, Anchor: key.Name, World: fp.World, ChunkX: fp.CX, ChunkZ: fp.CZ, Radius: fp.Radius, Reason: reason, Error: err.Error()})
		return fmt.Errorf("acquire %s: %w", key, err)
	}

	c.mu.Lock()
	c.resident[key] = fp
	loaded := c.loaded
	c.mu.Unlock()

	c.log.Debug().Str("owner", key.Owner).Str("anchor", key.Name).Str("world", fp.World).Int("cx", fp.CX).Int("cz", fp.CZ).Str("reason", reason).Msg("anchor resident")
	c.emit(Event{Kind: EventAcquired, Owner: key.Owner, Anchor: key.Name, World: fp.World, ChunkX: fp.CX, ChunkZ: fp.CZ, Radius: fp.Radius, Reason: reason, Loaded: loaded, Regions: fp.Size()})
	return nil
}

// releaseLocked releases the footprint recorded at acquire time. Bookkeeping
// is cleared even when the world has gone away.
func (c *Controller) releaseLocked(key anchor.Key, fp Footprint, reason string) {
	fp.Each(func(cx, cz int) bool {
		c.host.ReleaseRegion(fp.World, cx, cz)
		return true
	})

	c.mu.Lock()
	delete(c.resident, key)
	loaded := c.loaded
	c.mu.Unlock()

	c.log.Debug().Str("owner", key.Owner).Str("anchor", key.Name).Str("world", fp.World).Str("reason", reason).Msg("anchor released")
	c.emit(Event{Kind: EventReleased, Owner: key.Owner, Anchor: key.Name, World: fp.World, ChunkX: fp.CX, ChunkZ: fp.CZ, Radius: fp.Radius, Reason: reason, Loaded: loaded, Regions: fp.Size()})
}

func (c *Controller) footprint(key anchor.Key) (Footprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.resident[key]
	return fp, ok
}

// lockKey serializes work on one key. Lock entries are dropped once no
// goroutine references them.
func (c *Controller) lockKey(key anchor.Key) (unlock func()) {
	c.mu.Lock()
	l := c.locks[key]
	if l == nil {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) emit(e Event) {
	if c.obs == nil {
		return
	}
	e.Time = c.now().UTC()
	c.obs.Observe(e)
}

func sortKeys(keys []anchor.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner < keys[j].Owner
		}
		return keys[i].Name < keys[j].Name
	})
}
