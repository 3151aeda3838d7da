package service

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/protocol"
	"chunkanchor.ai/internal/residency"
	"chunkanchor.ai/internal/visualize"
)

// Service is the owner-facing command surface. Every mutating verb updates
// the store first and then reconciles that single anchor.
type Service struct {
	store *anchor.Store
	ctl   *residency.Controller
	viz   *visualize.Visualizer
	log   zerolog.Logger
}

func New(store *anchor.Store, ctl *residency.Controller, viz *visualize.Visualizer, log zerolog.Logger) *Service {
	return &Service{store: store, ctl: ctl, viz: viz, log: log}
}

func (s *Service) Store() *anchor.Store { return s.store }

func (s *Service) Controller() *residency.Controller { return s.ctl }

// Position is where the owner stands when creating an anchor.
type Position struct {
	World string
	X, Z  int
}

func (s *Service) Add(owner, name string, pos Position) (protocol.AnchorView, error) {
	a, err := s.store.Add(owner, name, pos.World, pos.X, pos.Z)
	if err != nil {
		return protocol.AnchorView{}, err
	}
	rerr := s.reconcile(owner, name)
	s.log.Info().Str("owner", owner).Str("anchor", name).Str("world", pos.World).Int("x", pos.X).Int("z", pos.Z).Msg("anchor created")
	return s.viewAfter(owner, name, a, rerr), nil
}

func (s *Service) Remove(owner, name string) error {
	if _, err := s.store.Remove(owner, name); err != nil {
		return err
	}
	_ = s.reconcile(owner, name)
	s.log.Info().Str("owner", owner).Str("anchor", name).Msg("anchor removed")
	return nil
}

func (s *Service) SetPolicy(owner, name, policy string) (protocol.AnchorView, error) {
	p, err := anchor.ParsePolicy(policy)
	if err != nil {
		return protocol.AnchorView{}, err
	}
	a, err := s.store.SetPolicy(owner, name, p)
	if err != nil {
		return protocol.AnchorView{}, err
	}
	return s.viewAfter(owner, name, a, s.reconcile(owner, name)), nil
}

// SetEnabled reports changed=false when the anchor already had the requested
// state.
func (s *Service) SetEnabled(owner, name string, want bool) (view protocol.AnchorView, changed bool, err error) {
	a, changed, err := s.store.SetEnabled(owner, name, want)
	if err != nil {
		return protocol.AnchorView{}, false, err
	}
	var rerr error
	if changed {
		rerr = s.reconcile(owner, name)
	}
	return s.viewAfter(owner, name, a, rerr), changed, nil
}

// List returns the owner's anchors sorted by name.
func (s *Service) List(owner string) []protocol.AnchorView {
	anchors := s.store.ListOwner(owner)
	out := make([]protocol.AnchorView, 0, len(anchors))
	for name, a := range anchors {
		out = append(out, s.view(owner, name, a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) Get(owner, name string) (protocol.AnchorView, error) {
	a, ok := s.store.Get(owner, name)
	if !ok {
		return protocol.AnchorView{}, anchor.ErrNotFound
	}
	return s.view(owner, name, a), nil
}

// Show streams the anchor outline until the visualizer's duration elapses.
func (s *Service) Show(ctx context.Context, owner, name string, emit func(visualize.Frame) error) error {
	return s.viz.Show(ctx, owner, name, emit)
}

// reconcile converges one anchor. The controller has already logged an
// acquire failure; callers report it in the anchor view.
func (s *Service) reconcile(owner, name string) error {
	return s.ctl.Reconcile(owner, name)
}

// viewAfter is view with the outcome of the reconcile that followed a
// mutation.
func (s *Service) viewAfter(owner, name string, a anchor.Anchor, rerr error) protocol.AnchorView {
	v := s.view(owner, name, a)
	v.ResidencyCode = protocol.CodeFor(rerr)
	return v
}

func (s *Service) view(owner, name string, a anchor.Anchor) protocol.AnchorView {
	return protocol.AnchorView{
		Name:            name,
		World:           a.World,
		X:               a.X,
		Z:               a.Z,
		ChunkX:          a.ChunkX(),
		ChunkZ:          a.ChunkZ(),
		Policy:          string(a.Policy),
		EffectivePolicy: string(s.ctl.Effective(a)),
		Enabled:         a.Enabled,
		Resident:        s.ctl.IsResident(owner, name),
	}
}
