package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/host"
	"chunkanchor.ai/internal/protocol"
	"chunkanchor.ai/internal/residency"
	"chunkanchor.ai/internal/visualize"
)

type rig struct {
	svc    *Service
	worlds *host.Worlds
	ctl    *residency.Controller
}

func newRig(t *testing.T, def anchor.Policy) *rig {
	t.Helper()
	store, err := anchor.Open(3, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	worlds := host.NewWorlds("world")
	ctl := residency.New(worlds, store, residency.Config{ChunkRadius: 1, DefaultPolicy: def}, zerolog.Nop())
	viz := visualize.New(store, 1, 30*time.Millisecond, 10*time.Millisecond, worlds.IsLoaded, zerolog.Nop())
	return &rig{svc: New(store, ctl, viz, zerolog.Nop()), worlds: worlds, ctl: ctl}
}

func TestAdd_ReconcilesImmediately(t *testing.T) {
	r := newRig(t, anchor.PolicyAlways)
	v, err := r.svc.Add("A", "base", Position{World: "world", X: 40, Z: 40})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !v.Resident || v.EffectivePolicy != "ALWAYS" || v.Policy != "DEFAULT" {
		t.Fatalf("view: %+v", v)
	}
	if got := r.worlds.TotalTickets(); got != 9 {
		t.Fatalf("tickets: got %d want 9", got)
	}
	if !r.worlds.IsLoaded("world", 2, 2) {
		t.Fatalf("anchor region should be loaded")
	}
}

func TestAdd_UnavailableWorldStillCreates(t *testing.T) {
	r := newRig(t, anchor.PolicyAlways)
	v, err := r.svc.Add("A", "far", Position{World: "world_the_end", X: 0, Z: 0})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if v.Resident || v.ResidencyCode != protocol.ErrWorldUnavailable {
		t.Fatalf("anchor in unavailable world: %+v", v)
	}
	r.worlds.Load("world_the_end")
	if err := r.ctl.Reconcile("A", "far"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !r.ctl.IsResident("A", "far") {
		t.Fatalf("retry after world load should acquire")
	}
}

func TestVerbs_DistinctOutcomes(t *testing.T) {
	r := newRig(t, anchor.PolicyPlayerOnline)
	pos := Position{World: "world"}
	for _, n := range []string{"base", "farm", "mine"} {
		if _, err := r.svc.Add("A", n, pos); err != nil {
			t.Fatalf("add %s: %v", n, err)
		}
	}
	if _, err := r.svc.Add("A", "outpost", pos); !errors.Is(err, anchor.ErrLimitReached) {
		t.Fatalf("limit: %v", err)
	}
	if err := r.svc.Remove("A", "nope"); !errors.Is(err, anchor.ErrNotFound) {
		t.Fatalf("remove missing: %v", err)
	}
	if _, err := r.svc.SetPolicy("A", "base", "sometimes"); !errors.Is(err, anchor.ErrInvalidPolicy) {
		t.Fatalf("bad policy: %v", err)
	}
	if _, changed, err := r.svc.SetEnabled("A", "base", true); err != nil || changed {
		t.Fatalf("already enabled: changed=%v err=%v", changed, err)
	}
	if _, err := r.svc.Get("A", "nope"); !errors.Is(err, anchor.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestPolicyAndEnableFlow(t *testing.T) {
	r := newRig(t, anchor.PolicyPlayerOnline)
	if _, err := r.svc.Add("A", "camp", Position{World: "world"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if r.ctl.IsResident("A", "camp") {
		t.Fatalf("nobody online; PLAYER_ONLINE anchor must not load")
	}
	v, err := r.svc.SetPolicy("A", "camp", "always")
	if err != nil || !v.Resident {
		t.Fatalf("switch to ALWAYS: %+v %v", v, err)
	}
	v, changed, err := r.svc.SetEnabled("A", "camp", false)
	if err != nil || !changed || v.Resident {
		t.Fatalf("disable: %+v changed=%v err=%v", v, changed, err)
	}
	if err := r.svc.Remove("A", "camp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r.worlds.TotalTickets() != 0 {
		t.Fatalf("tickets leaked: %d", r.worlds.TotalTickets())
	}
}

func TestList_SortedWithResidency(t *testing.T) {
	r := newRig(t, anchor.PolicyPlayerOnline)
	for _, n := range []string{"mine", "base"} {
		if _, err := r.svc.Add("A", n, Position{World: "world", X: 100}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r.ctl.OnPresenceArrived()
	list := r.svc.List("A")
	if len(list) != 2 || list[0].Name != "base" || list[1].Name != "mine" {
		t.Fatalf("list: %+v", list)
	}
	for _, v := range list {
		if !v.Resident || v.ChunkX != 6 {
			t.Fatalf("view: %+v", v)
		}
	}
	if got := r.svc.List("nobody"); len(got) != 0 {
		t.Fatalf("empty owner: %+v", got)
	}
}

func TestShow_OnlyLoadedRegions(t *testing.T) {
	r := newRig(t, anchor.PolicyAlways)
	if _, err := r.svc.Add("A", "base", Position{World: "world", X: 8, Z: 8}); err != nil {
		t.Fatalf("add: %v", err)
	}
	var frames []visualize.Frame
	err := r.svc.Show(context.Background(), "A", "base", func(f visualize.Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if len(frames) == 0 || len(frames[0].Corners) == 0 {
		t.Fatalf("resident anchor should produce visible corners: %+v", frames)
	}
}
