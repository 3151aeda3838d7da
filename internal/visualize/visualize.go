package visualize

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/anchor"
)

const regionSize = 1 << anchor.RegionShift

// edgeStep is the spacing of outline samples along each edge, in blocks.
const edgeStep = 2

// Bounds is the block-space rectangle covered by an anchor's footprint.
// Max values are exclusive region borders.
type Bounds struct {
	MinX, MaxX int
	MinZ, MaxZ int
}

func BoundsOf(a anchor.Anchor, radius int) Bounds {
	cx, cz := a.ChunkX(), a.ChunkZ()
	return Bounds{
		MinX: (cx - radius) * regionSize,
		MaxX: (cx + radius + 1) * regionSize,
		MinZ: (cz - radius) * regionSize,
		MaxZ: (cz + radius + 1) * regionSize,
	}
}

func (b Bounds) Corners() [][2]int {
	return [][2]int{{b.MinX, b.MinZ}, {b.MaxX, b.MinZ}, {b.MinX, b.MaxZ}, {b.MaxX, b.MaxZ}}
}

// Edge samples the outline every edgeStep blocks.
func (b Bounds) Edge() [][2]int {
	var out [][2]int
	for x := b.MinX; x <= b.MaxX; x += edgeStep {
		out = append(out, [2]int{x, b.MinZ}, [2]int{x, b.MaxZ})
	}
	for z := b.MinZ; z <= b.MaxZ; z += edgeStep {
		out = append(out, [2]int{b.MinX, z}, [2]int{b.MaxX, z})
	}
	return out
}

type Frame struct {
	Name    string
	World   string
	Bounds  Bounds
	Corners [][2]int
	Edge    [][2]int
	Final   bool
}

type Source interface {
	Get(owner, name string) (anchor.Anchor, bool)
}

// LoadedFunc reports whether a region is currently resident. Points in
// regions that are not loaded are left out of frames.
type LoadedFunc func(world string, cx, cz int) bool

type Visualizer struct {
	src      Source
	radius   int
	duration time.Duration
	interval time.Duration
	loaded   LoadedFunc
	log      zerolog.Logger
}

func New(src Source, radius int, duration, interval time.Duration, loaded LoadedFunc, log zerolog.Logger) *Visualizer {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Visualizer{src: src, radius: radius, duration: duration, interval: interval, loaded: loaded, log: log}
}

func (v *Visualizer) Duration() time.Duration { return v.duration }

// Show streams outline frames of one anchor to emit until the show duration
// elapses, ctx is cancelled or emit fails. The anchor is read once; frames
// are resampled each interval because region residency can change.
func (v *Visualizer) Show(ctx context.Context, owner, name string, emit func(Frame) error) error {
	a, ok := v.src.Get(owner, name)
	if !ok {
		return anchor.ErrNotFound
	}
	b := BoundsOf(a, v.radius)

	ctx, cancel := context.WithTimeout(ctx, v.duration)
	defer cancel()

	t := time.NewTicker(v.interval)
	defer t.Stop()

	frames := 0
	for {
		if err := emit(v.frame(name, a.World, b)); err != nil {
			return err
		}
		frames++
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				v.log.Debug().Str("owner", owner).Str("anchor", name).Int("frames", frames).Msg("outline finished")
				return emit(Frame{Name: name, World: a.World, Bounds: b, Final: true})
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (v *Visualizer) frame(name, world string, b Bounds) Frame {
	return Frame{
		Name:    name,
		World:   world,
		Bounds:  b,
		Corners: v.filter(world, b, b.Corners()),
		Edge:    v.filter(world, b, b.Edge()),
	}
}

// filter drops points whose region is not loaded. Points on the max
// border belong to the last region inside the footprint.
func (v *Visualizer) filter(world string, b Bounds, pts [][2]int) [][2]int {
	if v.loaded == nil {
		return pts
	}
	out := pts[:0]
	for _, p := range pts {
		x, z := p[0], p[1]
		if x == b.MaxX {
			x--
		}
		if z == b.MaxZ {
			z--
		}
		if v.loaded(world, x>>anchor.RegionShift, z>>anchor.RegionShift) {
			out = append(out, p)
		}
	}
	return out
}
