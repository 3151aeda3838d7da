package residency

import "chunkanchor.ai/internal/anchor"

// Footprint is the square of regions an anchor holds: (2R+1)^2 regions
// centered on the anchor's region.
type Footprint struct {
	World  string
	CX, CZ int
	Radius int
}

func FootprintOf(a anchor.Anchor, radius int) Footprint {
	if radius < 0 {
		radius = 0
	}
	return Footprint{World: a.World, CX: a.ChunkX(), CZ: a.ChunkZ(), Radius: radius}
}

func (f Footprint) Size() int {
	side := 2*f.Radius + 1
	return side * side
}

// Each calls fn for every region in row-major order, stopping early when fn
// returns false.
func (f Footprint) Each(fn func(cx, cz int) bool) {
	for dx := -f.Radius; dx <= f.Radius; dx++ {
		for dz := -f.Radius; dz <= f.Radius; dz++ {
			if !fn(f.CX+dx, f.CZ+dz) {
				return
			}
		}
	}
}

func (f Footprint) Contains(cx, cz int) bool {
	return cx >= f.CX-f.Radius && cx <= f.CX+f.Radius &&
		cz >= f.CZ-f.Radius && cz <= f.CZ+f.Radius
}
