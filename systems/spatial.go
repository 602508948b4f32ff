// Package systems provides the spatial index, the diffusion solver and the
// mechanics used by the simulation pipeline.
package systems

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pthm-cable/biosim/geom"
)

// ErrInvalidParameters is wrapped by every constructor or setter error caused
// by bad configuration.
var ErrInvalidParameters = errors.New("invalid parameters")

// DefaultMaxBoxes caps the dense box array. When the population spreads so far
// that more boxes would be needed, the box length is enlarged instead.
const DefaultMaxBoxes = 1 << 24

const emptyBoxesPerAxis = 8

// Neighbor is an index found by a grid query with its squared distance.
type Neighbor struct {
	Index  int
	DistSq float64
}

// UniformGrid buckets agent indices into cubic boxes for neighbor search.
// Box length is at least the largest search radius, so the 27 boxes around a
// query agent hold every agent within its radius.
//
// Boxes are stored as a counting-sorted index array: items[start[b]:start[b+1]]
// are the agents in box b. Rebuilds reuse all buffers.
type UniformGrid struct {
	minBoxLength float64
	maxBoxes     int
	bound        *geom.Box // fallback extent for empty populations

	boxLength float64
	origin    geom.Real3
	dims      [3]int
	start     []int32
	items     []int32
	agentBox  []int32

	positions []geom.Real3
	radii     []float64
	maxRadius float64

	built    bool
	hasGrown bool
	extent   geom.Box

	zorder      []int32
	zorderValid bool
}

// NewUniformGrid creates an empty grid. minBoxLength is the smallest box edge
// used regardless of agent sizes and must be positive.
func NewUniformGrid(minBoxLength float64) (*UniformGrid, error) {
	if !(minBoxLength > 0) || math.IsInf(minBoxLength, 0) {
		return nil, fmt.Errorf("uniform grid: min box length %v: %w", minBoxLength, ErrInvalidParameters)
	}
	return &UniformGrid{
		minBoxLength: minBoxLength,
		maxBoxes:     DefaultMaxBoxes,
	}, nil
}

// SetBound sets the extent used when the grid is rebuilt with no agents.
func (g *UniformGrid) SetBound(b geom.Box) {
	g.bound = &b
}

// SetMaxBoxes overrides DefaultMaxBoxes. Values below 27 are raised to 27.
func (g *UniformGrid) SetMaxBoxes(n int) {
	g.maxBoxes = max(n, 27)
}

// Rebuild indexes the given positions. radii[i] is the search radius of agent i.
// The grid keeps its own copy of both slices, so callers may move agents
// afterwards without corrupting queries against this rebuild.
func (g *UniformGrid) Rebuild(positions []geom.Real3, radii []float64) {
	if len(positions) != len(radii) {
		panic(fmt.Sprintf("uniform grid: %d positions but %d radii", len(positions), len(radii)))
	}
	n := len(positions)
	g.positions = append(g.positions[:0], positions...)
	g.radii = append(g.radii[:0], radii...)

	g.maxRadius = 0
	for _, r := range radii {
		if r > g.maxRadius {
			g.maxRadius = r
		}
	}
	g.boxLength = math.Max(g.maxRadius, g.minBoxLength)

	extent, ok := geom.BoundingBox(positions)
	if !ok {
		extent = geom.Box{}
		if g.bound != nil {
			extent = *g.bound
			// Nothing to index; coarse boxes are enough to cover the bound.
			size := geom.Sub(extent.Max, extent.Min)
			longest := math.Max(size.X, math.Max(size.Y, size.Z))
			g.boxLength = math.Max(g.boxLength, longest/emptyBoxesPerAxis)
		}
	}
	g.layout(extent)

	prev := g.extent
	cur := g.Bounds()
	g.hasGrown = g.built && (cur.Min.X < prev.Min.X || cur.Min.Y < prev.Min.Y || cur.Min.Z < prev.Min.Z ||
		cur.Max.X > prev.Max.X || cur.Max.Y > prev.Max.Y || cur.Max.Z > prev.Max.Z)
	g.extent = cur

	numBoxes := g.NumBoxes()
	if cap(g.start) < numBoxes+1 {
		g.start = make([]int32, numBoxes+1)
	} else {
		g.start = g.start[:numBoxes+1]
		clear(g.start)
	}
	g.agentBox = slices.Grow(g.agentBox[:0], n)[:n]
	g.items = slices.Grow(g.items[:0], n)[:n]

	// Count, prefix-sum, then scatter.
	for i, p := range g.positions {
		b := int32(g.boxIndex(p))
		g.agentBox[i] = b
		g.start[b+1]++
	}
	for b := 1; b <= numBoxes; b++ {
		g.start[b] += g.start[b-1]
	}
	fill := slices.Clone(g.start[:numBoxes])
	for i, b := range g.agentBox {
		g.items[fill[b]] = int32(i)
		fill[b]++
	}

	g.zorderValid = false
	g.built = true
}

// layout chooses origin and dimensions so the extent is covered with one
// spare box on every side.
func (g *UniformGrid) layout(extent geom.Box) {
	for {
		l := g.boxLength
		g.origin = geom.Sub(geom.Scale(l, geom.Floor(geom.Scale(1/l, extent.Min))), geom.Real3{X: l, Y: l, Z: l})
		span := geom.Sub(extent.Max, g.origin)
		total := 1
		for i := 0; i < 3; i++ {
			g.dims[i] = int(math.Floor(geom.Component(span, i)/l)) + 2
			total *= g.dims[i]
		}
		if total <= g.maxBoxes {
			return
		}
		g.boxLength *= math.Cbrt(float64(total)/float64(g.maxBoxes)) * 1.01
	}
}

func (g *UniformGrid) coords(p geom.Real3) (x, y, z int) {
	inv := 1 / g.boxLength
	x = clampInt(int(math.Floor((p.X-g.origin.X)*inv)), 0, g.dims[0]-1)
	y = clampInt(int(math.Floor((p.Y-g.origin.Y)*inv)), 0, g.dims[1]-1)
	z = clampInt(int(math.Floor((p.Z-g.origin.Z)*inv)), 0, g.dims[2]-1)
	return x, y, z
}

func (g *UniformGrid) boxIndex(p geom.Real3) int {
	x, y, z := g.coords(p)
	return x + y*g.dims[0] + z*g.dims[0]*g.dims[1]
}

func (g *UniformGrid) mustBeBuilt() {
	if !g.built {
		panic("uniform grid: queried before Rebuild")
	}
}

// ForEachNeighbor calls fn for every other agent whose squared distance to
// agent i is at most i's search radius squared. Order is unspecified.
func (g *UniformGrid) ForEachNeighbor(i int, fn func(j int, distSq float64)) {
	g.mustBeBuilt()
	r := g.radii[i]
	g.visit(g.positions[i], r*r, g.span(r), i, fn)
}

// ForEachNeighborWithinRadius is ForEachNeighbor with an explicit squared radius.
func (g *UniformGrid) ForEachNeighborWithinRadius(i int, radiusSq float64, fn func(j int, distSq float64)) {
	g.mustBeBuilt()
	g.visit(g.positions[i], radiusSq, g.span(math.Sqrt(radiusSq)), i, fn)
}

// ForEachNeighborOf visits all agents within radius of an arbitrary point.
func (g *UniformGrid) ForEachNeighborOf(pos geom.Real3, radius float64, fn func(j int, distSq float64)) {
	g.mustBeBuilt()
	g.visit(pos, radius*radius, g.span(radius), -1, fn)
}

// NeighborsInto appends agent i's neighbors to dst and returns it.
// Reuse dst across calls to avoid allocations.
func (g *UniformGrid) NeighborsInto(dst []Neighbor, i int, radiusSq float64) []Neighbor {
	g.mustBeBuilt()
	p := g.positions[i]
	g.scan(p, g.span(math.Sqrt(radiusSq)), func(j int) {
		if j == i {
			return
		}
		if d := geom.SquaredDistance(p, g.positions[j]); d <= radiusSq {
			dst = append(dst, Neighbor{Index: j, DistSq: d})
		}
	})
	return dst
}

func (g *UniformGrid) span(radius float64) int {
	if radius <= g.boxLength {
		return 1
	}
	return int(math.Ceil(radius / g.boxLength))
}

func (g *UniformGrid) visit(p geom.Real3, radiusSq float64, span, exclude int, fn func(j int, distSq float64)) {
	positions := g.positions
	g.scan(p, span, func(j int) {
		if j == exclude {
			return
		}
		if d := geom.SquaredDistance(p, positions[j]); d <= radiusSq {
			fn(j, d)
		}
	})
}

// scan walks the (2*span+1)^3 boxes around p, skipping empty ones.
func (g *UniformGrid) scan(p geom.Real3, span int, fn func(j int)) {
	cx, cy, cz := g.coords(p)
	nx, nxy := g.dims[0], g.dims[0]*g.dims[1]
	for z := max(cz-span, 0); z <= min(cz+span, g.dims[2]-1); z++ {
		for y := max(cy-span, 0); y <= min(cy+span, g.dims[1]-1); y++ {
			row := y*nx + z*nxy
			for x := max(cx-span, 0); x <= min(cx+span, g.dims[0]-1); x++ {
				b := row + x
				lo, hi := g.start[b], g.start[b+1]
				for _, j := range g.items[lo:hi] {
					fn(int(j))
				}
			}
		}
	}
}

// NeedsRebuild reports whether the index is out of date: never built, agent
// count changed, an agent moved more than tolerance, or an agent's radius
// outgrew the box length.
func (g *UniformGrid) NeedsRebuild(positions []geom.Real3, radii []float64, tolerance float64) bool {
	if !g.built || len(positions) != len(g.positions) {
		return true
	}
	tolSq := tolerance * tolerance
	for i, p := range positions {
		if geom.SquaredDistance(p, g.positions[i]) > tolSq {
			return true
		}
	}
	for _, r := range radii {
		if r > g.boxLength {
			return true
		}
	}
	return false
}

// IterateZOrder visits agent indices box by box in Morton order of the boxes.
// Order inside a box is unspecified.
func (g *UniformGrid) IterateZOrder(fn func(i int)) {
	g.mustBeBuilt()
	if !g.zorderValid {
		g.updateZOrder()
	}
	for _, b := range g.zorder {
		for _, j := range g.items[g.start[b]:g.start[b+1]] {
			fn(int(j))
		}
	}
}

func (g *UniformGrid) updateZOrder() {
	n := g.NumBoxes()
	g.zorder = slices.Grow(g.zorder[:0], n)[:0]
	keys := make([]uint64, n)
	for b := 0; b < n; b++ {
		if g.start[b] == g.start[b+1] {
			continue
		}
		c := g.BoxCoordinates(b)
		keys[b] = geom.Morton3(uint32(c[0]), uint32(c[1]), uint32(c[2]))
		g.zorder = append(g.zorder, int32(b))
	}
	slices.SortFunc(g.zorder, func(a, b int32) int {
		switch {
		case keys[a] < keys[b]:
			return -1
		case keys[a] > keys[b]:
			return 1
		}
		return 0
	})
	g.zorderValid = true
}

// Built reports whether Rebuild has run at least once.
func (g *UniformGrid) Built() bool { return g.built }

// BoxLength returns the current box edge length.
func (g *UniformGrid) BoxLength() float64 { return g.boxLength }

// LargestRadius returns the largest search radius seen by the last rebuild.
func (g *UniformGrid) LargestRadius() float64 { return g.maxRadius }

// NumBoxes returns the number of boxes, including the margin.
func (g *UniformGrid) NumBoxes() int { return g.dims[0] * g.dims[1] * g.dims[2] }

// Dimensions returns the box count per axis.
func (g *UniformGrid) Dimensions() [3]int { return g.dims }

// Bounds returns the region covered by the grid, margin included.
func (g *UniformGrid) Bounds() geom.Box {
	l := g.boxLength
	return geom.Box{
		Min: g.origin,
		Max: geom.Add(g.origin, geom.Real3{X: float64(g.dims[0]) * l, Y: float64(g.dims[1]) * l, Z: float64(g.dims[2]) * l}),
	}
}

// HasGrown reports whether the last rebuild extended the covered region.
func (g *UniformGrid) HasGrown() bool { return g.hasGrown }

// BoxCoordinates converts a flat box index to (x, y, z) box coordinates.
func (g *UniformGrid) BoxCoordinates(b int) [3]int {
	nxy := g.dims[0] * g.dims[1]
	rem := b % nxy
	return [3]int{rem % g.dims[0], rem / g.dims[0], b / nxy}
}

// BoxOf returns the flat box index holding agent i.
func (g *UniformGrid) BoxOf(i int) int {
	g.mustBeBuilt()
	return int(g.agentBox[i])
}

// Len returns the number of indexed agents.
func (g *UniformGrid) Len() int { return len(g.positions) }

// Position returns the indexed position of agent i.
func (g *UniformGrid) Position(i int) geom.Real3 { return g.positions[i] }

// Radius returns the indexed search radius of agent i.
func (g *UniformGrid) Radius(i int) float64 { return g.radii[i] }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
