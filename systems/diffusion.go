package systems

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/biosim/geom"
)

// Boundary selects how the stencil treats nodes outside the lattice.
type Boundary uint8

const (
	// BoundaryClosed mirrors the edge node into the ghost, so no mass
	// crosses the boundary.
	BoundaryClosed Boundary = iota
	// BoundaryOpen uses zero-valued ghosts; substance drains out at the edges.
	BoundaryOpen
)

// String returns the config name of the boundary.
func (b Boundary) String() string {
	switch b {
	case BoundaryClosed:
		return "closed"
	case BoundaryOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ParseBoundary converts a config name to a Boundary.
func ParseBoundary(s string) (Boundary, error) {
	switch s {
	case "closed", "":
		return BoundaryClosed, nil
	case "open":
		return BoundaryOpen, nil
	}
	return 0, fmt.Errorf("boundary %q: %w", s, ErrInvalidParameters)
}

// maxStability is the explicit 7-point stencil's bound on dt*D/h^2.
const maxStability = 1.0 / 6

// DiffusionParams describes one substance lattice.
type DiffusionParams struct {
	ID          int
	Name        string
	Coefficient float64 // D
	Decay       float64 // first-order decay rate
	Origin      geom.Real3
	VoxelSize   float64
	Resolution  [3]int
	Boundary    Boundary
	Threshold   float64 // upper clamp on concentration; 0 disables
}

// FitTo sets Origin, VoxelSize and Resolution so the lattice covers b with
// resolution nodes along its longest axis.
func (p *DiffusionParams) FitTo(b geom.Box, resolution int) {
	p.Origin = b.Min
	size := geom.Sub(b.Max, b.Min)
	longest := math.Max(size.X, math.Max(size.Y, size.Z))
	if resolution < 2 || !(longest > 0) {
		p.VoxelSize = 0
		p.Resolution = [3]int{resolution, resolution, resolution}
		return
	}
	p.VoxelSize = longest / float64(resolution-1)
	for i := 0; i < 3; i++ {
		p.Resolution[i] = max(int(math.Ceil(geom.Component(size, i)/p.VoxelSize-1e-9))+1, 2)
	}
}

// Validate checks p and the explicit scheme's stability at timestep dt
// without building a grid.
func (p *DiffusionParams) Validate(dt float64) error {
	var errs []error
	for i, n := range p.Resolution {
		if n < 2 {
			errs = append(errs, fmt.Errorf("resolution[%d] = %d, need at least 2: %w", i, n, ErrInvalidParameters))
		}
	}
	if !(p.VoxelSize > 0) || math.IsInf(p.VoxelSize, 0) {
		errs = append(errs, fmt.Errorf("voxel size %v: %w", p.VoxelSize, ErrInvalidParameters))
	}
	if !(p.Coefficient >= 0) {
		errs = append(errs, fmt.Errorf("diffusion coefficient %v: %w", p.Coefficient, ErrInvalidParameters))
	}
	if !(p.Decay >= 0) {
		errs = append(errs, fmt.Errorf("decay %v: %w", p.Decay, ErrInvalidParameters))
	}
	if !(p.Threshold >= 0) {
		errs = append(errs, fmt.Errorf("threshold %v: %w", p.Threshold, ErrInvalidParameters))
	}
	if !(dt > 0) {
		errs = append(errs, fmt.Errorf("timestep %v: %w", dt, ErrInvalidParameters))
	}
	if len(errs) > 0 {
		return fmt.Errorf("substance %q: %w", p.Name, errors.Join(errs...))
	}
	if s := dt * p.Coefficient / (p.VoxelSize * p.VoxelSize); s > maxStability {
		return fmt.Errorf("substance %q: dt*D/h^2 = %.4g exceeds %.4g, reduce dt or coarsen the lattice: %w",
			p.Name, s, maxStability, ErrInvalidParameters)
	}
	if dt*p.Decay > 1 {
		return fmt.Errorf("substance %q: dt*decay = %.4g exceeds 1: %w", p.Name, dt*p.Decay, ErrInvalidParameters)
	}
	return nil
}

// DiffusionGrid is an explicit finite-difference solver for one substance on
// a regular lattice. Node (i, j, k) sits at Origin + (i, j, k)*VoxelSize and
// is stored at i + j*nx + k*nx*ny.
//
// IncreaseConcentrationBy and the getters are safe to call concurrently with
// each other. Update must run alone.
type DiffusionGrid struct {
	p   DiffusionParams
	dt  float64
	cur []float64
	nxt []float64

	dropped atomic.Int64
}

// DiffusionSnapshot is a copy of a grid's state.
type DiffusionSnapshot struct {
	ID         int
	Name       string
	Origin     geom.Real3
	VoxelSize  float64
	Resolution [3]int
	Values     []float64
}

// Initializer returns the concentration to add at a lattice node.
type Initializer func(x, y, z float64) float64

// NewDiffusionGrid validates p against dt and allocates the lattice.
func NewDiffusionGrid(p DiffusionParams, dt float64) (*DiffusionGrid, error) {
	if err := p.Validate(dt); err != nil {
		return nil, fmt.Errorf("diffusion grid: %w", err)
	}
	n := p.Resolution[0] * p.Resolution[1] * p.Resolution[2]
	return &DiffusionGrid{
		p:   p,
		dt:  dt,
		cur: make([]float64, n),
		nxt: make([]float64, n),
	}, nil
}

func (g *DiffusionGrid) set(p DiffusionParams, dt float64) error {
	if err := p.Validate(dt); err != nil {
		return fmt.Errorf("diffusion grid: %w", err)
	}
	g.p, g.dt = p, dt
	return nil
}

// SetDiffusionCoefficient changes D, keeping the old value on error.
func (g *DiffusionGrid) SetDiffusionCoefficient(d float64) error {
	p := g.p
	p.Coefficient = d
	return g.set(p, g.dt)
}

// SetDecay changes the decay rate, keeping the old value on error.
func (g *DiffusionGrid) SetDecay(mu float64) error {
	p := g.p
	p.Decay = mu
	return g.set(p, g.dt)
}

// SetTimestep changes the validated timestep.
func (g *DiffusionGrid) SetTimestep(dt float64) error {
	return g.set(g.p, dt)
}

// SetThreshold changes the concentration cap; 0 disables it.
func (g *DiffusionGrid) SetThreshold(t float64) error {
	p := g.p
	p.Threshold = t
	return g.set(p, g.dt)
}

// ID returns the substance id.
func (g *DiffusionGrid) ID() int { return g.p.ID }

// Name returns the substance name.
func (g *DiffusionGrid) Name() string { return g.p.Name }

// Params returns the current parameters.
func (g *DiffusionGrid) Params() DiffusionParams { return g.p }

// Timestep returns the timestep the grid was validated for.
func (g *DiffusionGrid) Timestep() float64 { return g.dt }

// Resolution returns the node count per axis.
func (g *DiffusionGrid) Resolution() [3]int { return g.p.Resolution }

// VoxelSize returns the node spacing.
func (g *DiffusionGrid) VoxelSize() float64 { return g.p.VoxelSize }

// Origin returns the position of node (0, 0, 0).
func (g *DiffusionGrid) Origin() geom.Real3 { return g.p.Origin }

// NumVoxels returns the total node count.
func (g *DiffusionGrid) NumVoxels() int { return len(g.cur) }

// Dropped returns how many additions fell outside the lattice.
func (g *DiffusionGrid) Dropped() int64 { return g.dropped.Load() }

// Fixed reports whether Update is a no-op for this substance.
func (g *DiffusionGrid) Fixed() bool { return g.p.Coefficient == 0 && g.p.Decay == 0 }

// VoxelIndex returns the flat index of the voxel containing pos.
func (g *DiffusionGrid) VoxelIndex(pos geom.Real3) (int, bool) {
	r := g.p.Resolution
	inv := 1 / g.p.VoxelSize
	x := math.Floor((pos.X - g.p.Origin.X) * inv)
	y := math.Floor((pos.Y - g.p.Origin.Y) * inv)
	z := math.Floor((pos.Z - g.p.Origin.Z) * inv)
	if !(x >= 0 && y >= 0 && z >= 0) || x >= float64(r[0]) || y >= float64(r[1]) || z >= float64(r[2]) {
		return 0, false
	}
	return int(x) + int(y)*r[0] + int(z)*r[0]*r[1], true
}

func (g *DiffusionGrid) bits(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&g.cur[i]))
}

func (g *DiffusionGrid) load(i int) float64 {
	return math.Float64frombits(atomic.LoadUint64(g.bits(i)))
}

// IncreaseConcentrationBy adds amount to the voxel containing pos.
// Additions outside the lattice are dropped and counted.
func (g *DiffusionGrid) IncreaseConcentrationBy(pos geom.Real3, amount float64) {
	idx, ok := g.VoxelIndex(pos)
	if !ok {
		g.dropped.Add(1)
		return
	}
	g.IncreaseConcentrationAt(idx, amount)
}

// IncreaseConcentrationAt adds amount to node idx with a lock-free CAS loop,
// clamping at the threshold when one is set.
func (g *DiffusionGrid) IncreaseConcentrationAt(idx int, amount float64) {
	ptr := g.bits(idx)
	thr := g.p.Threshold
	for {
		old := atomic.LoadUint64(ptr)
		v := math.Float64frombits(old) + amount
		if thr > 0 && v > thr {
			v = thr
		}
		if atomic.CompareAndSwapUint64(ptr, old, math.Float64bits(v)) {
			return
		}
	}
}

// ConcentrationAt returns the value of node idx.
func (g *DiffusionGrid) ConcentrationAt(idx int) float64 {
	return g.load(idx)
}

// GetConcentration trilinearly interpolates the field at pos. Positions
// outside the lattice take the value at the nearest edge.
func (g *DiffusionGrid) GetConcentration(pos geom.Real3) float64 {
	r := g.p.Resolution
	inv := 1 / g.p.VoxelSize
	var i0 [3]int
	var t [3]float64
	for a := 0; a < 3; a++ {
		u := (geom.Component(pos, a) - geom.Component(g.p.Origin, a)) * inv
		u = math.Max(0, math.Min(u, float64(r[a]-1)))
		i := min(int(u), r[a]-2)
		i0[a] = i
		t[a] = u - float64(i)
	}
	nx, nxy := r[0], r[0]*r[1]
	base := i0[0] + i0[1]*nx + i0[2]*nxy

	c000 := g.load(base)
	c100 := g.load(base + 1)
	c010 := g.load(base + nx)
	c110 := g.load(base + nx + 1)
	c001 := g.load(base + nxy)
	c101 := g.load(base + nxy + 1)
	c011 := g.load(base + nxy + nx)
	c111 := g.load(base + nxy + nx + 1)

	c00 := c000 + (c100-c000)*t[0]
	c10 := c010 + (c110-c010)*t[0]
	c01 := c001 + (c101-c001)*t[0]
	c11 := c011 + (c111-c011)*t[0]
	c0 := c00 + (c10-c00)*t[1]
	c1 := c01 + (c11-c01)*t[1]
	return c0 + (c1-c0)*t[2]
}

// GetGradient returns the normalized concentration gradient at pos, using
// central differences half a voxel either side. It points uphill, toward
// higher concentration, opposite to the diffusive flux. A flat field yields
// zero.
func (g *DiffusionGrid) GetGradient(pos geom.Real3) geom.Real3 {
	h := g.p.VoxelSize / 2
	grad := geom.Real3{
		X: g.GetConcentration(geom.Real3{X: pos.X + h, Y: pos.Y, Z: pos.Z}) - g.GetConcentration(geom.Real3{X: pos.X - h, Y: pos.Y, Z: pos.Z}),
		Y: g.GetConcentration(geom.Real3{X: pos.X, Y: pos.Y + h, Z: pos.Z}) - g.GetConcentration(geom.Real3{X: pos.X, Y: pos.Y - h, Z: pos.Z}),
		Z: g.GetConcentration(geom.Real3{X: pos.X, Y: pos.Y, Z: pos.Z + h}) - g.GetConcentration(geom.Real3{X: pos.X, Y: pos.Y, Z: pos.Z - h}),
	}
	return geom.Normalize(grad)
}

// Initialize adds every initializer's value at each node.
func (g *DiffusionGrid) Initialize(inits ...Initializer) {
	r := g.p.Resolution
	h := g.p.VoxelSize
	o := g.p.Origin
	i := 0
	for z := 0; z < r[2]; z++ {
		pz := o.Z + float64(z)*h
		for y := 0; y < r[1]; y++ {
			py := o.Y + float64(y)*h
			for x := 0; x < r[0]; x++ {
				px := o.X + float64(x)*h
				v := g.cur[i]
				for _, init := range inits {
					v += init(px, py, pz)
				}
				if g.p.Threshold > 0 && v > g.p.Threshold {
					v = g.p.Threshold
				}
				g.cur[i] = v
				i++
			}
		}
	}
}

// Update advances the field by dt:
//
//	next = cur + dt*D*lap(cur) - dt*decay*cur
//
// Fixed substances are skipped. dt beyond the stability bound validated at
// construction is a programming error and panics.
func (g *DiffusionGrid) Update(dt float64) {
	if g.Fixed() {
		return
	}
	h2 := g.p.VoxelSize * g.p.VoxelSize
	if dt*g.p.Coefficient/h2 > maxStability*(1+1e-12) || dt*g.p.Decay > 1 {
		panic(fmt.Sprintf("diffusion grid %q: dt %v exceeds the stability bound", g.p.Name, dt))
	}

	a := dt * g.p.Coefficient / h2
	k := dt * g.p.Decay
	thr := g.p.Threshold
	open := g.p.Boundary == BoundaryOpen
	nx, ny, nz := g.p.Resolution[0], g.p.Resolution[1], g.p.Resolution[2]
	nxy := nx * ny
	src, dst := g.cur, g.nxt

	ghost := func(c float64) float64 {
		if open {
			return 0
		}
		return c
	}

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			row := y*nx + z*nxy
			for x := 0; x < nx; x++ {
				i := row + x
				c := src[i]

				var xm, xp, ym, yp, zm, zp float64
				if x > 0 {
					xm = src[i-1]
				} else {
					xm = ghost(c)
				}
				if x < nx-1 {
					xp = src[i+1]
				} else {
					xp = ghost(c)
				}
				if y > 0 {
					ym = src[i-nx]
				} else {
					ym = ghost(c)
				}
				if y < ny-1 {
					yp = src[i+nx]
				} else {
					yp = ghost(c)
				}
				if z > 0 {
					zm = src[i-nxy]
				} else {
					zm = ghost(c)
				}
				if z < nz-1 {
					zp = src[i+nxy]
				} else {
					zp = ghost(c)
				}

				v := c + a*(xm+xp+ym+yp+zm+zp-6*c) - k*c
				if thr > 0 && v > thr {
					v = thr
				}
				dst[i] = v
			}
		}
	}
	g.cur, g.nxt = dst, src
}

// TotalConcentration sums all nodes.
func (g *DiffusionGrid) TotalConcentration() float64 {
	return floats.Sum(g.cur)
}

// MaxConcentration returns the largest node value.
func (g *DiffusionGrid) MaxConcentration() float64 {
	return floats.Max(g.cur)
}

// Clear zeroes the field.
func (g *DiffusionGrid) Clear() {
	clear(g.cur)
	clear(g.nxt)
}

// Snapshot copies the current field.
func (g *DiffusionGrid) Snapshot() DiffusionSnapshot {
	vals := make([]float64, len(g.cur))
	copy(vals, g.cur)
	return DiffusionSnapshot{
		ID:         g.p.ID,
		Name:       g.p.Name,
		Origin:     g.p.Origin,
		VoxelSize:  g.p.VoxelSize,
		Resolution: g.p.Resolution,
		Values:     vals,
	}
}
