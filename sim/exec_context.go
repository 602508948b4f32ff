package sim

import (
	"math/rand"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
)

// ExecContext is the environment handed to behaviors. One instance lives in
// each worker's scratch and is rebound for every agent; behaviors must not
// retain it past Run.
type ExecContext struct {
	s       *Simulation
	scratch *workerScratch
	idx     int // flat index of the running agent
}

var _ components.Env = (*ExecContext)(nil)

func (c *ExecContext) bind(s *Simulation, scratch *workerScratch, idx int) {
	c.s = s
	c.scratch = scratch
	c.idx = idx
}

// Step returns the index of the step being executed.
func (c *ExecContext) Step() uint64 { return c.s.sched.step }

// DT returns the simulated time per step.
func (c *ExecContext) DT() float64 { return c.s.cfg.Simulation.DT }

// Rand returns the worker's random source.
func (c *ExecContext) Rand() *rand.Rand { return c.scratch.rng }

// Substance looks up a diffusion grid by name.
func (c *ExecContext) Substance(name string) (components.Substance, bool) {
	g, ok := c.s.rm.DiffusionGridByName(name)
	if !ok {
		return nil, false
	}
	return g, true
}

// SubstanceByID looks up a diffusion grid by substance id.
func (c *ExecContext) SubstanceByID(id int) (components.Substance, bool) {
	g, ok := c.s.rm.DiffusionGrid(id)
	if !ok {
		return nil, false
	}
	return g, true
}

// ForEachNeighbor visits agents within the running agent's search radius,
// measured on this step's frame.
func (c *ExecContext) ForEachNeighbor(fn func(nb components.Neighbor)) {
	f := &c.s.frame
	p := f.positions[c.idx]
	r := f.radii[c.idx]
	rSq := r * r
	reach := c.s.grid.BoxLength()

	c.s.grid.ForEachNeighborWithinRadius(c.idx, reach*reach, func(j int, _ float64) {
		d := geom.SquaredDistance(p, f.positions[j])
		if d > rSq {
			return
		}
		fn(c.neighbor(j, d))
	})
}

// Resolve looks up another agent in this step's frame.
func (c *ExecContext) Resolve(uid components.Uid) (components.Neighbor, bool) {
	h, ok := c.s.rm.Handle(uid)
	if !ok {
		return components.Neighbor{}, false
	}
	j := c.s.rm.Offset(h.Kind) + h.Index
	f := &c.s.frame
	if j >= len(f.uids) || f.uids[j] != uid {
		return components.Neighbor{}, false
	}
	return c.neighbor(j, geom.SquaredDistance(f.positions[c.idx], f.positions[j])), true
}

func (c *ExecContext) neighbor(j int, distSq float64) components.Neighbor {
	f := &c.s.frame
	return components.Neighbor{
		Uid:      f.uids[j],
		Kind:     f.kinds[j],
		Position: f.positions[j],
		Radius:   f.radii[j],
		DistSq:   distSq,
	}
}

// EnqueueNew allocates a's uid now and inserts it at commit.
func (c *ExecContext) EnqueueNew(a components.Agent) components.Uid {
	a.Uid = c.s.rm.AllocateUid()
	c.scratch.newAgents = append(c.scratch.newAgents, a)
	return a.Uid
}

// EnqueueRemove schedules uid for removal at commit.
func (c *ExecContext) EnqueueRemove(uid components.Uid) {
	c.scratch.removals = append(c.scratch.removals, uid)
}
