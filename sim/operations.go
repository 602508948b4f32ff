package sim

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/store"
	"github.com/pthm-cable/biosim/systems"
	"github.com/pthm-cable/biosim/telemetry"
)

// frame is the read-only per-step view of the population, indexed by flat
// store index. It is refreshed at grid sync and stays valid until commit.
type frame struct {
	uids      []components.Uid
	kinds     []components.Kind
	positions []geom.Real3
	radii     []float64 // search radii
	gridRadii []float64 // search radii padded by the rebuild tolerance
}

// syncGrid refreshes the frame and rebuilds the grid if agents moved beyond
// tolerance, grew past the box length, or the population changed.
func (s *Simulation) syncGrid() error {
	n := s.rm.Count()
	f := &s.frame
	margin := s.force.Margin()
	pad := 2 * s.cfg.Simulation.GridTolerance

	reordered := len(f.uids) != n
	f.uids = resize(f.uids, n)
	f.kinds = resize(f.kinds, n)
	f.positions = resize(f.positions, n)
	f.radii = resize(f.radii, n)
	f.gridRadii = resize(f.gridRadii, n)

	for i := 0; i < n; i++ {
		a, h := s.rm.At(i)
		if f.uids[i] != a.Uid {
			reordered = true
		}
		f.uids[i] = a.Uid
		f.kinds[i] = h.Kind
		f.positions[i] = a.Position
		f.radii[i] = a.SearchRadius(margin)
		f.gridRadii[i] = f.radii[i] + pad
	}

	if s.gridStale || reordered || s.grid.NeedsRebuild(f.positions, f.gridRadii, s.cfg.Simulation.GridTolerance) {
		s.grid.Rebuild(f.positions, f.gridRadii)
		s.gridStale = false
		s.logger.Log(context.Background(), LevelTrace, "grid rebuilt",
			"step", s.sched.step,
			"agents", n,
			"box_length", s.grid.BoxLength(),
			"boxes", s.grid.NumBoxes(),
			"grown", s.grid.HasGrown(),
		)
	}
	return nil
}

// computeDisplacements fills s.displacements from neighbor forces. Agents
// are not moved here, so every worker sees the same positions.
func (s *Simulation) computeDisplacements() error {
	n := len(s.frame.uids)
	s.displacements = resize(s.displacements, n)
	s.pool.run(s, passDisplacement, n)
	return nil
}

func (s *Simulation) displaceChunk(i0, i1 int, scratch *workerScratch) {
	dt := s.cfg.Simulation.DT
	maxDisp := s.cfg.Simulation.MaxDisplacement
	reach := s.grid.BoxLength()
	reachSq := reach * reach

	for i := i0; i < i1; i++ {
		a, _ := s.rm.At(i)
		scratch.agents = scratch.agents[:0]
		s.grid.ForEachNeighborWithinRadius(i, reachSq, func(j int, _ float64) {
			nb, _ := s.rm.At(j)
			scratch.agents = append(scratch.agents, nb)
		})
		s.displacements[i] = systems.Displacement(a, scratch.agents, s.force, dt, maxDisp)
	}
}

func (s *Simulation) applyDisplacements() error {
	for i, d := range s.displacements {
		if d == (geom.Real3{}) {
			continue
		}
		a, _ := s.rm.At(i)
		a.Position = geom.Add(a.Position, d)
	}
	clear(s.displacements)
	return nil
}

func (s *Simulation) boundSpace() error {
	box := s.cfg.Derived.Bounds
	s.rm.ForEach(func(_ store.Handle, a *components.Agent) {
		a.Position = systems.BoundSpace(a.Position, box)
	}, nil)
	return nil
}

func (s *Simulation) runBehaviors() error {
	s.pool.run(s, passBehavior, len(s.frame.uids))
	return nil
}

func (s *Simulation) behaviorChunk(i0, i1 int, scratch *workerScratch) {
	ctx := &scratch.ctx
	for i := i0; i < i1; i++ {
		a, _ := s.rm.At(i)
		ctx.bind(s, scratch, i)
		for _, b := range a.Behaviors {
			b.Run(ctx, a)
		}
	}
}

// updateDiffusion advances every substance concurrently by the time elapsed
// since the operation last ran.
func (s *Simulation) updateDiffusion() error {
	dt := s.diffusionDT()
	var g errgroup.Group
	g.SetLimit(s.pool.numWorkers)
	s.rm.ForEachDiffusionGrid(func(dg *systems.DiffusionGrid) {
		g.Go(func() error {
			dg.Update(dt)
			return nil
		})
	})
	return g.Wait()
}

func (s *Simulation) diffusionDT() float64 {
	freq := 1
	if op, ok := s.sched.Op(telemetry.PhaseDiffusion); ok && op.Frequency > 1 {
		freq = op.Frequency
	}
	return s.cfg.Simulation.DT * float64(freq)
}

// retimeDiffusion applies a new diffusion timestep to every grid. All grids
// are checked first, so an error leaves every timestep unchanged.
func (s *Simulation) retimeDiffusion(dt float64) error {
	var errs []error
	s.rm.ForEachDiffusionGrid(func(dg *systems.DiffusionGrid) {
		p := dg.Params()
		if err := p.Validate(dt); err != nil {
			errs = append(errs, err)
		}
	})
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.rm.ForEachDiffusionGrid(func(dg *systems.DiffusionGrid) {
		if err := dg.SetTimestep(dt); err != nil {
			panic(fmt.Sprintf("substance %q: timestep %v rejected after validation: %v", dg.Name(), dt, err))
		}
	})
	return nil
}

func (s *Simulation) commit() error {
	remap := s.rm.Commit()
	if len(remap.Added) == 0 && len(remap.Removed) == 0 {
		return nil
	}
	s.displacements = s.displacements[:0]
	s.collector.RecordBirths(len(remap.Added))
	s.collector.RecordDeaths(len(remap.Removed))
	s.gridStale = true
	return nil
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return append(s[:cap(s)], make([]T, n-cap(s))...)[:n]
	}
	return s[:n]
}
