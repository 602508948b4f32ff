package sim

import (
	"slices"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/systems"
	"github.com/pthm-cable/biosim/telemetry"
)

// Snapshot is a read-only copy of the simulation state between steps.
// Agent behavior slices are shared with the live agents and must not be
// modified.
type Snapshot struct {
	Step uint64
	Time float64

	Agents     [components.NumKinds][]components.Agent
	Substances []systems.DiffusionSnapshot

	// Region covered by the spatial grid, or the configured bounds before
	// the first step.
	Bounds geom.Box
}

// Snapshot copies the current state. Call it between steps only.
func (s *Simulation) Snapshot() Snapshot {
	snap := Snapshot{
		Step:   s.sched.Step(),
		Time:   s.sched.SimulatedTime(),
		Bounds: s.cfg.Derived.Bounds,
	}
	if s.grid.Built() {
		snap.Bounds = s.grid.Bounds()
	}
	for k := components.Kind(0); k < components.NumKinds; k++ {
		snap.Agents[k] = slices.Clone(s.rm.GetAll(k))
	}
	s.rm.ForEachDiffusionGrid(func(g *systems.DiffusionGrid) {
		snap.Substances = append(snap.Substances, g.Snapshot())
	})
	return snap
}

// AgentRecords flattens the agents into CSV rows.
func (sn Snapshot) AgentRecords() []telemetry.AgentRecord {
	var n int
	for _, arr := range sn.Agents {
		n += len(arr)
	}
	records := make([]telemetry.AgentRecord, 0, n)
	for _, arr := range sn.Agents {
		for i := range arr {
			a := &arr[i]
			records = append(records, telemetry.AgentRecord{
				Step:     sn.Step,
				Uid:      uint64(a.Uid),
				Kind:     a.Kind.String(),
				X:        a.Position.X,
				Y:        a.Position.Y,
				Z:        a.Position.Z,
				Diameter: a.Diameter,
			})
		}
	}
	return records
}

// Substance returns the named substance's snapshot.
func (sn Snapshot) Substance(name string) (systems.DiffusionSnapshot, bool) {
	i := slices.IndexFunc(sn.Substances, func(d systems.DiffusionSnapshot) bool { return d.Name == name })
	if i < 0 {
		return systems.DiffusionSnapshot{}, false
	}
	return sn.Substances[i], true
}
