package systems

import (
	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
)

// Displacement returns how far a moves this step under its tractor force
// plus the forces from neighbors. Agents whose net force does not exceed
// their adherence stay put. The result is clamped to maxDisplacement.
func Displacement(a *components.Agent, neighbors []*components.Agent, f Force, dt, maxDisplacement float64) geom.Real3 {
	total := a.TractorForce
	for _, nb := range neighbors {
		if nb.Uid == a.Uid {
			continue
		}
		total = geom.Add(total, f.Force(a, nb))
	}

	if geom.Norm2(total) <= a.Adherence*a.Adherence {
		return geom.Real3{}
	}
	mass := a.Mass()
	if !(mass > 0) {
		return geom.Real3{}
	}
	step := geom.Scale(dt/mass, total)
	if maxDisplacement > 0 {
		step = geom.ClampNorm(step, maxDisplacement)
	}
	return step
}

// BoundSpace clamps pos into box.
func BoundSpace(pos geom.Real3, box geom.Box) geom.Real3 {
	return geom.Clamp(pos, box)
}
