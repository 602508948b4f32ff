package systems

import (
	"math"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
)

// Force computes pairwise mechanical interaction.
type Force interface {
	// Force returns the force exerted on lhs by rhs.
	Force(lhs, rhs *components.Agent) geom.Real3
	// Margin is how far beyond its surface an agent interacts.
	Margin() float64
}

// coincident is the center distance below which two agents are treated as
// sharing a center.
const coincident = 1e-8

// DefaultForce is a soft-sphere law with short-range repulsion and a weaker
// adhesive term:
//
//	f = k*delta - gamma*sqrt(r*delta)
//
// where delta is the overlap of the radii enlarged by the margin and r the
// reduced radius. Cylinders interact through the closest point on their axis.
type DefaultForce struct {
	Repulsion         float64 // k
	Attraction        float64 // gamma
	InteractionMargin float64
}

// NewDefaultForce returns the force with its standard coefficients.
func NewDefaultForce() *DefaultForce {
	return &DefaultForce{Repulsion: 2, Attraction: 1, InteractionMargin: 1.5}
}

// Margin implements Force.
func (f *DefaultForce) Margin() float64 { return f.InteractionMargin }

// Force implements Force.
func (f *DefaultForce) Force(lhs, rhs *components.Agent) geom.Real3 {
	c1, c2 := contactPoints(lhs, rhs)
	r1 := lhs.Radius() + f.InteractionMargin
	r2 := rhs.Radius() + f.InteractionMargin

	d := geom.Sub(c1, c2)
	dist := geom.Norm(d)
	delta := r1 + r2 - dist
	if delta < 0 {
		return geom.Real3{}
	}
	if dist < coincident {
		return separate(lhs.Uid, rhs.Uid, f.Repulsion*delta)
	}

	r := r1 * r2 / (r1 + r2)
	mag := f.Repulsion*delta - f.Attraction*math.Sqrt(r*delta)
	return geom.Scale(mag/dist, d)
}

// SpringForce is a purely repulsive linear spring on the overlap, capped at
// MaxForce.
type SpringForce struct {
	Stiffness         float64
	MaxForce          float64
	InteractionMargin float64
}

// Margin implements Force.
func (f *SpringForce) Margin() float64 { return f.InteractionMargin }

// Force implements Force.
func (f *SpringForce) Force(lhs, rhs *components.Agent) geom.Real3 {
	c1, c2 := contactPoints(lhs, rhs)
	d := geom.Sub(c1, c2)
	dist := geom.Norm(d)
	delta := lhs.Radius() + rhs.Radius() + 2*f.InteractionMargin - dist
	if delta <= 0 {
		return geom.Real3{}
	}
	mag := f.Stiffness * delta
	if f.MaxForce > 0 && mag > f.MaxForce {
		mag = f.MaxForce
	}
	if dist < coincident {
		return separate(lhs.Uid, rhs.Uid, mag)
	}
	return geom.Scale(mag/dist, d)
}

// contactPoints returns the points on each agent treated as sphere centers.
// Spheres use their center; cylinders the point on their axis closest to
// the other agent.
func contactPoints(lhs, rhs *components.Agent) (geom.Real3, geom.Real3) {
	c1, c2 := lhs.Position, rhs.Position
	if rhs.Shape == components.ShapeCylinder {
		a, b := rhs.Endpoints()
		c2 = geom.ClosestPointOnSegment(c1, a, b)
	}
	if lhs.Shape == components.ShapeCylinder {
		a, b := lhs.Endpoints()
		c1 = geom.ClosestPointOnSegment(c2, a, b)
		if rhs.Shape == components.ShapeCylinder {
			// One refinement step towards the closest pair of axis points.
			ra, rb := rhs.Endpoints()
			c2 = geom.ClosestPointOnSegment(c1, ra, rb)
		}
	}
	return c1, c2
}

// separate pushes agents sharing a center apart along x. The direction is
// decided by uid so each pair receives opposite forces.
func separate(lhs, rhs components.Uid, mag float64) geom.Real3 {
	if lhs < rhs {
		mag = -mag
	}
	return geom.Real3{X: mag}
}
