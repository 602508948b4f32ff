// Package behaviors provides generic agent behaviors built only on the
// components.Behavior interface.
package behaviors

import (
	"math"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
)

// GrowDivide grows a cell by GrowthRate volume per unit time until its
// diameter reaches DivisionDiameter, then divides it along a random axis.
type GrowDivide struct {
	GrowthRate       float64
	DivisionDiameter float64
	Ratio            float64 // daughter/mother volume; 0 means 1
}

var _ components.Inheritable = (*GrowDivide)(nil)

// Run grows or divides a.
func (g *GrowDivide) Run(env components.Env, a *components.Agent) {
	if a.Diameter < g.DivisionDiameter {
		a.ChangeVolume(g.GrowthRate * env.DT())
		return
	}
	daughter := a.Divide(g.Ratio, RandomDirection(env))
	env.EnqueueNew(daughter)
}

// Inherit gives the daughter its own copy.
func (g *GrowDivide) Inherit() components.Behavior {
	c := *g
	return &c
}

// RandomDirection returns a unit vector uniformly distributed on the sphere.
func RandomDirection(env components.Env) geom.Real3 {
	rng := env.Rand()
	z := 2*rng.Float64() - 1
	phi := 2 * math.Pi * rng.Float64()
	r := math.Sqrt(1 - z*z)
	return geom.Real3{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z}
}
