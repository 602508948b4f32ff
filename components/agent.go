// Package components defines the agent record and the interfaces behaviors use
// to interact with the running simulation.
package components

import (
	"math"

	"github.com/pthm-cable/biosim/geom"
)

// Uid is a stable agent identifier. Uids are never reused; zero is invalid.
type Uid uint64

// InvalidUid is the zero Uid, never assigned to an agent.
const InvalidUid Uid = 0

// Kind tags the concrete agent type. Agents of one kind share a contiguous array.
type Kind uint8

const (
	KindCell Kind = iota
	KindNeurite

	// NumKinds is the number of agent kinds.
	NumKinds
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindCell:
		return "cell"
	case KindNeurite:
		return "neurite"
	default:
		return "unknown"
	}
}

// Shape is the geometric model used by the force law.
type Shape uint8

const (
	ShapeSphere Shape = iota
	ShapeCylinder
)

// Agent is one simulated entity.
// For cylinders Position is the segment midpoint and SpringAxis spans the
// segment from the proximal to the distal end.
type Agent struct {
	Uid   Uid
	Kind  Kind
	Shape Shape

	Position     geom.Real3
	Diameter     float64
	Adherence    float64 // minimum force magnitude needed to move
	Density      float64
	TractorForce geom.Real3 // self-propulsion, added to neighbor forces
	SpringAxis   geom.Real3

	Behaviors []Behavior
}

// NewCell returns a spherical cell with unit density.
func NewCell(pos geom.Real3, diameter float64) Agent {
	return Agent{
		Kind:     KindCell,
		Shape:    ShapeSphere,
		Position: pos,
		Diameter: diameter,
		Density:  1,
	}
}

// NewNeuriteSegment returns a cylinder between proximal and distal.
func NewNeuriteSegment(proximal, distal geom.Real3, diameter float64) Agent {
	axis := geom.Sub(distal, proximal)
	return Agent{
		Kind:       KindNeurite,
		Shape:      ShapeCylinder,
		Position:   geom.Add(proximal, geom.Scale(0.5, axis)),
		Diameter:   diameter,
		Density:    1,
		SpringAxis: axis,
	}
}

// Radius returns half the diameter.
func (a *Agent) Radius() float64 { return a.Diameter / 2 }

// Length returns the cylinder length; zero for spheres.
func (a *Agent) Length() float64 {
	if a.Shape != ShapeCylinder {
		return 0
	}
	return geom.Norm(a.SpringAxis)
}

// Endpoints returns the proximal and distal ends of a cylinder.
// For spheres both ends are the center.
func (a *Agent) Endpoints() (proximal, distal geom.Real3) {
	if a.Shape != ShapeCylinder {
		return a.Position, a.Position
	}
	half := geom.Scale(0.5, a.SpringAxis)
	return geom.Sub(a.Position, half), geom.Add(a.Position, half)
}

// Extent is the largest linear size of the agent.
func (a *Agent) Extent() float64 {
	return a.Diameter + a.Length()
}

// SearchRadius is the center distance within which this agent can interact
// with any agent no larger than itself, given the force model's margin.
func (a *Agent) SearchRadius(margin float64) float64 {
	return a.Extent() + 2*margin
}

// Volume returns the sphere or cylinder volume.
func (a *Agent) Volume() float64 {
	if a.Shape == ShapeCylinder {
		r := a.Radius()
		return math.Pi * r * r * a.Length()
	}
	return math.Pi / 6 * a.Diameter * a.Diameter * a.Diameter
}

// Mass returns density * volume.
func (a *Agent) Mass() float64 {
	return a.Density * a.Volume()
}

// ChangeVolume adds delta to the volume and updates the diameter.
// The volume never drops below zero.
func (a *Agent) ChangeVolume(delta float64) {
	v := a.Volume() + delta
	if v < 0 {
		v = 0
	}
	a.setVolume(v)
}

func (a *Agent) setVolume(v float64) {
	if a.Shape == ShapeCylinder {
		l := a.Length()
		if l == 0 {
			return
		}
		a.Diameter = 2 * math.Sqrt(v/(math.Pi*l))
		return
	}
	a.Diameter = math.Cbrt(6 * v / math.Pi)
}

// Divide splits a spherical agent into itself and a daughter.
// ratio is daughter volume over mother volume after division, dir the
// division axis. The mother is modified in place and moved away from the
// daughter so the center of mass stays put. The returned daughter has no Uid;
// behaviors are carried over only when they implement Inheritable.
func (a *Agent) Divide(ratio float64, dir geom.Real3) Agent {
	if ratio <= 0 {
		ratio = 1
	}
	axis := geom.Normalize(dir)
	if axis == (geom.Real3{}) {
		axis = geom.Real3{X: 1}
	}

	total := a.Volume()
	motherVol := total / (1 + ratio)
	daughterVol := total - motherVol

	daughter := *a
	daughter.Uid = InvalidUid
	daughter.Behaviors = nil
	a.setVolume(motherVol)
	daughter.setVolume(daughterVol)

	// Separate by the larger radius; mechanics resolves the remaining overlap.
	if total > 0 {
		sep := math.Max(a.Radius(), daughter.Radius())
		center := a.Position
		a.Position = geom.Sub(center, geom.Scale(sep*daughterVol/total, axis))
		daughter.Position = geom.Add(center, geom.Scale(sep*motherVol/total, axis))
	}

	for _, b := range a.Behaviors {
		if inh, ok := b.(Inheritable); ok {
			if nb := inh.Inherit(); nb != nil {
				daughter.Behaviors = append(daughter.Behaviors, nb)
			}
		}
	}
	return daughter
}

// AddBehavior appends b to the agent's behaviors.
func (a *Agent) AddBehavior(b Behavior) {
	a.Behaviors = append(a.Behaviors, b)
}
