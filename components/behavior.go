package components

import (
	"math/rand"

	"github.com/pthm-cable/biosim/geom"
)

// Behavior is user logic attached to an agent and run once per step.
// Behaviors may move their own agent, read and secrete substances, and
// request structural changes through env. They must not touch other agents.
type Behavior interface {
	Run(env Env, a *Agent)
}

// BehaviorFunc adapts a function to the Behavior interface.
type BehaviorFunc func(env Env, a *Agent)

// Run calls f(env, a).
func (f BehaviorFunc) Run(env Env, a *Agent) { f(env, a) }

// Inheritable behaviors are copied to daughters on division.
// Inherit returns the daughter's instance, or nil to drop it.
type Inheritable interface {
	Behavior
	Inherit() Behavior
}

// Substance is the view of a diffusion grid available to behaviors.
type Substance interface {
	IncreaseConcentrationBy(pos geom.Real3, amount float64)
	GetConcentration(pos geom.Real3) float64
	GetGradient(pos geom.Real3) geom.Real3
}

// Neighbor is a read-only view of a nearby agent taken from the spatial
// grid's snapshot for the current step.
type Neighbor struct {
	Uid      Uid
	Kind     Kind
	Position geom.Real3
	Radius   float64 // search radius
	DistSq   float64 // squared distance to the querying agent
}

// Env is everything a running behavior may use. Implementations are bound to
// one worker and one step and must not be retained.
type Env interface {
	Step() uint64
	DT() float64
	Rand() *rand.Rand

	Substance(name string) (Substance, bool)
	SubstanceByID(id int) (Substance, bool)

	// ForEachNeighbor visits agents within the current agent's search radius.
	ForEachNeighbor(fn func(nb Neighbor))
	// Resolve looks up another agent by uid in this step's snapshot.
	// ok is false for removed or unknown agents.
	Resolve(uid Uid) (nb Neighbor, ok bool)

	// EnqueueNew schedules a to be added at commit and returns its uid.
	EnqueueNew(a Agent) Uid
	// EnqueueRemove schedules the agent with uid for removal at commit.
	EnqueueRemove(uid Uid)
}
