package behaviors

import "github.com/pthm-cable/biosim/components"

// RemoveWhen removes its agent at the next commit once Cond holds.
type RemoveWhen struct {
	Cond func(env components.Env, a *components.Agent) bool
}

var _ components.Inheritable = (*RemoveWhen)(nil)

// Run enqueues a's removal if Cond reports true.
func (r *RemoveWhen) Run(env components.Env, a *components.Agent) {
	if r.Cond != nil && r.Cond(env, a) {
		env.EnqueueRemove(a.Uid)
	}
}

// Inherit shares the condition with the daughter.
func (r *RemoveWhen) Inherit() components.Behavior { return r }

// SmallerThan holds once the agent's diameter drops below d.
func SmallerThan(d float64) func(components.Env, *components.Agent) bool {
	return func(_ components.Env, a *components.Agent) bool {
		return a.Diameter < d
	}
}

// WithProbability holds with probability p per step, drawn from the
// worker's random source.
func WithProbability(p float64) func(components.Env, *components.Agent) bool {
	return func(env components.Env, _ *components.Agent) bool {
		return env.Rand().Float64() < p
	}
}

// FromStep holds from the given step on.
func FromStep(step uint64) func(components.Env, *components.Agent) bool {
	return func(env components.Env, _ *components.Agent) bool {
		return env.Step() >= step
	}
}
