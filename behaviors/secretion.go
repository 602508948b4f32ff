package behaviors

import "github.com/pthm-cable/biosim/components"

// Secrete adds Rate units of Substance per unit time at the agent's center.
// A missing substance is ignored.
type Secrete struct {
	Substance string
	Rate      float64
}

var _ components.Inheritable = (*Secrete)(nil)

// Run secretes into the named substance.
func (s *Secrete) Run(env components.Env, a *components.Agent) {
	sub, ok := env.Substance(s.Substance)
	if !ok {
		return
	}
	sub.IncreaseConcentrationBy(a.Position, s.Rate*env.DT())
}

// Inherit shares the (immutable) secretion settings with the daughter.
func (s *Secrete) Inherit() components.Behavior { return s }
