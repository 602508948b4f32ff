package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pthm-cable/biosim/telemetry"
)

var (
	// ErrProtectedOp is returned when unscheduling grid sync or commit.
	ErrProtectedOp = errors.New("operation is protected")
	// ErrUnknownOp is returned for operation names that are not scheduled.
	ErrUnknownOp = errors.New("unknown operation")
	// ErrDuplicateOp is returned when scheduling a name twice.
	ErrDuplicateOp = errors.New("operation already scheduled")
)

// OpKind is the pipeline stage an operation belongs to. Stages run in the
// order of their kinds; operations of one kind run in scheduling order.
type OpKind uint8

const (
	OpGridSync OpKind = iota
	OpDisplacement
	OpApplyDisplacement
	OpBoundSpace
	OpBehavior
	OpDiffusion
	OpStandalone
	OpCommit
)

var opKindNames = [...]string{
	OpGridSync:          "grid_sync",
	OpDisplacement:      "displacement",
	OpApplyDisplacement: "apply_displacement",
	OpBoundSpace:        "bound_space",
	OpBehavior:          "behavior",
	OpDiffusion:         "diffusion",
	OpStandalone:        "standalone",
	OpCommit:            "commit",
}

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

// Operation is one scheduled unit of per-step work.
type Operation struct {
	Name      string
	Kind      OpKind
	Frequency int // run when step % Frequency == 0; values below 1 mean every step
	Fn        func(s *Simulation) error
}

func (op *Operation) due(step uint64) bool {
	return op.Frequency <= 1 || step%uint64(op.Frequency) == 0
}

func (op *Operation) protected() bool {
	return op.Kind == OpGridSync || op.Kind == OpCommit
}

// Scheduler drives the operation pipeline one step at a time.
// It is not safe for concurrent use; steps never overlap.
type Scheduler struct {
	sim  *Simulation
	ops  []*Operation
	step uint64
	dt   float64
}

func newScheduler(s *Simulation, dt float64) *Scheduler {
	return &Scheduler{sim: s, dt: dt}
}

// Schedule adds op to the pipeline at the end of its stage.
func (sc *Scheduler) Schedule(op *Operation) error {
	if op == nil || op.Name == "" || op.Fn == nil {
		return fmt.Errorf("schedule: operation needs a name and a function: %w", ErrUnknownOp)
	}
	if sc.find(op.Name) >= 0 {
		return fmt.Errorf("schedule %q: %w", op.Name, ErrDuplicateOp)
	}
	// Insert after the last op of the same or an earlier kind.
	at := len(sc.ops)
	for i, o := range sc.ops {
		if o.Kind > op.Kind {
			at = i
			break
		}
	}
	sc.ops = slices.Insert(sc.ops, at, op)
	return nil
}

// Unschedule removes the named operation. Grid sync and commit cannot be
// removed, nor can their frequency change.
func (sc *Scheduler) Unschedule(name string) error {
	i := sc.find(name)
	if i < 0 {
		return fmt.Errorf("unschedule %q: %w", name, ErrUnknownOp)
	}
	if sc.ops[i].protected() {
		return fmt.Errorf("unschedule %q: %w", name, ErrProtectedOp)
	}
	sc.ops = slices.Delete(sc.ops, i, i+1)
	return nil
}

// SetFrequency changes how often the named operation runs.
func (sc *Scheduler) SetFrequency(name string, freq int) error {
	i := sc.find(name)
	if i < 0 {
		return fmt.Errorf("set frequency %q: %w", name, ErrUnknownOp)
	}
	op := sc.ops[i]
	if op.protected() {
		return fmt.Errorf("set frequency %q: %w", name, ErrProtectedOp)
	}
	if op.Kind == OpDiffusion {
		if err := sc.sim.retimeDiffusion(sc.dt * float64(max(freq, 1))); err != nil {
			return fmt.Errorf("set frequency %q: %w", name, err)
		}
	}
	op.Frequency = freq
	return nil
}

// Op returns the named operation.
func (sc *Scheduler) Op(name string) (*Operation, bool) {
	if i := sc.find(name); i >= 0 {
		return sc.ops[i], true
	}
	return nil, false
}

// Ops returns the scheduled operation names in execution order.
func (sc *Scheduler) Ops() []string {
	names := make([]string, len(sc.ops))
	for i, op := range sc.ops {
		names[i] = op.Name
	}
	return names
}

func (sc *Scheduler) find(name string) int {
	return slices.IndexFunc(sc.ops, func(o *Operation) bool { return o.Name == name })
}

// Step returns the number of completed steps.
func (sc *Scheduler) Step() uint64 { return sc.step }

// SimulatedTime returns completed steps times dt.
func (sc *Scheduler) SimulatedTime() float64 { return float64(sc.step) * sc.dt }

// Simulate runs steps steps. Cancellation is checked between steps only.
func (sc *Scheduler) Simulate(ctx context.Context, steps int) error {
	start := time.Now()
	first := sc.step
	sc.sim.logger.Info("simulation started", "steps", steps, "agents", sc.sim.rm.Count())

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			sc.sim.logger.Info("simulation cancelled", "step", sc.step)
			return err
		}
		if err := sc.runStep(); err != nil {
			return err
		}
	}

	sc.sim.logger.Info("simulation finished",
		"steps", sc.step-first,
		"agents", sc.sim.rm.Count(),
		"sim_time", sc.SimulatedTime(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// SimulateUntil runs steps until exit returns true, checked before every step.
func (sc *Scheduler) SimulateUntil(ctx context.Context, exit func() bool) error {
	for !exit() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sc.runStep(); err != nil {
			return err
		}
	}
	return nil
}

// Run steps until ctx is cancelled and returns ctx.Err().
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.sim.logger.Info("simulation started", "steps", "unbounded", "agents", sc.sim.rm.Count())
	for {
		if err := ctx.Err(); err != nil {
			sc.sim.logger.Info("simulation stopped", "step", sc.step, "sim_time", sc.SimulatedTime())
			return err
		}
		if err := sc.runStep(); err != nil {
			return err
		}
	}
}

func (sc *Scheduler) runStep() error {
	s := sc.sim
	s.perf.StartStep(sc.step)
	for _, op := range sc.ops {
		if !op.due(sc.step) {
			continue
		}
		s.perf.StartOp(op.Name)
		if err := op.Fn(s); err != nil {
			s.perf.EndStep()
			return fmt.Errorf("step %d: %s: %w", sc.step, op.Name, err)
		}
	}
	s.perf.EndStep()
	sc.step++

	s.flushTelemetry()
	if s.stepHook != nil {
		s.stepHook(s)
	}
	return nil
}

// builtinOps returns the fixed pipeline stages in order.
func builtinOps(diffusionFreq int) []*Operation {
	return []*Operation{
		{Name: telemetry.PhaseGridSync, Kind: OpGridSync, Fn: (*Simulation).syncGrid},
		{Name: telemetry.PhaseDisplacement, Kind: OpDisplacement, Fn: (*Simulation).computeDisplacements},
		{Name: telemetry.PhaseApplyDisplacement, Kind: OpApplyDisplacement, Fn: (*Simulation).applyDisplacements},
		{Name: telemetry.PhaseBoundSpace, Kind: OpBoundSpace, Fn: (*Simulation).boundSpace},
		{Name: telemetry.PhaseBehavior, Kind: OpBehavior, Fn: (*Simulation).runBehaviors},
		{Name: telemetry.PhaseDiffusion, Kind: OpDiffusion, Frequency: diffusionFreq, Fn: (*Simulation).updateDiffusion},
		{Name: telemetry.PhaseCommit, Kind: OpCommit, Fn: (*Simulation).commit},
	}
}
