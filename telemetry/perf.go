package telemetry

import (
	"log/slog"
	"slices"
	"time"
)

// Phase names for the built-in pipeline stages. Scheduled operations use
// these as their names, so perf samples are keyed the same way.
const (
	PhaseGridSync          = "grid_sync"
	PhaseDisplacement      = "displacement"
	PhaseApplyDisplacement = "apply_displacement"
	PhaseBoundSpace        = "bound_space"
	PhaseBehavior          = "behavior"
	PhaseDiffusion         = "diffusion"
	PhaseCommit            = "commit"
)

// Phases lists the built-in stages in pipeline order.
var Phases = []string{
	PhaseGridSync, PhaseDisplacement, PhaseApplyDisplacement, PhaseBoundSpace,
	PhaseBehavior, PhaseDiffusion, PhaseCommit,
}

// PerfSample holds the timings of one step. Ops has an entry for every
// operation that ran; operations skipped by their frequency are absent.
type PerfSample struct {
	Step         uint64
	StepDuration time.Duration
	Ops          map[string]time.Duration
}

// PerfCollector tracks per-operation timings over a rolling window of steps.
// It is used from the scheduler goroutine only.
type PerfCollector struct {
	windowSize  int
	samples     []PerfSample
	writeIndex  int
	sampleCount int
	current     PerfSample
	stepStart   time.Time
	opStart     time.Time
	op          string
	last        PerfSample
}

// NewPerfCollector creates a collector averaging over windowSize steps.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 100
	}
	return &PerfCollector{
		windowSize: windowSize,
		samples:    make([]PerfSample, windowSize),
	}
}

// StartStep begins timing the given simulation step.
func (p *PerfCollector) StartStep(step uint64) {
	p.stepStart = time.Now()
	p.current = PerfSample{Step: step, Ops: make(map[string]time.Duration)}
	p.op = ""
}

// StartOp begins timing an operation, ending the previous one.
func (p *PerfCollector) StartOp(name string) {
	now := time.Now()
	p.endOp(now)
	p.opStart = now
	p.op = name
}

func (p *PerfCollector) endOp(now time.Time) {
	if p.op != "" {
		p.current.Ops[p.op] += now.Sub(p.opStart)
	}
}

// EndStep finishes timing the current step and records the sample.
func (p *PerfCollector) EndStep() {
	now := time.Now()
	p.endOp(now)
	p.op = ""

	p.current.StepDuration = now.Sub(p.stepStart)
	p.last = p.current

	p.samples[p.writeIndex] = p.current
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
}

// Last returns the most recently recorded sample.
func (p *PerfCollector) Last() PerfSample { return p.last }

// OpStats summarizes one operation over the window.
type OpStats struct {
	Runs    int           // steps in the window the operation ran
	PerRun  time.Duration // mean cost of a run
	PerStep time.Duration // cost amortized over every step in the window
	Share   float64       // percent of total step time
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	Steps           int
	AvgStepDuration time.Duration
	MinStepDuration time.Duration
	MaxStepDuration time.Duration
	StepsPerSecond  float64
	Ops             map[string]OpStats
}

// Stats computes aggregated statistics over the current window. An
// operation running every k-th step reports about Steps/k runs, its true
// per-run cost, and a per-step cost about k times smaller.
func (p *PerfCollector) Stats() PerfStats {
	st := PerfStats{Steps: p.sampleCount, Ops: make(map[string]OpStats)}
	if p.sampleCount == 0 {
		return st
	}

	var total time.Duration
	sums := make(map[string]time.Duration)
	runs := make(map[string]int)
	for i, s := range p.samples[:p.sampleCount] {
		total += s.StepDuration
		if i == 0 || s.StepDuration < st.MinStepDuration {
			st.MinStepDuration = s.StepDuration
		}
		st.MaxStepDuration = max(st.MaxStepDuration, s.StepDuration)
		for name, d := range s.Ops {
			sums[name] += d
			runs[name]++
		}
	}

	st.AvgStepDuration = total / time.Duration(p.sampleCount)
	if st.AvgStepDuration > 0 {
		st.StepsPerSecond = float64(time.Second) / float64(st.AvgStepDuration)
	}
	for name, sum := range sums {
		o := OpStats{
			Runs:    runs[name],
			PerRun:  sum / time.Duration(runs[name]),
			PerStep: sum / time.Duration(p.sampleCount),
		}
		if total > 0 {
			o.Share = float64(sum) / float64(total) * 100
		}
		st.Ops[name] = o
	}
	return st
}

// LogStats logs the window at info level: the share of each built-in
// stage, plus run count and per-run cost for stages that skipped steps.
func (s PerfStats) LogStats(logger *slog.Logger) {
	attrs := []any{
		"avg_step_us", s.AvgStepDuration.Microseconds(),
		"min_step_us", s.MinStepDuration.Microseconds(),
		"max_step_us", s.MaxStepDuration.Microseconds(),
		"steps_per_sec", int(s.StepsPerSecond),
	}

	for _, name := range Phases {
		o, ok := s.Ops[name]
		if !ok {
			continue
		}
		if o.Share > 0.1 {
			attrs = append(attrs, name+"_pct", int(o.Share*10)/10.0)
		}
		if o.Runs < s.Steps {
			attrs = append(attrs, name+"_runs", o.Runs, name+"_run_us", o.PerRun.Microseconds())
		}
	}
	if st := s.standalone(); st.Share > 0.1 {
		attrs = append(attrs, "standalone_pct", int(st.Share*10)/10.0)
	}

	logger.Info("perf", attrs...)
}

// standalone sums operations that are not built-in stages.
func (s PerfStats) standalone() OpStats {
	var sum OpStats
	for name, o := range s.Ops {
		if slices.Contains(Phases, name) {
			continue
		}
		sum.Runs += o.Runs
		sum.PerStep += o.PerStep
		sum.Share += o.Share
	}
	return sum
}

// LogValue implements slog.LogValuer, one group per operation.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("steps", s.Steps),
		slog.Int64("avg_step_us", s.AvgStepDuration.Microseconds()),
		slog.Float64("steps_per_sec", s.StepsPerSecond),
	}
	for name, o := range s.Ops {
		attrs = append(attrs, slog.Group(name,
			slog.Int("runs", o.Runs),
			slog.Int64("run_us", o.PerRun.Microseconds()),
			slog.Float64("pct", o.Share),
		))
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat row for perf.csv.
type PerfStatsCSV struct {
	WindowEnd            uint64  `csv:"window_end"`
	Steps                int     `csv:"steps"`
	AvgStepUS            int64   `csv:"avg_step_us"`
	MinStepUS            int64   `csv:"min_step_us"`
	MaxStepUS            int64   `csv:"max_step_us"`
	StepsPerSec          float64 `csv:"steps_per_sec"`
	GridSyncPct          float64 `csv:"grid_sync_pct"`
	DisplacementPct      float64 `csv:"displacement_pct"`
	ApplyDisplacementPct float64 `csv:"apply_displacement_pct"`
	BoundSpacePct        float64 `csv:"bound_space_pct"`
	BehaviorPct          float64 `csv:"behavior_pct"`
	DiffusionPct         float64 `csv:"diffusion_pct"`
	DiffusionRuns        int     `csv:"diffusion_runs"`
	DiffusionRunUS       int64   `csv:"diffusion_run_us"`
	StandalonePct        float64 `csv:"standalone_pct"`
	CommitPct            float64 `csv:"commit_pct"`
}

// ToCSV flattens the stats for the window ending at windowEnd.
func (s PerfStats) ToCSV(windowEnd uint64) PerfStatsCSV {
	diff := s.Ops[PhaseDiffusion]
	return PerfStatsCSV{
		WindowEnd:            windowEnd,
		Steps:                s.Steps,
		AvgStepUS:            s.AvgStepDuration.Microseconds(),
		MinStepUS:            s.MinStepDuration.Microseconds(),
		MaxStepUS:            s.MaxStepDuration.Microseconds(),
		StepsPerSec:          s.StepsPerSecond,
		GridSyncPct:          s.Ops[PhaseGridSync].Share,
		DisplacementPct:      s.Ops[PhaseDisplacement].Share,
		ApplyDisplacementPct: s.Ops[PhaseApplyDisplacement].Share,
		BoundSpacePct:        s.Ops[PhaseBoundSpace].Share,
		BehaviorPct:          s.Ops[PhaseBehavior].Share,
		DiffusionPct:         diff.Share,
		DiffusionRuns:        diff.Runs,
		DiffusionRunUS:       diff.PerRun.Microseconds(),
		StandalonePct:        s.standalone().Share,
		CommitPct:            s.Ops[PhaseCommit].Share,
	}
}
