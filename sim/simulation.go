// Package sim ties the agent store, spatial grid, diffusion grids and force
// model together into a stepped simulation.
package sim

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/pthm-cable/biosim/config"
	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/store"
	"github.com/pthm-cable/biosim/systems"
	"github.com/pthm-cable/biosim/telemetry"
)

// LevelTrace is below slog.LevelDebug and used for per-step detail.
const LevelTrace = slog.LevelDebug - 4

// Simulation holds the complete simulation state. Nothing is global: every
// component reaches the others through this value.
type Simulation struct {
	cfg    *config.Config
	logger *slog.Logger

	rm    *store.ResourceManager
	grid  *systems.UniformGrid
	force systems.Force
	sched *Scheduler
	pool  *workerPool

	// Per-step state
	frame         frame
	displacements []geom.Real3
	gridStale     bool

	// Telemetry
	perf      *telemetry.PerfCollector
	collector *telemetry.Collector
	bookmarks *telemetry.BookmarkDetector
	output    *telemetry.OutputManager
	ownOutput bool

	stepHook func(s *Simulation)
}

// Option configures a Simulation.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	force    systems.Force
	workers  int
	stepHook func(s *Simulation)
	output   *telemetry.OutputManager
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithForce replaces the force model selected in the config.
func WithForce(f systems.Force) Option {
	return func(o *options) { o.force = f }
}

// WithWorkers overrides the configured worker count.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithStepHook registers fn to run after every completed step.
func WithStepHook(fn func(s *Simulation)) Option {
	return func(o *options) { o.stepHook = fn }
}

// WithOutput writes telemetry to om instead of the configured output dir.
// The caller keeps ownership of om.
func WithOutput(om *telemetry.OutputManager) Option {
	return func(o *options) { o.output = om }
}

// New validates cfg and builds a ready-to-run simulation with no agents.
func New(cfg *config.Config, opts ...Option) (*Simulation, error) {
	cfg.Recompute()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workers := cfg.Derived.Workers
	if o.workers > 0 {
		workers = o.workers
	}

	s := &Simulation{
		cfg:       cfg,
		logger:    o.logger,
		rm:        store.New(),
		force:     o.force,
		pool:      newWorkerPool(workers, cfg.Simulation.ParallelThreshold, cfg.Simulation.Seed),
		perf:      telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
		collector: telemetry.NewCollector(cfg.Telemetry.LogInterval, cfg.Simulation.DT),
		bookmarks: telemetry.NewBookmarkDetector(10),
		output:    o.output,
		stepHook:  o.stepHook,
	}
	if s.force == nil {
		s.force = forceFromConfig(cfg.Force)
	}

	grid, err := systems.NewUniformGrid(cfg.Simulation.MinBoxLength)
	if err != nil {
		return nil, fmt.Errorf("creating uniform grid: %w", err)
	}
	grid.SetBound(cfg.Derived.Bounds)
	s.grid = grid

	diffusionFreq := cfg.DiffusionFrequency()
	if err := s.addSubstances(cfg.Simulation.DT * float64(diffusionFreq)); err != nil {
		return nil, err
	}

	s.sched = newScheduler(s, cfg.Simulation.DT)
	for _, op := range builtinOps(diffusionFreq) {
		if err := s.sched.Schedule(op); err != nil {
			return nil, err
		}
	}
	if !cfg.Bounds.Enabled {
		if err := s.sched.Unschedule(telemetry.PhaseBoundSpace); err != nil {
			return nil, err
		}
	}
	if err := s.applySchedule(cfg.Schedule); err != nil {
		return nil, err
	}

	if s.output == nil && cfg.Telemetry.OutputDir != "" {
		om, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir, cfg.Telemetry.Compress)
		if err != nil {
			return nil, err
		}
		if err := om.WriteConfig(cfg); err != nil {
			_ = om.Close()
			return nil, fmt.Errorf("writing config snapshot: %w", err)
		}
		s.output = om
		s.ownOutput = true
	}

	s.logger.Info("simulation created",
		"dt", cfg.Simulation.DT,
		"workers", workers,
		"force", cfg.Force.Model,
		"substances", s.rm.NumDiffusionGrids(),
		"boundary", cfg.Diffusion.Boundary,
		"bounds_enabled", cfg.Bounds.Enabled,
		"ops", s.sched.Ops(),
	)
	return s, nil
}

// applySchedule applies configured frequencies and removals. Frequencies of
// diffusion were already folded into the substances' timestep.
func (s *Simulation) applySchedule(sc config.ScheduleConfig) error {
	for name, freq := range sc.Frequencies {
		if name == telemetry.PhaseDiffusion {
			continue
		}
		if err := s.sched.SetFrequency(name, freq); err != nil {
			return fmt.Errorf("schedule.frequencies: %w", err)
		}
	}
	for _, name := range sc.Unschedule {
		if err := s.sched.Unschedule(name); err != nil {
			return fmt.Errorf("schedule.unschedule: %w", err)
		}
	}
	return nil
}

func forceFromConfig(fc config.ForceConfig) systems.Force {
	if fc.Model == "spring" {
		return &systems.SpringForce{
			Stiffness:         fc.Repulsion,
			MaxForce:          fc.MaxForce,
			InteractionMargin: fc.InteractionMargin,
		}
	}
	return &systems.DefaultForce{
		Repulsion:         fc.Repulsion,
		Attraction:        fc.Attraction,
		InteractionMargin: fc.InteractionMargin,
	}
}

// Resources returns the agent store.
func (s *Simulation) Resources() *store.ResourceManager { return s.rm }

// Grid returns the spatial grid.
func (s *Simulation) Grid() *systems.UniformGrid { return s.grid }

// Scheduler returns the operation scheduler.
func (s *Simulation) Scheduler() *Scheduler { return s.sched }

// Config returns the configuration the simulation was built with.
func (s *Simulation) Config() *config.Config { return s.cfg }

// Logger returns the simulation's logger.
func (s *Simulation) Logger() *slog.Logger { return s.logger }

// Perf returns the per-operation timing collector.
func (s *Simulation) Perf() *telemetry.PerfCollector { return s.perf }

// Force returns the force model.
func (s *Simulation) Force() systems.Force { return s.force }

// Close stops the worker pool, dumps the final population and closes
// output files the simulation opened itself.
func (s *Simulation) Close() error {
	s.pool.stop()
	if s.output == nil {
		return nil
	}
	snap := s.Snapshot()
	err := s.output.WriteAgents(snap.Step, snap.AgentRecords())
	if s.ownOutput {
		if cerr := s.output.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
