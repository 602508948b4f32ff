// Package config provides configuration loading and validation for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/systems"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all simulation configuration parameters.
type Config struct {
	Simulation SimulationConfig  `yaml:"simulation"`
	Bounds     BoundsConfig      `yaml:"bounds"`
	Force      ForceConfig       `yaml:"force"`
	Diffusion  DiffusionConfig   `yaml:"diffusion"`
	Substances []SubstanceConfig `yaml:"substances"`
	Schedule   ScheduleConfig    `yaml:"schedule"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Population PopulationConfig  `yaml:"population"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// SimulationConfig holds stepping and parallelism parameters.
type SimulationConfig struct {
	Steps             int     `yaml:"steps"`              // steps for `biosim run`, 0 = until interrupted
	DT                float64 `yaml:"dt"`                 // simulated time per step
	Seed              int64   `yaml:"seed"`               // base seed for per-worker RNGs
	Workers           int     `yaml:"workers"`            // 0 = GOMAXPROCS
	ParallelThreshold int     `yaml:"parallel_threshold"` // below this many agents passes run inline
	MaxDisplacement   float64 `yaml:"max_displacement"`   // per-step movement cap
	GridTolerance     float64 `yaml:"grid_tolerance"`     // movement that forces a grid rebuild
	MinBoxLength      float64 `yaml:"min_box_length"`     // lower bound on grid box length
}

// BoundsConfig describes the simulation space.
type BoundsConfig struct {
	Enabled bool       `yaml:"enabled"` // clamp agent positions every step
	Min     [3]float64 `yaml:"min"`
	Max     [3]float64 `yaml:"max"`
}

// ForceConfig selects and parameterizes the pairwise force.
type ForceConfig struct {
	Model             string  `yaml:"model"` // "default" or "spring"
	Repulsion         float64 `yaml:"repulsion"`
	Attraction        float64 `yaml:"attraction"`
	InteractionMargin float64 `yaml:"interaction_margin"`
	MaxForce          float64 `yaml:"max_force"` // spring model only
}

// DiffusionConfig holds settings shared by all substances.
type DiffusionConfig struct {
	Boundary  string `yaml:"boundary"`  // "closed" or "open"
	Frequency int    `yaml:"frequency"` // update every N steps
}

// SubstanceConfig defines one diffusing substance.
type SubstanceConfig struct {
	ID          int               `yaml:"id"`
	Name        string            `yaml:"name"`
	Coefficient float64           `yaml:"coefficient"`
	Decay       float64           `yaml:"decay"`
	Resolution  int               `yaml:"resolution"` // nodes along the longest bounds axis
	Threshold   float64           `yaml:"threshold"`  // 0 = unbounded
	Initializer InitializerConfig `yaml:"initializer"`
}

// InitializerConfig describes the initial concentration of a substance.
// Only the fields used by Type are read.
type InitializerConfig struct {
	Type      string     `yaml:"type"` // none, uniform, gaussian_band, poisson_band, noise, point_source
	Axis      string     `yaml:"axis,omitempty"`
	Min       float64    `yaml:"min,omitempty"`
	Max       float64    `yaml:"max,omitempty"`
	Value     float64    `yaml:"value,omitempty"`
	Mean      float64    `yaml:"mean,omitempty"`
	Sigma     float64    `yaml:"sigma,omitempty"`
	Lambda    float64    `yaml:"lambda,omitempty"`
	Seed      int64      `yaml:"seed,omitempty"`
	Scale     float64    `yaml:"scale,omitempty"`
	Amplitude float64    `yaml:"amplitude,omitempty"`
	Center    [3]float64 `yaml:"center,omitempty"`
	Radius    float64    `yaml:"radius,omitempty"`
}

// ScheduleConfig adjusts the operation pipeline.
type ScheduleConfig struct {
	Frequencies map[string]int `yaml:"frequencies"` // op name -> run every N steps
	Unschedule  []string       `yaml:"unschedule"`  // op names removed at startup
}

// TelemetryConfig holds logging and output parameters.
type TelemetryConfig struct {
	LogInterval int    `yaml:"log_interval"` // steps between stats rows, 0 disables
	PerfWindow  int    `yaml:"perf_window"`  // steps averaged by the perf collector
	OutputDir   string `yaml:"output_dir"`   // empty disables CSV output
	Compress    bool   `yaml:"compress"`     // write .csv.zst instead of .csv
}

// PopulationConfig seeds the initial cells used by `biosim run`.
type PopulationConfig struct {
	Cells              int     `yaml:"cells"`
	Diameter           float64 `yaml:"diameter"`
	Spread             float64 `yaml:"spread"` // side of the cube cells start in, centered in bounds
	GrowthRate         float64 `yaml:"growth_rate"`
	DivisionDiameter   float64 `yaml:"division_diameter"`
	SecretionSubstance string  `yaml:"secretion_substance"`
	SecretionRate      float64 `yaml:"secretion_rate"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Workers        int            // Simulation.Workers, resolved
	Bounds         geom.Box       // Bounds.Min/Max as a box
	SubstanceIndex map[string]int // name -> substance id
}

// Load loads configuration from a YAML file, merging with embedded defaults,
// and validates the result. If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Load user config if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.computeDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the embedded defaults. It panics if they do not parse,
// which only happens when the binary was built with a broken defaults.yaml.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.Workers = c.Simulation.Workers
	if c.Derived.Workers <= 0 {
		c.Derived.Workers = runtime.GOMAXPROCS(0)
	}

	c.Derived.Bounds = geom.Box{
		Min: geom.Real3{X: c.Bounds.Min[0], Y: c.Bounds.Min[1], Z: c.Bounds.Min[2]},
		Max: geom.Real3{X: c.Bounds.Max[0], Y: c.Bounds.Max[1], Z: c.Bounds.Max[2]},
	}

	c.Derived.SubstanceIndex = make(map[string]int, len(c.Substances))
	for _, s := range c.Substances {
		c.Derived.SubstanceIndex[s.Name] = s.ID
	}
}

// Recompute refreshes derived values after fields were changed in code.
func (c *Config) Recompute() { c.computeDerived() }

// DiffusionFrequency is how often the diffusion operation runs: the
// schedule override if present, else diffusion.frequency. Each update
// advances the substances by DT times this value.
func (c *Config) DiffusionFrequency() int {
	if f, ok := c.Schedule.Frequencies["diffusion"]; ok {
		return f
	}
	return c.Diffusion.Frequency
}

// Validate reports every problem found, joined into one error.
// Each problem wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format+": %w", append(args, ErrInvalid)...))
	}

	s := c.Simulation
	if s.Steps < 0 {
		bad("simulation.steps = %d, must be >= 0", s.Steps)
	}
	if !(s.DT > 0) {
		bad("simulation.dt = %v, must be > 0", s.DT)
	}
	if s.Workers < 0 {
		bad("simulation.workers = %d, must be >= 0", s.Workers)
	}
	if s.ParallelThreshold < 0 {
		bad("simulation.parallel_threshold = %d, must be >= 0", s.ParallelThreshold)
	}
	if !(s.MaxDisplacement > 0) {
		bad("simulation.max_displacement = %v, must be > 0", s.MaxDisplacement)
	}
	if !(s.GridTolerance >= 0) {
		bad("simulation.grid_tolerance = %v, must be >= 0", s.GridTolerance)
	}
	if !(s.MinBoxLength > 0) {
		bad("simulation.min_box_length = %v, must be > 0", s.MinBoxLength)
	}

	boundsOK := true
	for i := 0; i < 3; i++ {
		if !(c.Bounds.Min[i] < c.Bounds.Max[i]) {
			boundsOK = false
			bad("bounds: min[%d] = %v must be below max[%d] = %v", i, c.Bounds.Min[i], i, c.Bounds.Max[i])
		}
	}

	f := c.Force
	switch f.Model {
	case "default", "spring":
	default:
		bad("force.model = %q, want default or spring", f.Model)
	}
	if f.Repulsion < 0 || f.Attraction < 0 || f.InteractionMargin < 0 || f.MaxForce < 0 {
		bad("force coefficients must be >= 0")
	}

	switch c.Diffusion.Boundary {
	case "closed", "open":
	default:
		bad("diffusion.boundary = %q, want closed or open", c.Diffusion.Boundary)
	}
	if c.Diffusion.Frequency < 1 {
		bad("diffusion.frequency = %d, must be >= 1", c.Diffusion.Frequency)
	}

	ids := make(map[int]bool)
	names := make(map[string]bool)
	for i, sub := range c.Substances {
		if sub.Name == "" {
			bad("substances[%d]: name is required", i)
		}
		if ids[sub.ID] {
			bad("substances[%d]: duplicate id %d", i, sub.ID)
		}
		if names[sub.Name] {
			bad("substances[%d]: duplicate name %q", i, sub.Name)
		}
		ids[sub.ID], names[sub.Name] = true, true
		if sub.Resolution < 2 {
			bad("substances[%d].resolution = %d, must be >= 2", i, sub.Resolution)
		}
		if sub.Coefficient < 0 || sub.Decay < 0 || sub.Threshold < 0 {
			bad("substances[%d]: coefficient, decay and threshold must be >= 0", i)
		}
		errs = append(errs, sub.Initializer.validate(i)...)
	}

	// Stability of the explicit scheme, on the lattice each substance will
	// get. Skipped when the inputs are already reported as invalid.
	if freq := c.DiffusionFrequency(); boundsOK && s.DT > 0 && freq >= 1 {
		box := geom.Box{
			Min: geom.Real3{X: c.Bounds.Min[0], Y: c.Bounds.Min[1], Z: c.Bounds.Min[2]},
			Max: geom.Real3{X: c.Bounds.Max[0], Y: c.Bounds.Max[1], Z: c.Bounds.Max[2]},
		}
		for i, sub := range c.Substances {
			if sub.Resolution < 2 || sub.Coefficient < 0 || sub.Decay < 0 || sub.Threshold < 0 {
				continue
			}
			p := systems.DiffusionParams{
				ID:          sub.ID,
				Name:        sub.Name,
				Coefficient: sub.Coefficient,
				Decay:       sub.Decay,
				Threshold:   sub.Threshold,
			}
			p.FitTo(box, sub.Resolution)
			if err := p.Validate(s.DT * float64(freq)); err != nil {
				bad("substances[%d] with dt %g every %d steps: %w", i, s.DT, freq, err)
			}
		}
	}

	for name, freq := range c.Schedule.Frequencies {
		if freq < 1 {
			bad("schedule.frequencies[%s] = %d, must be >= 1", name, freq)
		}
	}

	t := c.Telemetry
	if t.LogInterval < 0 {
		bad("telemetry.log_interval = %d, must be >= 0", t.LogInterval)
	}
	if t.PerfWindow < 1 {
		bad("telemetry.perf_window = %d, must be >= 1", t.PerfWindow)
	}

	p := c.Population
	if p.Cells < 0 {
		bad("population.cells = %d, must be >= 0", p.Cells)
	}
	if p.Cells > 0 && !(p.Diameter > 0) {
		bad("population.diameter = %v, must be > 0", p.Diameter)
	}
	if p.SecretionRate > 0 && !names[p.SecretionSubstance] {
		bad("population.secretion_substance %q is not a configured substance", p.SecretionSubstance)
	}

	return errors.Join(errs...)
}

func (ic InitializerConfig) validate(i int) []error {
	var errs []error
	bad := func(format string, args ...any) {
		args = append([]any{i}, args...)
		errs = append(errs, fmt.Errorf("substances[%d].initializer: "+format+": %w", append(args, ErrInvalid)...))
	}
	needAxis := func() {
		switch ic.Axis {
		case "x", "y", "z":
		default:
			bad("axis = %q, want x, y or z", ic.Axis)
		}
	}
	switch ic.Type {
	case "", "none":
	case "uniform":
		needAxis()
		if ic.Min > ic.Max {
			bad("min %v > max %v", ic.Min, ic.Max)
		}
	case "gaussian_band":
		needAxis()
		if !(ic.Sigma > 0) {
			bad("sigma = %v, must be > 0", ic.Sigma)
		}
	case "poisson_band":
		needAxis()
		if !(ic.Lambda > 0) {
			bad("lambda = %v, must be > 0", ic.Lambda)
		}
	case "noise":
		if !(ic.Scale > 0) {
			bad("scale = %v, must be > 0", ic.Scale)
		}
	case "point_source":
		if !(ic.Radius >= 0) {
			bad("radius = %v, must be >= 0", ic.Radius)
		}
	default:
		bad("unknown type %q", ic.Type)
	}
	return errs
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
