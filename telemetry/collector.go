package telemetry

import "github.com/pthm-cable/biosim/components"

// Collector accumulates events within logging windows and produces StepStats.
type Collector struct {
	interval uint64
	dt       float64

	// Current window tracking
	windowStart uint64

	// Event counters for current window
	births int
	deaths int
}

// NewCollector creates a new stats collector.
// interval: steps per window; dt: simulated time per step.
func NewCollector(interval int, dt float64) *Collector {
	if interval < 1 {
		interval = 1
	}
	return &Collector{
		interval: uint64(interval),
		dt:       dt,
	}
}

// RecordBirths records agents added by a commit.
func (c *Collector) RecordBirths(n int) {
	c.births += n
}

// RecordDeaths records agents removed by a commit.
func (c *Collector) RecordDeaths(n int) {
	c.deaths += n
}

// ShouldFlush returns true if enough steps have passed to flush the window.
func (c *Collector) ShouldFlush(step uint64) bool {
	return step-c.windowStart >= c.interval
}

// Sample is the population state the caller measures at window end.
type Sample struct {
	Counts          [components.NumKinds]int
	Diameters       []float64
	SubstanceTotals map[string]float64
	Dropped         int64
	StepMicros      int64
}

// Flush produces a StepStats and resets counters for the next window.
func (c *Collector) Flush(step uint64, s Sample) StepStats {
	mean, std, p10, p50, p90 := ComputeDistribution(s.Diameters)
	summary, total := SummarizeSubstances(s.SubstanceTotals)

	agents := 0
	for _, n := range s.Counts {
		agents += n
	}

	stats := StepStats{
		WindowStart: c.windowStart,
		Step:        step,
		SimTime:     float64(step) * c.dt,

		Agents:   agents,
		Cells:    s.Counts[components.KindCell],
		Neurites: s.Counts[components.KindNeurite],

		Births: c.births,
		Deaths: c.deaths,

		DiameterMean: mean,
		DiameterStd:  std,
		DiameterP10:  p10,
		DiameterP50:  p50,
		DiameterP90:  p90,

		SubstanceTotal:   total,
		Substances:       summary,
		SubstanceTotals:  s.SubstanceTotals,
		DroppedSecretion: s.Dropped,

		StepMicros: s.StepMicros,
	}

	c.windowStart = step
	c.births = 0
	c.deaths = 0

	return stats
}
