package telemetry

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// StepStats holds aggregated statistics for one logging window.
type StepStats struct {
	WindowStart uint64  `csv:"-"`
	Step        uint64  `csv:"step"`
	SimTime     float64 `csv:"sim_time"`

	// Population at window end
	Agents   int `csv:"agents"`
	Cells    int `csv:"cells"`
	Neurites int `csv:"neurites"`

	// Structural changes during the window
	Births int `csv:"births"`
	Deaths int `csv:"deaths"`

	// Diameter distribution (sampled at window end)
	DiameterMean float64 `csv:"diameter_mean"`
	DiameterStd  float64 `csv:"diameter_std"`
	DiameterP10  float64 `csv:"diameter_p10"`
	DiameterP50  float64 `csv:"diameter_p50"`
	DiameterP90  float64 `csv:"diameter_p90"`

	// Substances
	SubstanceTotal   float64            `csv:"substance_total"`
	Substances       string             `csv:"substances"` // name=total pairs, sorted by name
	SubstanceTotals  map[string]float64 `csv:"-"`
	DroppedSecretion int64              `csv:"dropped_secretion"`

	// Duration of the last step in the window
	StepMicros int64 `csv:"step_us"`
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeDistribution calculates mean, population standard deviation and
// percentiles of values. values is not modified.
func ComputeDistribution(values []float64) (mean, std, p10, p50, p90 float64) {
	n := len(values)
	if n == 0 {
		return 0, 0, 0, 0, 0
	}

	mean, variance := stat.PopMeanVariance(values, nil)
	std = math.Sqrt(variance)

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	p10 = Percentile(sorted, 0.10)
	p50 = Percentile(sorted, 0.50)
	p90 = Percentile(sorted, 0.90)

	return mean, std, p10, p50, p90
}

// SummarizeSubstances formats per-substance totals as "a=1.5;b=2" sorted by
// name and returns the grand total.
func SummarizeSubstances(totals map[string]float64) (string, float64) {
	names := make([]string, 0, len(totals))
	vals := make([]float64, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%.6g", name, totals[name])
		vals = append(vals, totals[name])
	}
	return b.String(), floats.Sum(vals)
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("window_start", s.WindowStart),
		slog.Uint64("step", s.Step),
		slog.Float64("sim_time", s.SimTime),
		slog.Int("agents", s.Agents),
		slog.Int("cells", s.Cells),
		slog.Int("neurites", s.Neurites),
		slog.Int("births", s.Births),
		slog.Int("deaths", s.Deaths),
		slog.Float64("diameter_mean", s.DiameterMean),
		slog.Float64("diameter_std", s.DiameterStd),
		slog.Float64("diameter_p50", s.DiameterP50),
		slog.Float64("substance_total", s.SubstanceTotal),
		slog.Int64("step_us", s.StepMicros),
	)
}

// LogStats logs the window stats.
func (s StepStats) LogStats(logger *slog.Logger) {
	logger.Info("stats",
		"step", s.Step,
		"sim_time", s.SimTime,
		"agents", s.Agents,
		"cells", s.Cells,
		"neurites", s.Neurites,
		"births", s.Births,
		"deaths", s.Deaths,
		"diameter_mean", s.DiameterMean,
		"diameter_std", s.DiameterStd,
		"diameter_p10", s.DiameterP10,
		"diameter_p50", s.DiameterP50,
		"diameter_p90", s.DiameterP90,
		"substances", s.Substances,
		"dropped_secretion", s.DroppedSecretion,
		"step_us", s.StepMicros,
	)
}
