package sim

import (
	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/store"
	"github.com/pthm-cable/biosim/systems"
	"github.com/pthm-cable/biosim/telemetry"
)

// flushTelemetry checks if the stats window should be flushed and handles bookmarks.
func (s *Simulation) flushTelemetry() {
	if s.cfg.Telemetry.LogInterval == 0 {
		return
	}
	step := s.sched.Step()
	if !s.collector.ShouldFlush(step) {
		return
	}

	stats := s.collector.Flush(step, s.sample())
	perfStats := s.perf.Stats()

	stats.LogStats(s.logger)
	perfStats.LogStats(s.logger)

	// Write to CSV if output manager is enabled
	if s.output != nil {
		if err := s.output.WriteStats(stats); err != nil {
			s.logger.Error("failed to write stats", "error", err)
		}
		if err := s.output.WritePerf(perfStats, step); err != nil {
			s.logger.Error("failed to write perf", "error", err)
		}
	}

	// Check for bookmarks
	for _, bm := range s.bookmarks.Check(stats) {
		bm.LogBookmark(s.logger)
		if s.output != nil {
			if err := s.output.WriteBookmark(bm); err != nil {
				s.logger.Error("failed to write bookmark", "error", err)
			}
		}
	}
}

// sample measures the population and substances at the end of a window.
func (s *Simulation) sample() telemetry.Sample {
	var smp telemetry.Sample
	for k := components.Kind(0); k < components.NumKinds; k++ {
		smp.Counts[k] = s.rm.CountKind(k)
	}

	smp.Diameters = make([]float64, 0, s.rm.Count())
	s.rm.ForEach(func(_ store.Handle, a *components.Agent) {
		smp.Diameters = append(smp.Diameters, a.Diameter)
	}, nil)

	smp.SubstanceTotals = make(map[string]float64, s.rm.NumDiffusionGrids())
	s.rm.ForEachDiffusionGrid(func(g *systems.DiffusionGrid) {
		smp.SubstanceTotals[g.Name()] = g.TotalConcentration()
		smp.Dropped += g.Dropped()
	})

	smp.StepMicros = s.perf.Last().StepDuration.Microseconds()
	return smp
}
