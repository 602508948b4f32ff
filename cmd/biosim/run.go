package main

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/biosim/behaviors"
	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/config"
	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/sim"
	"github.com/pthm-cable/biosim/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Seed a population and run the simulation",
		Long: `Seed population.cells cells in a cube of side population.spread centered
in the bounds, give each a grow-and-divide behavior and, when configured,
a secretion behavior, then step the simulation.

Runs simulation.steps steps, or until interrupted when steps is 0.

Examples:
  biosim run --config sim.yaml
  biosim run --steps 500 --output-dir out --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("steps") {
				cfg.Simulation.Steps, _ = cmd.Flags().GetInt("steps")
			}
			if cmd.Flags().Changed("output-dir") {
				cfg.Telemetry.OutputDir, _ = cmd.Flags().GetString("output-dir")
			}
			if cmd.Flags().Changed("seed") {
				cfg.Simulation.Seed, _ = cmd.Flags().GetInt64("seed")
			}

			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}

			s, err := sim.New(cfg, sim.WithLogger(logger))
			if err != nil {
				return err
			}
			seedPopulation(s.Resources(), cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Simulation.Steps > 0 {
				err = s.Scheduler().Simulate(ctx, cfg.Simulation.Steps)
			} else {
				err = s.Scheduler().Run(ctx)
			}
			if errors.Is(err, context.Canceled) {
				logger.Info("interrupted", "step", s.Scheduler().Step())
				err = nil
			}
			return errors.Join(err, s.Close())
		},
	}

	cmd.Flags().Int("steps", 0, "Override simulation.steps (0 = until interrupted)")
	cmd.Flags().String("output-dir", "", "Override telemetry.output_dir")
	cmd.Flags().Int64("seed", 0, "Override simulation.seed")
	return cmd
}

// seedPopulation adds the configured starting cells, uniformly placed in a
// cube of side Spread centered in the bounds.
func seedPopulation(rm *store.ResourceManager, cfg *config.Config) {
	p := cfg.Population
	if p.Cells == 0 {
		return
	}
	rng := rand.New(rand.NewSource(cfg.Simulation.Seed))
	b := cfg.Derived.Bounds
	center := geom.Scale(0.5, geom.Add(b.Min, b.Max))
	half := p.Spread / 2

	var secrete *behaviors.Secrete
	if p.SecretionRate > 0 {
		secrete = &behaviors.Secrete{Substance: p.SecretionSubstance, Rate: p.SecretionRate}
	}

	rm.Reserve(components.KindCell, p.Cells)
	for i := 0; i < p.Cells; i++ {
		pos := geom.Real3{
			X: center.X + (2*rng.Float64()-1)*half,
			Y: center.Y + (2*rng.Float64()-1)*half,
			Z: center.Z + (2*rng.Float64()-1)*half,
		}
		c := components.NewCell(geom.Clamp(pos, b), p.Diameter)
		if p.GrowthRate > 0 && p.DivisionDiameter > 0 {
			c.AddBehavior(&behaviors.GrowDivide{GrowthRate: p.GrowthRate, DivisionDiameter: p.DivisionDiameter})
		}
		if secrete != nil {
			c.AddBehavior(secrete)
		}
		rm.AddAgent(c)
	}
}
