package sim

import (
	"fmt"

	"github.com/pthm-cable/biosim/config"
	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/systems"
)

// addSubstances builds one diffusion grid per configured substance, fitted
// to the simulation bounds, and registers it with the store.
func (s *Simulation) addSubstances(dt float64) error {
	boundary, err := systems.ParseBoundary(s.cfg.Diffusion.Boundary)
	if err != nil {
		return fmt.Errorf("diffusion.boundary: %w", err)
	}

	for _, sub := range s.cfg.Substances {
		p := systems.DiffusionParams{
			ID:          sub.ID,
			Name:        sub.Name,
			Coefficient: sub.Coefficient,
			Decay:       sub.Decay,
			Boundary:    boundary,
			Threshold:   sub.Threshold,
		}
		p.FitTo(s.cfg.Derived.Bounds, sub.Resolution)

		g, err := systems.NewDiffusionGrid(p, dt)
		if err != nil {
			return fmt.Errorf("substance %q: %w", sub.Name, err)
		}
		fill, err := initializerFromConfig(sub.Initializer)
		if err != nil {
			return fmt.Errorf("substance %q: %w", sub.Name, err)
		}
		if fill != nil {
			g.Initialize(fill)
		}
		if err := s.rm.AddDiffusionGrid(g); err != nil {
			return fmt.Errorf("substance %q: %w", sub.Name, err)
		}

		s.logger.Debug("substance added",
			"id", sub.ID,
			"name", sub.Name,
			"resolution", g.Resolution(),
			"voxel_size", g.VoxelSize(),
			"initial_total", g.TotalConcentration(),
		)
	}
	return nil
}

// initializerFromConfig returns nil for "none".
func initializerFromConfig(ic config.InitializerConfig) (systems.Initializer, error) {
	axis := func() (systems.Axis, error) { return systems.ParseAxis(ic.Axis) }

	switch ic.Type {
	case "", "none":
		return nil, nil
	case "uniform":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		return systems.Uniform(ic.Min, ic.Max, ic.Value, a), nil
	case "gaussian_band":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		return systems.GaussianBand(ic.Mean, ic.Sigma, a), nil
	case "poisson_band":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		return systems.PoissonBand(ic.Lambda, a), nil
	case "noise":
		return systems.NoiseField(ic.Seed, ic.Scale, ic.Amplitude), nil
	case "point_source":
		center := geom.Real3{X: ic.Center[0], Y: ic.Center[1], Z: ic.Center[2]}
		return systems.PointSource(center, ic.Radius, ic.Value), nil
	}
	return nil, fmt.Errorf("initializer type %q: %w", ic.Type, systems.ErrInvalidParameters)
}
