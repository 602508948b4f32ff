package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pthm-cable/biosim/systems"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Simulation.DT <= 0 {
		t.Errorf("dt = %v", cfg.Simulation.DT)
	}
	if cfg.Derived.Workers < 1 {
		t.Errorf("derived workers = %d", cfg.Derived.Workers)
	}
	if _, ok := cfg.Derived.SubstanceIndex["attractant"]; !ok {
		t.Error("default substance missing from index")
	}
	if cfg.Derived.Bounds.Max.X != cfg.Bounds.Max[0] {
		t.Errorf("derived bounds = %+v", cfg.Derived.Bounds)
	}
}

func TestLoadMergesUserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	data := `
simulation:
  dt: 0.005
  workers: 3
schedule:
  frequencies:
    behavior: 2
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Simulation.DT != 0.005 || cfg.Derived.Workers != 3 {
		t.Errorf("overrides not applied: %+v", cfg.Simulation)
	}
	if cfg.Simulation.MaxDisplacement != 3 {
		t.Errorf("default max_displacement lost: %v", cfg.Simulation.MaxDisplacement)
	}
	if cfg.Schedule.Frequencies["behavior"] != 2 {
		t.Errorf("frequencies = %v", cfg.Schedule.Frequencies)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"zero dt", func(c *Config) { c.Simulation.DT = 0 }, "simulation.dt"},
		{"bad force model", func(c *Config) { c.Force.Model = "lennard-jones" }, "force.model"},
		{"bad boundary", func(c *Config) { c.Diffusion.Boundary = "periodic" }, "diffusion.boundary"},
		{"inverted bounds", func(c *Config) { c.Bounds.Min[1] = 500 }, "bounds"},
		{"duplicate substance id", func(c *Config) {
			c.Substances = append(c.Substances, SubstanceConfig{ID: c.Substances[0].ID, Name: "other", Resolution: 4})
		}, "duplicate id"},
		{"low resolution", func(c *Config) { c.Substances[0].Resolution = 1 }, "resolution"},
		{"unknown initializer", func(c *Config) { c.Substances[0].Initializer.Type = "spiral" }, "unknown type"},
		{"band without axis", func(c *Config) {
			c.Substances[0].Initializer = InitializerConfig{Type: "gaussian_band", Sigma: 1}
		}, "axis"},
		{"zero frequency", func(c *Config) { c.Schedule.Frequencies = map[string]int{"behavior": 0} }, "frequencies"},
		{"secretion into unknown substance", func(c *Config) { c.Population.SecretionSubstance = "nope" }, "secretion_substance"},
		{"unstable diffusion", func(c *Config) {
			c.Bounds.Max = [3]float64{100, 100, 100}
			c.Substances[0].Resolution = 101
			c.Substances[0].Coefficient = 1e6
		}, "dt*D/h^2"},
		{"diffusion frequency breaks stability", func(c *Config) {
			c.Schedule.Frequencies = map[string]int{"diffusion": 20}
		}, "every 20 steps"},
		{"decay beyond one step", func(c *Config) { c.Substances[0].Decay = 200 }, "dt*decay"},
		{"stable at coarser frequency", func(c *Config) { c.Diffusion.Frequency = 10 }, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateStabilityWrapsDiffusionError(t *testing.T) {
	cfg := Default()
	cfg.Substances[0].Coefficient = 1e6

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) || !errors.Is(err, systems.ErrInvalidParameters) {
		t.Fatalf("err = %v, want both ErrInvalid and systems.ErrInvalidParameters", err)
	}
	if !strings.Contains(err.Error(), cfg.Substances[0].Name) {
		t.Errorf("err = %v, want the substance named", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Simulation.DT = -1
	cfg.Simulation.MaxDisplacement = 0
	cfg.Telemetry.PerfWindow = 0

	err := cfg.Validate()
	for _, want := range []string{"simulation.dt", "max_displacement", "perf_window"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, missing %q", err, want)
		}
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Simulation.Seed = 1234
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Simulation.Seed != 1234 {
		t.Errorf("seed = %d after round trip", back.Simulation.Seed)
	}
}
