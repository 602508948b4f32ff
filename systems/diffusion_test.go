package systems

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/pthm-cable/biosim/geom"
)

func testParams(boundary Boundary) DiffusionParams {
	return DiffusionParams{
		ID:          1,
		Name:        "substance",
		Coefficient: 1,
		VoxelSize:   1,
		Resolution:  [3]int{10, 10, 10},
		Boundary:    boundary,
	}
}

func mustGrid(t *testing.T, p DiffusionParams, dt float64) *DiffusionGrid {
	t.Helper()
	g, err := NewDiffusionGrid(p, dt)
	if err != nil {
		t.Fatalf("NewDiffusionGrid: %v", err)
	}
	return g
}

func TestDiffusionClosedBoundaryConservesMass(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)
	g.Initialize(PointSource(geom.Real3{X: 4.5, Y: 4.5, Z: 4.5}, 1, 100))
	before := g.TotalConcentration()
	if before <= 0 {
		t.Fatal("initial mass must be positive")
	}

	for i := 0; i < 200; i++ {
		g.Update(0.1)
	}

	after := g.TotalConcentration()
	if math.Abs(after-before) > 1e-9*before {
		t.Errorf("total = %f, want %f", after, before)
	}
	// Mass must have spread to the far corner.
	if g.ConcentrationAt(0) <= 0 {
		t.Error("corner concentration still zero after 200 steps")
	}
}

func TestDiffusionOpenBoundaryLosesMass(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryOpen), 0.1)
	g.Initialize(Uniform(-1, 100, 1, AxisX))

	prev := g.TotalConcentration()
	for step := 0; step < 50; step++ {
		g.Update(0.1)
		cur := g.TotalConcentration()
		if cur >= prev {
			t.Fatalf("step %d: total %f did not decrease from %f", step, cur, prev)
		}
		prev = cur
	}
}

func TestDiffusionDecay(t *testing.T) {
	p := testParams(BoundaryClosed)
	p.Coefficient = 0
	p.Decay = 0.5
	g := mustGrid(t, p, 0.1)
	g.Initialize(Uniform(-1, 100, 2, AxisX))

	g.Update(0.1)

	if got := g.ConcentrationAt(123); math.Abs(got-2*0.95) > 1e-12 {
		t.Errorf("concentration = %f, want %f", got, 2*0.95)
	}
}

func TestDiffusionFixedSubstanceSkipsUpdate(t *testing.T) {
	p := testParams(BoundaryOpen)
	p.Coefficient = 0
	g := mustGrid(t, p, 0.1)
	if !g.Fixed() {
		t.Fatal("expected fixed substance")
	}
	g.IncreaseConcentrationAt(0, 3)
	g.Update(0.1)
	if got := g.ConcentrationAt(0); got != 3 {
		t.Errorf("concentration = %f, want 3", got)
	}
}

func TestDiffusionRejectsInvalidParameters(t *testing.T) {
	tests := []struct {
		name string
		edit func(p *DiffusionParams)
		dt   float64
	}{
		{"unstable timestep", func(p *DiffusionParams) {}, 1},
		{"resolution too small", func(p *DiffusionParams) { p.Resolution[1] = 1 }, 0.1},
		{"zero voxel size", func(p *DiffusionParams) { p.VoxelSize = 0 }, 0.1},
		{"negative coefficient", func(p *DiffusionParams) { p.Coefficient = -1 }, 0.1},
		{"negative decay", func(p *DiffusionParams) { p.Decay = -0.1 }, 0.1},
		{"decay overshoot", func(p *DiffusionParams) { p.Coefficient = 0; p.Decay = 20 }, 0.1},
		{"zero timestep", func(p *DiffusionParams) {}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams(BoundaryClosed)
			tc.edit(&p)
			_, err := NewDiffusionGrid(p, tc.dt)
			if !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("err = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestDiffusionSettersRevalidate(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)

	if err := g.SetTimestep(1); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("SetTimestep(1) err = %v", err)
	}
	if err := g.SetDiffusionCoefficient(10); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("SetDiffusionCoefficient(10) err = %v", err)
	}
	if g.Params().Coefficient != 1 {
		t.Errorf("coefficient changed to %f after rejected set", g.Params().Coefficient)
	}
	if err := g.SetDiffusionCoefficient(1.5); err != nil {
		t.Errorf("SetDiffusionCoefficient(1.5): %v", err)
	}
	if err := g.SetDecay(0.2); err != nil {
		t.Errorf("SetDecay(0.2): %v", err)
	}
}

func TestDiffusionUpdatePanicsBeyondStabilityBound(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	g.Update(1)
}

func TestDiffusionTrilinearInterpolation(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)
	linear := func(x, y, z float64) float64 { return x + 2*y + 3*z }
	g.Initialize(linear)

	points := []geom.Real3{
		{X: 2, Y: 3, Z: 4},
		{X: 2.25, Y: 3.5, Z: 4.75},
		{X: 0.1, Y: 8.9, Z: 0.5},
	}
	for _, p := range points {
		want := linear(p.X, p.Y, p.Z)
		if got := g.GetConcentration(p); math.Abs(got-want) > 1e-9 {
			t.Errorf("GetConcentration(%v) = %f, want %f", p, got, want)
		}
	}

	// Outside the lattice the edge value is used.
	if got, want := g.GetConcentration(geom.Real3{X: -5}), 0.0; got != want {
		t.Errorf("clamped concentration = %f, want %f", got, want)
	}
}

func TestDiffusionGradient(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)

	if got := g.GetGradient(geom.Real3{X: 5, Y: 5, Z: 5}); got != (geom.Real3{}) {
		t.Errorf("flat field gradient = %v, want zero", got)
	}

	g.Initialize(func(x, y, z float64) float64 { return x + 2*y + 3*z })
	got := g.GetGradient(geom.Real3{X: 4.3, Y: 5.1, Z: 3.7})
	want := geom.Normalize(geom.Real3{X: 1, Y: 2, Z: 3})
	if geom.SquaredDistance(got, want) > 1e-18 {
		t.Errorf("gradient = %v, want %v", got, want)
	}
}

func TestDiffusionThresholdClamps(t *testing.T) {
	p := testParams(BoundaryClosed)
	p.Threshold = 5
	g := mustGrid(t, p, 0.1)

	pos := geom.Real3{X: 3.2, Y: 3.2, Z: 3.2}
	g.IncreaseConcentrationBy(pos, 10)
	idx, ok := g.VoxelIndex(pos)
	if !ok {
		t.Fatal("position must be inside the lattice")
	}
	if got := g.ConcentrationAt(idx); got != 5 {
		t.Errorf("concentration = %f, want threshold 5", got)
	}
}

func TestDiffusionDropsOutOfDomainAdds(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)
	g.IncreaseConcentrationBy(geom.Real3{X: -0.5}, 1)
	g.IncreaseConcentrationBy(geom.Real3{X: 100}, 1)
	g.IncreaseConcentrationBy(geom.Real3{X: 1, Y: 1, Z: 1}, 1)

	if g.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", g.Dropped())
	}
	if g.TotalConcentration() != 1 {
		t.Errorf("total = %f, want 1", g.TotalConcentration())
	}
}

func TestDiffusionConcurrentAdds(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)
	pos := geom.Real3{X: 5, Y: 5, Z: 5}

	const workers, adds = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < adds; i++ {
				g.IncreaseConcentrationBy(pos, 1)
				_ = g.GetConcentration(pos)
			}
		}()
	}
	wg.Wait()

	idx, _ := g.VoxelIndex(pos)
	if got := g.ConcentrationAt(idx); got != workers*adds {
		t.Errorf("concentration = %f, want %d", got, workers*adds)
	}
}

func TestDiffusionSnapshotIsCopy(t *testing.T) {
	g := mustGrid(t, testParams(BoundaryClosed), 0.1)
	g.IncreaseConcentrationAt(7, 2)
	snap := g.Snapshot()
	g.IncreaseConcentrationAt(7, 2)

	if snap.Values[7] != 2 {
		t.Errorf("snapshot value = %f, want 2", snap.Values[7])
	}
	if snap.Name != "substance" || snap.Resolution != [3]int{10, 10, 10} {
		t.Errorf("snapshot metadata = %+v", snap)
	}
}

func TestDiffusionParamsFitTo(t *testing.T) {
	var p DiffusionParams
	p.FitTo(geom.Box{Min: geom.Real3{X: -10}, Max: geom.Real3{X: 10, Y: 5, Z: 20}}, 5)

	if p.VoxelSize != 5 {
		t.Errorf("VoxelSize = %f, want 5", p.VoxelSize)
	}
	if p.Resolution != [3]int{5, 2, 5} {
		t.Errorf("Resolution = %v, want [5 2 5]", p.Resolution)
	}
	if p.Origin != (geom.Real3{X: -10}) {
		t.Errorf("Origin = %v", p.Origin)
	}
}

func TestParseBoundary(t *testing.T) {
	tests := []struct {
		in      string
		want    Boundary
		wantErr bool
	}{
		{"closed", BoundaryClosed, false},
		{"open", BoundaryOpen, false},
		{"", BoundaryClosed, false},
		{"periodic", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseBoundary(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseBoundary(%q) = %v, %v", tc.in, got, err)
		}
	}
}
