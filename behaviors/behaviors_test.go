package behaviors

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
)

// fakeEnv records structural requests without a running simulation.
type fakeEnv struct {
	step    uint64
	dt      float64
	rng     *rand.Rand
	nextUid components.Uid
	added   []components.Agent
	removed []components.Uid
	subs    map[string]*fakeSubstance
}

// fakeSubstance sums what is secreted into it.
type fakeSubstance struct {
	total float64
	last  geom.Real3
}

func (f *fakeSubstance) IncreaseConcentrationBy(pos geom.Real3, amount float64) {
	f.total += amount
	f.last = pos
}
func (f *fakeSubstance) GetConcentration(geom.Real3) float64 { return f.total }
func (f *fakeSubstance) GetGradient(geom.Real3) geom.Real3   { return geom.Real3{} }

func newFakeEnv() *fakeEnv {
	return &fakeEnv{dt: 0.01, rng: rand.New(rand.NewSource(1)), nextUid: 100}
}

func (e *fakeEnv) Step() uint64 { return e.step }
func (e *fakeEnv) DT() float64 { return e.dt }
func (e *fakeEnv) Rand() *rand.Rand { return e.rng }
func (e *fakeEnv) ForEachNeighbor(func(components.Neighbor)) {}
func (e *fakeEnv) Substance(name string) (components.Substance, bool) {
	sub, ok := e.subs[name]
	if !ok {
		return nil, false
	}
	return sub, true
}
func (e *fakeEnv) SubstanceByID(int) (components.Substance, bool) {
	return nil, false
}
func (e *fakeEnv) Resolve(components.Uid) (components.Neighbor, bool) {
	return components.Neighbor{}, false
}
func (e *fakeEnv) EnqueueNew(a components.Agent) components.Uid {
	e.nextUid++
	a.Uid = e.nextUid
	e.added = append(e.added, a)
	return a.Uid
}
func (e *fakeEnv) EnqueueRemove(uid components.Uid) { e.removed = append(e.removed, uid) }

func TestGrowDivide_Grows(t *testing.T) {
	env := newFakeEnv()
	gd := &GrowDivide{GrowthRate: 300, DivisionDiameter: 14}
	a := components.NewCell(geom.Real3{}, 10)
	a.AddBehavior(gd)

	before := a.Volume()
	gd.Run(env, &a)

	if got := a.Volume() - before; math.Abs(got-3) > 1e-9 {
		t.Errorf("volume grew by %v, want 3", got)
	}
	if len(env.added) != 0 {
		t.Errorf("divided below the division diameter")
	}
}

func TestGrowDivide_Divides(t *testing.T) {
	env := newFakeEnv()
	gd := &GrowDivide{GrowthRate: 300, DivisionDiameter: 14}
	a := components.NewCell(geom.Real3{X: 50, Y: 50, Z: 50}, 14)
	a.Uid = 1
	a.AddBehavior(gd)

	total := a.Volume()
	gd.Run(env, &a)

	if len(env.added) != 1 {
		t.Fatalf("enqueued %d daughters, want 1", len(env.added))
	}
	d := env.added[0]
	if got := a.Volume() + d.Volume(); math.Abs(got-total) > 1e-6 {
		t.Errorf("volume after division = %v, want %v", got, total)
	}
	if math.Abs(a.Volume()-d.Volume()) > 1e-6 {
		t.Errorf("unequal split: %v vs %v", a.Volume(), d.Volume())
	}
	if len(d.Behaviors) != 1 {
		t.Fatalf("daughter has %d behaviors, want 1", len(d.Behaviors))
	}
	if d.Behaviors[0] == components.Behavior(gd) {
		t.Error("daughter shares the mother's GrowDivide instance")
	}
	if a.Uid != 1 || d.Uid == a.Uid {
		t.Errorf("uids: mother %d, daughter %d", a.Uid, d.Uid)
	}
}

func TestRemoveWhen(t *testing.T) {
	tests := []struct {
		name     string
		cond     func(components.Env, *components.Agent) bool
		diameter float64
		step     uint64
		want     bool
	}{
		{"smaller", SmallerThan(5), 4, 0, true},
		{"not smaller", SmallerThan(5), 6, 0, false},
		{"always", WithProbability(1), 10, 0, true},
		{"never", WithProbability(0), 10, 0, false},
		{"before step", FromStep(10), 10, 9, false},
		{"at step", FromStep(10), 10, 10, true},
		{"nil condition", nil, 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFakeEnv()
			env.step = tt.step
			a := components.NewCell(geom.Real3{}, tt.diameter)
			a.Uid = 7

			(&RemoveWhen{Cond: tt.cond}).Run(env, &a)

			got := len(env.removed) == 1 && env.removed[0] == 7
			if got != tt.want {
				t.Errorf("removed = %v, want %v", env.removed, tt.want)
			}
		})
	}
}

func TestRandomDirection(t *testing.T) {
	env := newFakeEnv()
	var sum geom.Real3
	for i := 0; i < 1000; i++ {
		v := RandomDirection(env)
		if math.Abs(geom.Norm(v)-1) > 1e-9 {
			t.Fatalf("|%v| = %v, want 1", v, geom.Norm(v))
		}
		sum = geom.Add(sum, v)
	}
	// Roughly isotropic: the mean of 1000 unit vectors stays near zero.
	if n := geom.Norm(geom.Scale(1.0/1000, sum)); n > 0.15 {
		t.Errorf("mean direction length %v, want near 0", n)
	}
}

func TestSecrete(t *testing.T) {
	env := newFakeEnv()
	sub := &fakeSubstance{}
	env.subs = map[string]*fakeSubstance{"signal": sub}

	a := components.NewCell(geom.Real3{X: 1, Y: 2, Z: 3}, 10)
	(&Secrete{Substance: "signal", Rate: 50}).Run(env, &a)
	(&Secrete{Substance: "missing", Rate: 50}).Run(env, &a)

	if math.Abs(sub.total-0.5) > 1e-12 {
		t.Errorf("secreted %v, want 0.5", sub.total)
	}
	if sub.last != a.Position {
		t.Errorf("secreted at %v, want %v", sub.last, a.Position)
	}
}
