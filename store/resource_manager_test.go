package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/geom"
	"github.com/pthm-cable/biosim/systems"
)

func addCells(rm *ResourceManager, n int) []components.Uid {
	uids := make([]components.Uid, n)
	for i := 0; i < n; i++ {
		uids[i] = rm.AddAgent(components.NewCell(geom.Real3{X: float64(i)}, 10))
	}
	return uids
}

func TestAddAgentAssignsUniqueUids(t *testing.T) {
	rm := New()
	uids := addCells(rm, 5)
	seen := make(map[components.Uid]bool)
	for i, uid := range uids {
		if uid == components.InvalidUid {
			t.Fatal("assigned invalid uid")
		}
		if seen[uid] {
			t.Fatalf("uid %d assigned twice", uid)
		}
		seen[uid] = true

		a, ok := rm.GetByUid(uid)
		if !ok || a.Position.X != float64(i) {
			t.Errorf("GetByUid(%d) = %v, %v", uid, a, ok)
		}
	}
	if rm.Count() != 5 || rm.CountKind(components.KindCell) != 5 {
		t.Errorf("Count = %d", rm.Count())
	}
}

func TestCommitCountsAndResolution(t *testing.T) {
	tests := []struct {
		name    string
		initial int
		add     int
		remove  []int // indices into initial uids
	}{
		{"adds only", 3, 4, nil},
		{"removes only", 6, 0, []int{0, 5, 2}},
		{"mixed", 10, 3, []int{9, 0, 4}},
		{"remove everything", 4, 0, []int{0, 1, 2, 3}},
		{"duplicate removal", 4, 1, []int{1, 1, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rm := New()
			uids := addCells(rm, tc.initial)

			var added []components.Uid
			for i := 0; i < tc.add; i++ {
				added = append(added, rm.EnqueueNew(components.NewCell(geom.Real3{Y: float64(i)}, 5)))
			}
			removed := make(map[components.Uid]bool)
			for _, i := range tc.remove {
				rm.EnqueueRemove(uids[i])
				removed[uids[i]] = true
			}

			for _, uid := range added {
				if rm.Contains(uid) {
					t.Fatalf("queued uid %d resolvable before commit", uid)
				}
			}

			remap := rm.Commit()

			want := tc.initial + tc.add - len(removed)
			if rm.Count() != want {
				t.Errorf("Count = %d, want %d", rm.Count(), want)
			}
			if len(remap.Added) != tc.add || len(remap.Removed) != len(removed) {
				t.Errorf("remap added=%d removed=%d", len(remap.Added), len(remap.Removed))
			}
			for _, uid := range added {
				if _, ok := rm.GetByUid(uid); !ok {
					t.Errorf("added uid %d not resolvable", uid)
				}
			}
			for _, uid := range uids {
				_, ok := rm.GetByUid(uid)
				if ok == removed[uid] {
					t.Errorf("uid %d resolvable=%v, removed=%v", uid, ok, removed[uid])
				}
			}
			// Every handle must point at the agent that carries its uid.
			rm.ForEach(func(h Handle, a *components.Agent) {
				got, ok := rm.Handle(a.Uid)
				if !ok || got != h {
					t.Errorf("handle for %d = %+v, want %+v", a.Uid, got, h)
				}
			}, nil)
		})
	}
}

func TestCommitRemapTracksMovedAgents(t *testing.T) {
	rm := New()
	uids := addCells(rm, 6)
	rm.EnqueueRemove(uids[1])
	rm.EnqueueRemove(uids[3])

	remap := rm.Commit()

	for old, uid := range uids {
		idx := remap.NewIndex(components.KindCell, old)
		h, ok := rm.Handle(uid)
		switch {
		case uid == uids[1] || uid == uids[3]:
			if idx != -1 || ok {
				t.Errorf("removed agent %d: remap %d, live %v", old, idx, ok)
			}
		case !ok || h.Index != idx:
			t.Errorf("agent %d: remap %d, handle %+v", old, idx, h)
		}
	}
	if remap.NewIndex(components.KindNeurite, 2) != 2 {
		t.Error("untouched kind must map indices to themselves")
	}
}

func TestRemoveCancelsQueuedNew(t *testing.T) {
	rm := New()
	uid := rm.EnqueueNew(components.NewCell(geom.Real3{}, 10))
	rm.EnqueueRemove(uid)

	remap := rm.Commit()

	if rm.Count() != 0 || rm.Contains(uid) {
		t.Error("cancelled agent was inserted")
	}
	if remap.Changed() {
		t.Errorf("remap reports changes: %+v", remap)
	}
}

func TestUidsAreNeverReused(t *testing.T) {
	rm := New()
	first := addCells(rm, 3)
	for _, uid := range first {
		rm.EnqueueRemove(uid)
	}
	rm.Commit()
	rm.Clear()

	next := rm.AddAgent(components.NewCell(geom.Real3{}, 1))
	for _, uid := range first {
		if uid == next {
			t.Fatalf("uid %d reused", uid)
		}
	}
}

func TestGetStaleReference(t *testing.T) {
	rm := New()
	addCells(rm, 2)
	if _, err := rm.Get(components.KindCell, 1); err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	for _, idx := range []int{-1, 2, 100} {
		if _, err := rm.Get(components.KindCell, idx); !errors.Is(err, ErrStaleReference) {
			t.Errorf("Get(%d) err = %v, want ErrStaleReference", idx, err)
		}
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	rm := New()
	victims := addCells(rm, 100)

	const workers = 8
	var wg sync.WaitGroup
	rm.BeginParallel()
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rm.EnqueueNew(components.NewCell(geom.Real3{X: float64(i)}, 1))
			}
			for i := w; i < len(victims); i += workers {
				rm.EnqueueRemove(victims[i])
			}
		}()
	}
	wg.Wait()
	rm.EndParallel()

	if rm.PendingNew() != workers*50 {
		t.Errorf("PendingNew = %d", rm.PendingNew())
	}
	rm.Commit()
	if rm.Count() != workers*50 {
		t.Errorf("Count = %d, want %d", rm.Count(), workers*50)
	}
}

func TestCommitDuringParallelPassPanics(t *testing.T) {
	rm := New()
	rm.BeginParallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	rm.Commit()
}

func TestOffsetAndAt(t *testing.T) {
	rm := New()
	addCells(rm, 3)
	rm.AddAgent(components.NewNeuriteSegment(geom.Real3{}, geom.Real3{X: 5}, 1))

	if rm.Offset(components.KindCell) != 0 || rm.Offset(components.KindNeurite) != 3 {
		t.Errorf("offsets = %d, %d", rm.Offset(components.KindCell), rm.Offset(components.KindNeurite))
	}
	a, h := rm.At(3)
	if a.Kind != components.KindNeurite || h != (Handle{Kind: components.KindNeurite, Index: 0}) {
		t.Errorf("At(3) = %v, %+v", a.Kind, h)
	}

	var cells int
	rm.ForEach(func(Handle, *components.Agent) { cells++ }, func(a *components.Agent) bool {
		return a.Kind == components.KindCell
	})
	if cells != 3 {
		t.Errorf("filtered ForEach visited %d", cells)
	}
}

func newGrid(t *testing.T, id int, name string) *systems.DiffusionGrid {
	t.Helper()
	g, err := systems.NewDiffusionGrid(systems.DiffusionParams{
		ID: id, Name: name, Coefficient: 1, VoxelSize: 1, Resolution: [3]int{4, 4, 4},
	}, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestDiffusionGridRegistry(t *testing.T) {
	rm := New()
	for _, g := range []*systems.DiffusionGrid{newGrid(t, 3, "c"), newGrid(t, 1, "a"), newGrid(t, 2, "b")} {
		if err := rm.AddDiffusionGrid(g); err != nil {
			t.Fatal(err)
		}
	}
	if err := rm.AddDiffusionGrid(newGrid(t, 2, "dup")); !errors.Is(err, ErrDuplicateSubstance) {
		t.Errorf("duplicate id err = %v", err)
	}

	var order []int
	rm.ForEachDiffusionGrid(func(g *systems.DiffusionGrid) { order = append(order, g.ID()) })
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v", order)
	}

	if g, ok := rm.DiffusionGridByName("b"); !ok || g.ID() != 2 {
		t.Error("lookup by name failed")
	}
	if err := rm.RemoveDiffusionGrid(2); err != nil {
		t.Fatal(err)
	}
	if _, ok := rm.DiffusionGrid(2); ok {
		t.Error("grid 2 still registered")
	}
	if err := rm.RemoveDiffusionGrid(2); err == nil {
		t.Error("second removal succeeded")
	}
}
