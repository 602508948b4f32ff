// Package store owns all agents and diffusion grids of a simulation.
//
// Agents live in one contiguous slice per kind. Array indices are only
// stable within a step; structural changes requested during a step are
// queued and applied together by Commit, which reports how indices moved.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/biosim/components"
	"github.com/pthm-cable/biosim/systems"
)

var (
	// ErrStaleReference is returned when a handle or uid no longer names a live agent.
	ErrStaleReference = errors.New("stale agent reference")
	// ErrDuplicateSubstance is returned when a diffusion grid id is registered twice.
	ErrDuplicateSubstance = errors.New("duplicate substance id")
)

// Handle locates an agent in the store for the current step.
type Handle struct {
	Kind  components.Kind
	Index int
}

// Remap describes a commit. Index[kind][old] is the new index of the agent
// previously at old, or -1 if it was removed. A nil slice means the kind had
// no removals, so surviving indices are unchanged.
type Remap struct {
	Index   [components.NumKinds][]int
	Added   []components.Uid
	Removed []components.Uid
}

// NewIndex maps an index from before the commit to the index after it.
func (r *Remap) NewIndex(kind components.Kind, old int) int {
	if m := r.Index[kind]; m != nil {
		if old < 0 || old >= len(m) {
			return -1
		}
		return m[old]
	}
	return old
}

// Changed reports whether the commit added or removed anything.
func (r *Remap) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// ResourceManager stores agents per kind plus the diffusion grid registry.
type ResourceManager struct {
	agents  [components.NumKinds][]components.Agent
	handles map[components.Uid]Handle

	lastUid atomic.Uint64

	mu            sync.Mutex
	pendingNew    []components.Agent
	pendingRemove []components.Uid

	inFlight atomic.Int32

	grids   map[int]*systems.DiffusionGrid
	gridIDs []int
}

// New returns an empty store.
func New() *ResourceManager {
	return &ResourceManager{
		handles: make(map[components.Uid]Handle),
		grids:   make(map[int]*systems.DiffusionGrid),
	}
}

func (rm *ResourceManager) mustBeIdle(op string) {
	if rm.inFlight.Load() != 0 {
		panic(fmt.Sprintf("store: %s during a parallel pass", op))
	}
}

// AllocateUid returns a fresh uid. Uids are never reused.
func (rm *ResourceManager) AllocateUid() components.Uid {
	return components.Uid(rm.lastUid.Add(1))
}

// AddAgent inserts a immediately, assigning a fresh uid.
// Only legal between steps.
func (rm *ResourceManager) AddAgent(a components.Agent) components.Uid {
	rm.mustBeIdle("AddAgent")
	a.Uid = rm.AllocateUid()
	rm.insert(a)
	return a.Uid
}

func (rm *ResourceManager) insert(a components.Agent) {
	k := a.Kind
	rm.handles[a.Uid] = Handle{Kind: k, Index: len(rm.agents[k])}
	rm.agents[k] = append(rm.agents[k], a)
}

// GetAll returns the live slice for kind. Elements may be modified in place;
// the slice itself is invalidated by the next commit.
func (rm *ResourceManager) GetAll(kind components.Kind) []components.Agent {
	return rm.agents[kind]
}

// Get returns a pointer to the agent at idx of kind.
func (rm *ResourceManager) Get(kind components.Kind, idx int) (*components.Agent, error) {
	if kind >= components.NumKinds || idx < 0 || idx >= len(rm.agents[kind]) {
		return nil, fmt.Errorf("%s[%d]: %w", kind, idx, ErrStaleReference)
	}
	return &rm.agents[kind][idx], nil
}

// GetByUid resolves a uid to its live agent.
func (rm *ResourceManager) GetByUid(uid components.Uid) (*components.Agent, bool) {
	h, ok := rm.handles[uid]
	if !ok {
		return nil, false
	}
	return &rm.agents[h.Kind][h.Index], true
}

// Handle returns the current location of uid.
func (rm *ResourceManager) Handle(uid components.Uid) (Handle, bool) {
	h, ok := rm.handles[uid]
	return h, ok
}

// Contains reports whether uid names a committed agent.
func (rm *ResourceManager) Contains(uid components.Uid) bool {
	_, ok := rm.handles[uid]
	return ok
}

// EnqueueNew schedules a for insertion at the next commit and returns the
// uid it will have. Safe for concurrent use.
func (rm *ResourceManager) EnqueueNew(a components.Agent) components.Uid {
	a.Uid = rm.AllocateUid()
	rm.mu.Lock()
	rm.pendingNew = append(rm.pendingNew, a)
	rm.mu.Unlock()
	return a.Uid
}

// EnqueueAllocated queues agents whose uids came from AllocateUid.
// Used to flush per-worker buffers in one lock acquisition.
func (rm *ResourceManager) EnqueueAllocated(agents []components.Agent, removals []components.Uid) {
	if len(agents) == 0 && len(removals) == 0 {
		return
	}
	rm.mu.Lock()
	rm.pendingNew = append(rm.pendingNew, agents...)
	rm.pendingRemove = append(rm.pendingRemove, removals...)
	rm.mu.Unlock()
}

// EnqueueRemove schedules uid for removal at the next commit. Unknown and
// repeated uids are ignored. Safe for concurrent use.
func (rm *ResourceManager) EnqueueRemove(uid components.Uid) {
	rm.mu.Lock()
	rm.pendingRemove = append(rm.pendingRemove, uid)
	rm.mu.Unlock()
}

// PendingNew returns the number of queued insertions.
func (rm *ResourceManager) PendingNew() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.pendingNew)
}

// PendingRemove returns the number of queued removals, duplicates included.
func (rm *ResourceManager) PendingRemove() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.pendingRemove)
}

// BeginParallel marks the start of a pass that may read agents from many
// goroutines. Commit and AddAgent panic until EndParallel.
func (rm *ResourceManager) BeginParallel() { rm.inFlight.Add(1) }

// EndParallel ends a pass started with BeginParallel.
func (rm *ResourceManager) EndParallel() {
	if rm.inFlight.Add(-1) < 0 {
		panic("store: EndParallel without BeginParallel")
	}
}

// Commit applies all queued changes. Removals run first, in descending index
// order per kind, each swapping the last agent into the freed slot; then
// queued agents are appended in queue order. An agent queued as new and
// removed in the same step is never inserted.
func (rm *ResourceManager) Commit() Remap {
	rm.mustBeIdle("Commit")

	rm.mu.Lock()
	newAgents := rm.pendingNew
	removals := rm.pendingRemove
	rm.pendingNew = nil
	rm.pendingRemove = nil
	rm.mu.Unlock()

	var remap Remap
	if len(newAgents) == 0 && len(removals) == 0 {
		return remap
	}

	cancelled := make(map[components.Uid]struct{})
	var byKind [components.NumKinds][]int
	for _, uid := range removals {
		if _, dup := cancelled[uid]; dup {
			continue
		}
		cancelled[uid] = struct{}{}
		if h, ok := rm.handles[uid]; ok {
			byKind[h.Kind] = append(byKind[h.Kind], h.Index)
			remap.Removed = append(remap.Removed, uid)
		}
	}

	for k := components.Kind(0); k < components.NumKinds; k++ {
		idx := byKind[k]
		if len(idx) == 0 {
			continue
		}
		slices.Sort(idx)
		slices.Reverse(idx)
		remap.Index[k] = rm.removeIndices(k, idx)
	}

	for _, a := range newAgents {
		if _, gone := cancelled[a.Uid]; gone {
			continue
		}
		rm.insert(a)
		remap.Added = append(remap.Added, a.Uid)
	}
	return remap
}

// removeIndices removes the given descending indices from kind and returns
// the old→new index map.
func (rm *ResourceManager) removeIndices(k components.Kind, desc []int) []int {
	arr := rm.agents[k]
	m := make([]int, len(arr))
	slot := make([]int, len(arr)) // current slot -> original index
	for i := range m {
		m[i] = i
		slot[i] = i
	}
	for _, idx := range desc {
		last := len(arr) - 1
		delete(rm.handles, arr[idx].Uid)
		m[slot[idx]] = -1
		if idx != last {
			arr[idx] = arr[last]
			slot[idx] = slot[last]
			m[slot[idx]] = idx
			rm.handles[arr[idx].Uid] = Handle{Kind: k, Index: idx}
		}
		arr[last] = components.Agent{}
		arr = arr[:last]
	}
	rm.agents[k] = arr
	return m
}

// Count returns the number of committed agents.
func (rm *ResourceManager) Count() int {
	n := 0
	for k := components.Kind(0); k < components.NumKinds; k++ {
		n += len(rm.agents[k])
	}
	return n
}

// CountKind returns the number of committed agents of kind.
func (rm *ResourceManager) CountKind(kind components.Kind) int {
	return len(rm.agents[kind])
}

// Offset returns the flat index of kind's first agent when all kinds are
// laid out back to back in Kind order.
func (rm *ResourceManager) Offset(kind components.Kind) int {
	off := 0
	for k := components.Kind(0); k < kind; k++ {
		off += len(rm.agents[k])
	}
	return off
}

// At resolves a flat index to its agent.
func (rm *ResourceManager) At(flat int) (*components.Agent, Handle) {
	for k := components.Kind(0); k < components.NumKinds; k++ {
		n := len(rm.agents[k])
		if flat < n {
			return &rm.agents[k][flat], Handle{Kind: k, Index: flat}
		}
		flat -= n
	}
	panic(fmt.Sprintf("store: flat index out of range (%d past the end)", flat))
}

// ForEach calls fn for every agent accepted by filter, kind by kind in
// index order. A nil filter accepts all agents.
func (rm *ResourceManager) ForEach(fn func(h Handle, a *components.Agent), filter func(a *components.Agent) bool) {
	for k := components.Kind(0); k < components.NumKinds; k++ {
		arr := rm.agents[k]
		for i := range arr {
			if filter != nil && !filter(&arr[i]) {
				continue
			}
			fn(Handle{Kind: k, Index: i}, &arr[i])
		}
	}
}

// Reserve grows kind's capacity for n more agents.
func (rm *ResourceManager) Reserve(kind components.Kind, n int) {
	rm.agents[kind] = slices.Grow(rm.agents[kind], n)
}

// Clear removes all agents and pending changes. Diffusion grids are kept and
// uids keep counting up.
func (rm *ResourceManager) Clear() {
	rm.mustBeIdle("Clear")
	for k := components.Kind(0); k < components.NumKinds; k++ {
		clear(rm.agents[k])
		rm.agents[k] = rm.agents[k][:0]
	}
	clear(rm.handles)
	rm.mu.Lock()
	rm.pendingNew = nil
	rm.pendingRemove = nil
	rm.mu.Unlock()
}

// AddDiffusionGrid registers g under its substance id.
func (rm *ResourceManager) AddDiffusionGrid(g *systems.DiffusionGrid) error {
	id := g.ID()
	if _, ok := rm.grids[id]; ok {
		return fmt.Errorf("substance %d (%s): %w", id, g.Name(), ErrDuplicateSubstance)
	}
	rm.grids[id] = g
	i, _ := slices.BinarySearch(rm.gridIDs, id)
	rm.gridIDs = slices.Insert(rm.gridIDs, i, id)
	return nil
}

// RemoveDiffusionGrid unregisters the grid with id.
func (rm *ResourceManager) RemoveDiffusionGrid(id int) error {
	if _, ok := rm.grids[id]; !ok {
		return fmt.Errorf("substance %d: %w", id, ErrStaleReference)
	}
	delete(rm.grids, id)
	if i, ok := slices.BinarySearch(rm.gridIDs, id); ok {
		rm.gridIDs = slices.Delete(rm.gridIDs, i, i+1)
	}
	return nil
}

// DiffusionGrid returns the grid registered under id.
func (rm *ResourceManager) DiffusionGrid(id int) (*systems.DiffusionGrid, bool) {
	g, ok := rm.grids[id]
	return g, ok
}

// DiffusionGridByName returns the first grid, by id, named name.
func (rm *ResourceManager) DiffusionGridByName(name string) (*systems.DiffusionGrid, bool) {
	for _, id := range rm.gridIDs {
		if g := rm.grids[id]; g.Name() == name {
			return g, true
		}
	}
	return nil, false
}

// ForEachDiffusionGrid visits grids in ascending id order.
func (rm *ResourceManager) ForEachDiffusionGrid(fn func(g *systems.DiffusionGrid)) {
	for _, id := range rm.gridIDs {
		fn(rm.grids[id])
	}
}

// NumDiffusionGrids returns the number of registered grids.
func (rm *ResourceManager) NumDiffusionGrids() int { return len(rm.gridIDs) }
