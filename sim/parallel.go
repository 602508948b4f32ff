package sim

import (
	"math/rand"
	"sync"

	"github.com/pthm-cable/biosim/components"
)

// pass selects the per-agent work a chunk runs.
type pass uint8

const (
	passDisplacement pass = iota
	passBehavior
)

// workerScratch holds per-chunk reusable buffers. Chunk w always uses
// scratch w, so the rng sequence does not depend on goroutine scheduling.
type workerScratch struct {
	agents []*components.Agent // displacement neighbor buffer
	rng    *rand.Rand
	ctx    ExecContext

	// Structural changes requested during the behavior pass, flushed to the
	// store in chunk order once the pass completes.
	newAgents []components.Agent
	removals  []components.Uid
}

// workChunk represents a range of agents for a worker to process.
type workChunk struct {
	start, end int
	scratch    int
	pass       pass
}

// workerPool runs per-agent passes over contiguous index chunks on
// persistent goroutines.
type workerPool struct {
	scratches  []workerScratch
	numWorkers int
	threshold  int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

func newWorkerPool(numWorkers, threshold int, seed int64) *workerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	scratches := make([]workerScratch, numWorkers)
	for i := range scratches {
		scratches[i].agents = make([]*components.Agent, 0, 64)
		scratches[i].rng = rand.New(rand.NewSource(seed + int64(i)))
	}
	return &workerPool{
		numWorkers: numWorkers,
		threshold:  threshold,
		scratches:  scratches,
	}
}

// start launches persistent worker goroutines.
func (p *workerPool) start(s *Simulation) {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(s)
	}
}

// stop signals all workers to exit and waits for them.
func (p *workerPool) stop() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *workerPool) worker(s *Simulation) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			p.runChunk(s, chunk)
			p.doneChan <- struct{}{}
		}
	}
}

func (p *workerPool) runChunk(s *Simulation, c workChunk) {
	scratch := &p.scratches[c.scratch]
	switch c.pass {
	case passDisplacement:
		s.displaceChunk(c.start, c.end, scratch)
	case passBehavior:
		s.behaviorChunk(c.start, c.end, scratch)
	}
}

// run executes pass over agents [0, n). Small populations run inline on
// scratch 0; larger ones are split into one chunk per worker.
func (p *workerPool) run(s *Simulation, ps pass, n int) {
	if n == 0 {
		return
	}

	s.rm.BeginParallel()
	if n < p.threshold || p.numWorkers == 1 {
		p.runChunk(s, workChunk{start: 0, end: n, pass: ps})
	} else {
		p.dispatch(s, ps, n)
	}
	s.rm.EndParallel()

	if ps == passBehavior {
		p.flush(s)
	}
}

// dispatch sends chunks to the worker pool and waits for all of them.
func (p *workerPool) dispatch(s *Simulation, ps pass, n int) {
	if !p.running {
		p.start(s)
	}

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers

	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		p.workChan <- workChunk{start: start, end: end, scratch: w, pass: ps}
		dispatched++
	}

	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}

// flush hands the structural changes buffered by each chunk to the store.
func (p *workerPool) flush(s *Simulation) {
	for i := range p.scratches {
		sc := &p.scratches[i]
		s.rm.EnqueueAllocated(sc.newAgents, sc.removals)
		clear(sc.newAgents)
		sc.newAgents = sc.newAgents[:0]
		sc.removals = sc.removals[:0]
	}
}
