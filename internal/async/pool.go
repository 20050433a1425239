package async

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Pool is a fixed-size worker pool with key affinity: jobs submitted under
// the same key always run on the same worker, in submission order. Jobs
// under different keys run in parallel. The stream broker uses this to keep
// per-subject delivery serial while fanning independent subjects out across
// workers.
type Pool struct {
	// workers holds one job queue per worker goroutine.
	workers []chan func()

	// wg tracks worker goroutines for Stop.
	wg sync.WaitGroup

	// stopOnce guards queue closing.
	stopOnce sync.Once
}

// NewPool creates and starts a pool with the given worker count and
// per-worker queue depth. Non-positive values select 1 worker and a depth
// of 64.
func NewPool(workers, depth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 64
	}

	p := &Pool{
		workers: make([]chan func(), workers),
	}

	for i := range p.workers {
		ch := make(chan func(), depth)
		p.workers[i] = ch

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range ch {
				job()
			}
		}()
	}

	return p
}

// Submit enqueues a job under the given affinity key, blocking if that
// worker's queue is full. Submitting after Stop panics, matching the
// semantics of sending on a closed channel; callers own the ordering of
// Submit against Stop.
func (p *Pool) Submit(key string, job func()) {
	idx := xxhash.Sum64String(key) % uint64(len(p.workers))
	p.workers[idx] <- job
}

// Stop closes all queues and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		for _, ch := range p.workers {
			close(ch)
		}
	})
	p.wg.Wait()
}
