package server

import (
	"sync"
)

// workerPool tracks worker membership. Membership is the unit the lifecycle
// operations act on: Stop kills members, Shutdown hands each member a
// retirement sentinel, Reload disowns the members wholesale and rebuilds.
// Disowned workers stay tracked until their goroutines wind down, so Stop
// can still sever their connections and the liveness queries stay honest.
//
// A worker removes itself when its loop ends; the pool never joins
// goroutines directly, callers watch Live instead. The pool lock may be
// taken while calling into the queue, never the reverse.
type workerPool struct {
	mu       sync.Mutex
	freed    *sync.Cond // Broadcast when a worker leaves or parks idle
	members  map[string]*Worker
	disowned map[string]*Worker // Pre-Reload generations still winding down
	opts     any                // Handler options snapshot given to new workers
}

func newWorkerPool(opts any) *workerPool {
	p := &workerPool{
		members:  make(map[string]*Worker),
		disowned: make(map[string]*Worker),
		opts:     opts,
	}
	p.freed = sync.NewCond(&p.mu)
	return p
}

// SetOptions swaps the handler options handed to future workers. Workers
// already running keep the snapshot they were spawned with.
func (p *workerPool) SetOptions(opts any) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

// remove unregisters the worker by id, whichever generation it belongs to,
// and wakes anyone waiting on the pool to shrink.
func (p *workerPool) remove(id string) {
	p.mu.Lock()
	delete(p.members, id)
	delete(p.disowned, id)
	p.freed.Broadcast()
	p.mu.Unlock()
}

// notifyFreed wakes waiters without changing membership. The queue calls
// it when a worker parks idle, so an accept loop blocked at the connection
// cap learns a member can take work even though none retired.
func (p *workerPool) notifyFreed() {
	p.mu.Lock()
	p.freed.Broadcast()
	p.mu.Unlock()
}

// SpawnUpTo grows current membership until it reaches target, invoking
// spawn with the pool's options for each new slot while holding the pool
// lock. It reports how many workers it started. Disowned workers do not
// count toward target; a Reload top-up runs regardless of how many old
// workers are still finishing.
func (p *workerPool) SpawnUpTo(target int, spawn func(opts any) *Worker) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for len(p.members) < target {
		w := spawn(p.opts)
		p.members[w.id] = w
		n++
	}
	return n
}

// MarkAll sets the cooperative terminate flag on every member and reports
// how many were flagged. Disowned workers are skipped; Reload already
// flagged them.
func (p *workerPool) MarkAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.members {
		w.terminate.Store(true)
	}
	return len(p.members)
}

// KillAll flags every tracked worker, current and disowned, as killed and
// severs any connection each one is serving. The caller broadcasts the
// queue afterwards so parked workers observe the flag.
func (p *workerPool) KillAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.members {
		w.kill()
	}
	for _, w := range p.disowned {
		w.kill()
	}
}

// SnapshotAndClear moves every member to the disowned set and returns
// them. Their goroutines keep running; Reload decides per worker how each
// one winds down.
func (p *workerPool) SnapshotAndClear() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := make([]*Worker, 0, len(p.members))
	for id, w := range p.members {
		old = append(old, w)
		p.disowned[id] = w
	}
	p.members = make(map[string]*Worker)
	p.freed.Broadcast()
	return old
}

// Size reports current-generation membership.
func (p *workerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Live reports every worker goroutine still running, disowned included.
func (p *workerPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members) + len(p.disowned)
}

// CurrentPeers collects the peers of every in-flight connection across all
// tracked workers.
func (p *workerPool) CurrentPeers() []PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := make([]PeerInfo, 0, len(p.members))
	for _, w := range p.members {
		if c := w.current.Load(); c != nil {
			peers = append(peers, c.Peer())
		}
	}
	for _, w := range p.disowned {
		if c := w.current.Load(); c != nil {
			peers = append(peers, c.Peer())
		}
	}
	return peers
}

// awaitChange parks until the predicate over (members, live) returns true,
// re-checking on every freed broadcast. The predicate runs under the pool
// lock and may read the queue, not the reverse.
func (p *workerPool) awaitChange(pred func(members, live int) bool) {
	p.mu.Lock()
	for !pred(len(p.members), len(p.members)+len(p.disowned)) {
		p.freed.Wait()
	}
	p.mu.Unlock()
}
