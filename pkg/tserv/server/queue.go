package server

import (
	"sync"

	"github.com/eapache/queue"
)

// connQueue is the FIFO handoff channel between the accept loop and the
// workers. It is unbounded: push never blocks. It carries its own lock so
// the accept loop can read the waiting count while holding the pool lock
// without contending on membership changes; nothing may acquire the pool
// lock while holding the queue lock.
//
// waiting counts the pop calls currently in flight, which is the
// backpressure signal the accept loop keys off: waiting == 0 means every
// live worker is busy.
type connQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond   // Signaled per push, broadcast by wakeAll
	items   *queue.Queue // FIFO of *Conn; nil entries are sentinels
	waiting int
	onIdle  func() // Invoked, without the queue lock, when a pop genuinely parks
}

func newConnQueue(onIdle func()) *connQueue {
	q := &connQueue{
		items:  queue.New(),
		onIdle: onIdle,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item and wakes one parked consumer. A nil conn is the
// retirement sentinel.
func (q *connQueue) push(c *Conn) {
	q.mu.Lock()
	q.items.Add(c)
	q.cond.Signal()
	q.mu.Unlock()
}

// popOrRetire blocks until a connection is available for w, or reports that
// w must retire instead. The retirement cases, checked at the pop boundary:
//
//   - w was killed (Stop) or flagged to retire (Reload): immediate, even
//     with connections queued, which stay for surviving workers;
//   - the queue is empty and either w's cooperative terminate flag is set
//     or at least minIdle other workers are already parked here, so the
//     permanent floor is covered without w.
//
// A popped sentinel also retires w. A kill or retire arriving while w is
// parked takes effect on the wakeup, handing any consumed signal on; a kill
// arriving in the instant a connection is handed over closes that
// connection and retires w, so Stop never leaves a worker serving a
// severed-in-name-only connection.
func (q *connQueue) popOrRetire(w *Worker, minIdle int) (*Conn, bool) {
	q.mu.Lock()
	if w.killed.Load() || w.retire.Load() {
		q.mu.Unlock()
		return nil, false
	}
	if q.items.Length() == 0 && (w.terminate.Load() || q.waiting >= minIdle) {
		q.mu.Unlock()
		return nil, false
	}

	q.waiting++
	if q.items.Length() == 0 && q.onIdle != nil {
		// Genuinely parking: tell the pool a worker went idle. The hook
		// takes the pool lock, so drop ours first.
		q.mu.Unlock()
		q.onIdle()
		q.mu.Lock()
	}
	for q.items.Length() == 0 && !w.killed.Load() && !w.retire.Load() {
		q.cond.Wait()
	}
	q.waiting--
	if w.killed.Load() || w.retire.Load() {
		// Flagged off while parked. Queued work stays for the survivors;
		// pass any wakeup we may have consumed along so it is not lost
		// with us.
		if q.items.Length() > 0 {
			q.cond.Signal()
		}
		q.mu.Unlock()
		return nil, false
	}
	c, _ := q.items.Remove().(*Conn)
	if c != nil {
		w.current.Store(c)
	}
	q.mu.Unlock()

	if c == nil {
		return nil, false
	}
	if w.killed.Load() {
		_ = c.Close()
		w.current.Store(nil)
		return nil, false
	}
	return c, true
}

// retireAll flags every given worker to stop at its next pop boundary and
// wakes the parked ones. A parked worker retires on the wakeup; a busy one
// finishes the connection it is serving first. Either way it takes no
// further work off the queue, so nothing queued retires with it.
func (q *connQueue) retireAll(ws []*Worker) {
	q.mu.Lock()
	for _, w := range ws {
		w.retire.Store(true)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// wakeAll wakes every parked consumer so it re-evaluates its kill flag.
func (q *connQueue) wakeAll() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Waiting reports how many pop calls are currently in flight.
func (q *connQueue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}

// Len reports the number of queued items, sentinels included.
func (q *connQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// connLen reports queued real connections, excluding sentinels.
func (q *connQueue) connLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := 0; i < q.items.Length(); i++ {
		if c, _ := q.items.Get(i).(*Conn); c != nil {
			n++
		}
	}
	return n
}

// sentinelLen reports queued sentinels not yet consumed.
func (q *connQueue) sentinelLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := 0; i < q.items.Length(); i++ {
		if c, _ := q.items.Get(i).(*Conn); c == nil {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the queue holds no items.
func (q *connQueue) IsEmpty() bool {
	return q.Len() == 0
}

// starved reports whether connections are queued with no consumer in
// flight, the condition under which the accept loop grows the pool.
func (q *connQueue) starved() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length() > 0 && q.waiting == 0
}

// reset discards every queued item, closing real connections. Start calls
// it so sentinels left over from a previous cycle cannot retire a fresh
// worker; Stop calls it so undispatched connections fail fast client-side
// instead of dangling.
func (q *connQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() > 0 {
		if c, _ := q.items.Remove().(*Conn); c != nil {
			_ = c.Close()
		}
	}
}
