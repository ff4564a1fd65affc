package server

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
)

// A Worker is one connection-processing goroutine. It cycles between
// waiting on the connection queue and running the handler for the
// connection it popped, and it retires by removing itself from the pool
// when the queue tells it to.
//
// Three flags wind a worker down, from softest to hardest: terminate asks
// it to retire once it finds the queue empty (drain first), retire makes it
// stop at its next pop boundary without touching queued work, and killed
// does that plus severing whatever it is serving right now. Go provides no
// way to stop a goroutine from outside, so killed plus connection severance
// plus base-context cancellation is how a hard stop is expressed.
type Worker struct {
	id   string
	opts any // Handler options frozen at spawn

	current   atomic.Pointer[Conn] // Connection being served, nil while idle
	terminate atomic.Bool
	retire    atomic.Bool
	killed    atomic.Bool

	done chan struct{} // Closed when the run loop exits
}

func newWorker(opts any) *Worker {
	return &Worker{
		id:   uuid.NewString(),
		opts: opts,
		done: make(chan struct{}),
	}
}

// ID returns the worker's unique identifier, as reported in lifecycle
// events.
func (w *Worker) ID() string {
	return w.id
}

// kill flags the worker and severs its in-flight connection, if any. The
// worker itself notices the flag at its next pop boundary; severing the
// connection is what makes a mid-handler worker reach that boundary.
func (w *Worker) kill() {
	w.killed.Store(true)
	if c := w.current.Load(); c != nil {
		_ = c.Close()
	}
}

// runWorker is the worker goroutine body: announce, loop over the queue,
// retire. Handler failures never leave this loop; only the queue's
// retirement verdict does.
func (s *Server) runWorker(ctx context.Context, w *Worker) {
	defer close(w.done)
	for {
		s.observer.WorkerWaiting(w.id)
		c, ok := s.queue.popOrRetire(w, s.cfg.MinWorkers)
		if !ok {
			break
		}
		s.serveConn(ctx, w, c)
	}
	s.pool.remove(w.id)
	s.observer.WorkerTerminated(w.id)
}

// serveConn runs the handler for one connection and reports the outcome.
// The connection is closed here no matter what the handler did with it.
func (s *Server) serveConn(ctx context.Context, w *Worker, c *Conn) {
	peer := c.Peer()
	s.observer.ConnectionEstablished(peer)
	err := s.runHandler(ctx, c, w.opts)
	_ = c.Close()
	w.current.Store(nil)
	if err != nil {
		s.observer.ConnectionClosedAbnormally(peer, err)
		return
	}
	s.observer.ConnectionClosedNormally(peer)
}

// runHandler invokes the handler with panic containment: a panicking
// handler is reported as an abnormal connection error, and the worker
// lives on.
func (s *Server) runHandler(ctx context.Context, c *Conn, opts any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			err = fmt.Errorf("handler panic: %v\n%s", r, buf)
		}
	}()
	return s.handler.Handle(ctx, c, opts)
}
