// Package server implements a persistent worker-pool TCP server: one
// accept goroutine feeds a FIFO connection queue consumed by a bounded,
// dynamically sized set of worker goroutines, each running a user-supplied
// Handler per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grevean/tserv/pkg/tserv/common"
)

// drainPollInterval paces Shutdown's checks while queued connections and
// in-flight handlers wind down.
var drainPollInterval = 10 * time.Millisecond

// Server accepts TCP connections and dispatches each one to a pool of
// worker goroutines. The pool holds MinWorkers workers when idle, grows on
// demand up to MaxConnections, and shrinks back once the load passes.
//
// A Server can be started again after it has fully stopped. Its methods
// are safe for concurrent use.
type Server struct {
	cfg      Config
	handler  Handler
	observer Observer
	logger   *zap.Logger
	limiter  *rate.Limiter

	queue *connQueue
	pool  *workerPool

	mu         sync.Mutex
	ln         net.Listener
	acceptDone chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc

	stopping     atomic.Bool
	shuttingDown atomic.Bool
}

// NewServer builds a server that reports lifecycle events through a
// LogObserver on the given logger. The configuration is clamped, never
// rejected; use Config.Validate for strict checking. Panics if handler is
// nil.
func NewServer(cfg Config, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewServerWithObserver(cfg, handler, NewLogObserver(logger), logger)
}

// NewServerWithObserver is NewServer with an explicit observer. A nil
// observer disables event reporting.
func NewServerWithObserver(cfg Config, handler Handler, obs Observer, logger *zap.Logger) *Server {
	if handler == nil {
		panic("server: nil handler")
	}
	if obs == nil {
		obs = NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.clamped()
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		observer: obs,
		logger:   logger,
		pool:     newWorkerPool(cfg.HandlerOptions),
	}
	s.queue = newConnQueue(s.pool.notifyFreed)
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.AcceptRate, burst)
	}
	return s
}

// Start binds the listener, spawns the permanent workers, and launches the
// accept loop. It returns once every permanent worker is parked on the
// queue, so the counters a caller reads right after Start are settled.
// Returns common.ErrAlreadyStarted if the server is running or still
// winding down from a previous cycle.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop and Shutdown hold their flag until teardown is complete, so a
	// true flag here means a previous cycle is still winding down.
	if s.acceptDone != nil || s.pool.Live() > 0 || s.stopping.Load() || s.shuttingDown.Load() {
		return common.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}

	s.queue.reset()
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	ctx := s.baseCtx
	s.pool.SpawnUpTo(s.cfg.MinWorkers, func(opts any) *Worker {
		return s.spawnWorker(ctx, opts)
	})
	s.pool.awaitChange(func(members, live int) bool {
		return s.queue.Waiting() >= s.cfg.MinWorkers
	})

	done := make(chan struct{})
	s.ln = ln
	s.acceptDone = done
	s.observer.ServerStarted(ln.Addr())
	go s.acceptLoop(ctx, ln, done)
	return nil
}

// acceptLoop owns the listener: it applies backpressure, accepts, enqueues
// and grows the pool. It exits when the listener closes or an accept error
// makes accepting impossible, and it is the sole emitter of ServerStopped.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer func() {
		_ = ln.Close()
		s.mu.Lock()
		if s.acceptDone == done {
			s.ln = nil
			s.acceptDone = nil
		}
		s.mu.Unlock()
		s.observer.ServerStopped()
		close(done)
	}()

	for {
		if !s.waitForFreeWorker() {
			return
		}
		s.observer.ServerWaitingForConnection()
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", zap.Error(err))
			return
		}
		s.queue.push(newConn(nc, s.cfg.ResolvePeerNames))
		s.maybeSpawn(ctx)
	}
}

// waitForFreeWorker blocks while the pool is at the connection cap with
// every worker busy. It reports false when the server is stopping and the
// loop should exit instead of accepting.
func (s *Server) waitForFreeWorker() bool {
	announced := false
	ok := true
	s.pool.awaitChange(func(members, live int) bool {
		if s.stopping.Load() || s.shuttingDown.Load() {
			ok = false
			return true
		}
		if members < s.cfg.MaxConnections || s.queue.Waiting() > 0 {
			return true
		}
		if !announced {
			announced = true
			s.observer.ServerWaitingForFreeWorker()
		}
		return false
	})
	return ok
}

// maybeSpawn adds one worker when connections are queued with nobody
// waiting to take them, up to the connection cap.
func (s *Server) maybeSpawn(ctx context.Context) {
	if !s.queue.starved() {
		return
	}
	target := s.pool.Size() + 1
	if target > s.cfg.MaxConnections {
		return
	}
	s.pool.SpawnUpTo(target, func(opts any) *Worker {
		return s.spawnWorker(ctx, opts)
	})
}

// spawnWorker creates a worker and launches its goroutine. Called with the
// pool lock held.
func (s *Server) spawnWorker(ctx context.Context, opts any) *Worker {
	w := newWorker(opts)
	s.observer.WorkerSpawned(w.id)
	go s.runWorker(ctx, w)
	return w
}

// Stop terminates the server immediately: the listener closes, every
// worker is flagged killed, in-flight connections are severed and queued
// connections are discarded. It blocks until the accept goroutine and all
// workers have exited. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln, done := s.ln, s.acceptDone
	if ln == nil && done == nil && s.pool.Live() == 0 {
		s.mu.Unlock()
		return nil
	}
	// Flag and sever under the lock so a concurrent Reload cannot slip
	// replacement workers in behind KillAll.
	s.stopping.Store(true)
	if ln != nil {
		_ = ln.Close()
	}
	if s.baseCancel != nil {
		s.baseCancel()
	}
	s.pool.KillAll()
	s.queue.wakeAll()
	s.pool.notifyFreed()
	s.mu.Unlock()

	// The accept goroutine takes the lock on its way out; join it only
	// after releasing.
	if done != nil {
		<-done
	}

	// A connection accepted just before the listener closed can be pushed,
	// and a worker spawned for it, after the first KillAll. The accept
	// goroutine is gone now, so a second pass covers anything it enqueued
	// or spawned in that window.
	s.pool.KillAll()
	s.queue.wakeAll()

	s.queue.reset()
	s.pool.awaitChange(func(members, live int) bool {
		return live == 0
	})
	s.stopping.Store(false)
	return nil
}

// Shutdown stops the server gracefully: no new connections are accepted,
// every connection already queued is served, and every worker retires once
// its work is done. In-flight handlers are not interrupted; ctx bounds how
// long Shutdown waits for them. On ctx expiry the drain is abandoned with
// ctx's error and Shutdown may be called again, or Stop used to cut the
// remaining work short.
//
// A concurrent Shutdown call returns nil immediately while the first one
// drains.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	ln, done := s.ln, s.acceptDone
	cancel := s.baseCancel
	if ln == nil && done == nil && s.pool.Live() == 0 {
		s.shuttingDown.Store(false)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.observer.ServerShuttingDown()
	if ln != nil {
		_ = ln.Close()
	}
	s.pool.notifyFreed()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			s.shuttingDown.Store(false)
			return ctx.Err()
		}
	}

	if err := s.awaitDrained(ctx, func() bool { return s.queue.connLen() == 0 }); err != nil {
		s.shuttingDown.Store(false)
		return err
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for s.pool.Live() > 0 {
		// One outstanding sentinel per flagged worker; re-checked every
		// pass because workers may spawn or retire while we wait.
		n := s.pool.MarkAll()
		for i := s.queue.sentinelLen(); i < n; i++ {
			s.queue.push(nil)
		}
		select {
		case <-ctx.Done():
			s.shuttingDown.Store(false)
			return ctx.Err()
		case <-ticker.C:
		}
	}
	// Cancel through the pointer captured at entry; the field itself is
	// written by Start under s.mu.
	if cancel != nil {
		cancel()
	}
	s.shuttingDown.Store(false)
	return nil
}

// awaitDrained polls cond until it holds or ctx expires.
func (s *Server) awaitDrained(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Reload replaces the worker pool without dropping a single connection:
// idle workers retire immediately, busy workers finish the connection they
// are serving and then retire, and a fresh set of permanent workers is
// spawned with the given handler options. Reload does not wait for the old
// workers. It is a no-op on a stopped or draining server.
func (s *Server) Reload(opts any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptDone == nil || s.stopping.Load() || s.shuttingDown.Load() {
		return
	}
	ctx := s.baseCtx

	s.pool.SetOptions(opts)
	old := s.pool.SnapshotAndClear()
	s.queue.retireAll(old)
	s.pool.SpawnUpTo(s.cfg.MinWorkers, func(opts any) *Worker {
		return s.spawnWorker(ctx, opts)
	})
}

// WorkerCount reports every worker goroutine still running, including
// pre-Reload workers finishing their last connection.
func (s *Server) WorkerCount() int {
	return s.pool.Live()
}

// IdleWorkerCount reports how many workers are parked waiting for a
// connection.
func (s *Server) IdleWorkerCount() int {
	return s.queue.Waiting()
}

// Connections reports the peers of every connection currently being
// served, in no particular order.
func (s *Server) Connections() []PeerInfo {
	return s.pool.CurrentPeers()
}

// IsStarted reports whether the accept loop is running.
func (s *Server) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptDone != nil
}

// IsStopped reports whether the server is fully stopped: no accept loop
// and no workers, of any generation.
func (s *Server) IsStopped() bool {
	s.mu.Lock()
	started := s.acceptDone != nil
	s.mu.Unlock()
	return !started && s.pool.Live() == 0
}

// Addr returns the bound listener address, or nil when the server is not
// accepting. With Port 0 this is where the kernel-chosen port shows up.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
