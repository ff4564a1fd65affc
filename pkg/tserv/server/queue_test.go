package server

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := newConnQueue(nil)
	a, _ := pipeConn(t)
	b, _ := pipeConn(t)
	c, _ := pipeConn(t)
	q.push(a)
	q.push(b)
	q.push(c)
	assert.Equal(t, 3, q.Len())

	w := newWorker(nil)
	for _, want := range []*Conn{a, b, c} {
		got, ok := q.popOrRetire(w, 0)
		require.True(t, ok)
		assert.Same(t, want, got)
		assert.Same(t, want, w.current.Load())
		w.current.Store(nil)
	}
	assert.True(t, q.IsEmpty())
}

func TestQueueSentinelRetires(t *testing.T) {
	q := newConnQueue(nil)
	q.push(nil)
	assert.Equal(t, 1, q.sentinelLen())
	assert.Zero(t, q.connLen())

	_, ok := q.popOrRetire(newWorker(nil), 0)
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestQueueRetiresWhenFloorCovered(t *testing.T) {
	q := newConnQueue(nil)
	parked := newWorker(nil)
	popped := make(chan *Conn, 1)
	go func() {
		c, _ := q.popOrRetire(parked, 1)
		popped <- c
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, waitFor, pollTick)

	// One parked worker already covers a floor of one, so the next idle
	// worker retires instead of parking too.
	_, ok := q.popOrRetire(newWorker(nil), 1)
	assert.False(t, ok)

	c, _ := pipeConn(t)
	q.push(c)
	select {
	case got := <-popped:
		assert.Same(t, c, got)
	case <-time.After(waitFor):
		t.Fatal("parked worker never received the connection")
	}
}

func TestQueueTerminateFlagDrainsFirst(t *testing.T) {
	q := newConnQueue(nil)
	w := newWorker(nil)
	w.terminate.Store(true)

	// Empty queue: the flag retires the worker no matter how high the floor.
	_, ok := q.popOrRetire(w, 99)
	assert.False(t, ok)

	// Queued work is still served before the flag takes effect.
	c, _ := pipeConn(t)
	q.push(c)
	got, ok := q.popOrRetire(w, 99)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestQueueKillWakesParkedWorker(t *testing.T) {
	q := newConnQueue(nil)
	w := newWorker(nil)
	verdict := make(chan bool, 1)
	go func() {
		_, ok := q.popOrRetire(w, 1)
		verdict <- ok
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, waitFor, pollTick)

	w.killed.Store(true)
	q.wakeAll()
	select {
	case ok := <-verdict:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("parked worker did not observe the kill")
	}
	assert.Zero(t, q.Waiting())
}

func TestQueueKilledWorkerLeavesQueueAlone(t *testing.T) {
	q := newConnQueue(nil)
	c, _ := pipeConn(t)
	q.push(c)

	w := newWorker(nil)
	w.killed.Store(true)
	_, ok := q.popOrRetire(w, 0)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestQueueKillRacingPushKeepsConnection(t *testing.T) {
	q := newConnQueue(nil)
	w := newWorker(nil)
	verdict := make(chan bool, 1)
	go func() {
		_, ok := q.popOrRetire(w, 1)
		verdict <- ok
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, waitFor, pollTick)

	// The kill lands while a connection is arriving. The dying worker must
	// not take it down with it.
	w.killed.Store(true)
	c, _ := pipeConn(t)
	q.push(c)
	q.wakeAll()
	select {
	case ok := <-verdict:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("killed worker did not retire")
	}
	assert.Equal(t, 1, q.Len())

	got, ok := q.popOrRetire(newWorker(nil), 0)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestQueueKilledWorkerHandsWakeupToSurvivor(t *testing.T) {
	q := newConnQueue(nil)
	doomed := newWorker(nil)
	survivor := newWorker(nil)
	got := make(chan *Conn, 2)
	for _, w := range []*Worker{doomed, survivor} {
		w := w
		go func() {
			c, _ := q.popOrRetire(w, 2)
			got <- c
		}()
	}
	require.Eventually(t, func() bool { return q.Waiting() == 2 }, waitFor, pollTick)

	doomed.killed.Store(true)
	c, _ := pipeConn(t)
	q.push(c)
	q.wakeAll()

	// Whichever worker the push woke, the connection must end up with the
	// survivor and the doomed worker must leave empty-handed.
	results := make([]*Conn, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			results = append(results, r)
		case <-time.After(waitFor):
			t.Fatal("a worker never returned from the queue")
		}
	}
	assert.ElementsMatch(t, []*Conn{nil, c}, results)
	assert.Same(t, c, survivor.current.Load())
}

func TestQueueRetireAllWakesParkedWorker(t *testing.T) {
	q := newConnQueue(nil)
	w := newWorker(nil)
	verdict := make(chan bool, 1)
	go func() {
		_, ok := q.popOrRetire(w, 1)
		verdict <- ok
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, waitFor, pollTick)

	q.retireAll([]*Worker{w})
	select {
	case ok := <-verdict:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("parked worker did not observe the retire flag")
	}
	assert.Zero(t, q.Waiting())
}

func TestQueueRetiredWorkerSkipsQueuedWork(t *testing.T) {
	q := newConnQueue(nil)
	c, _ := pipeConn(t)
	q.push(c)

	// A pre-reload worker returning from its last connection finds the
	// retire flag and steps aside even though work is queued; the queued
	// connection belongs to the replacement pool.
	w := newWorker(nil)
	q.retireAll([]*Worker{w})
	_, ok := q.popOrRetire(w, 0)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())

	got, ok := q.popOrRetire(newWorker(nil), 0)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestQueueOnIdleFiresOnlyWhenParking(t *testing.T) {
	var idles atomic.Int32
	q := newConnQueue(func() { idles.Add(1) })
	w := newWorker(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.popOrRetire(w, 1)
	}()
	require.Eventually(t, func() bool { return idles.Load() == 1 }, waitFor, pollTick)
	q.push(nil)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("sentinel did not release the parked worker")
	}

	// A pop that finds work ready does not report going idle.
	c, _ := pipeConn(t)
	q.push(c)
	got, ok := q.popOrRetire(w, 1)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, int32(1), idles.Load())
}

func TestQueueWaitingCount(t *testing.T) {
	q := newConnQueue(nil)
	assert.Zero(t, q.Waiting())

	for i := 0; i < 2; i++ {
		go func() {
			_, _ = q.popOrRetire(newWorker(nil), 2)
		}()
	}
	require.Eventually(t, func() bool { return q.Waiting() == 2 }, waitFor, pollTick)

	a, _ := pipeConn(t)
	b, _ := pipeConn(t)
	q.push(a)
	q.push(b)
	require.Eventually(t, func() bool { return q.Waiting() == 0 }, waitFor, pollTick)
	assert.True(t, q.IsEmpty())
}

func TestQueueStarved(t *testing.T) {
	q := newConnQueue(nil)
	assert.False(t, q.starved())

	c, _ := pipeConn(t)
	q.push(c)
	assert.True(t, q.starved())

	_, ok := q.popOrRetire(newWorker(nil), 0)
	require.True(t, ok)
	assert.False(t, q.starved())
}

func TestQueueResetClosesQueuedConns(t *testing.T) {
	q := newConnQueue(nil)
	a, aPeer := pipeConn(t)
	b, bPeer := pipeConn(t)
	q.push(a)
	q.push(nil)
	q.push(b)

	q.reset()
	assert.Zero(t, q.Len())

	for _, peer := range []net.Conn{aPeer, bPeer} {
		_, err := peer.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	}
}
