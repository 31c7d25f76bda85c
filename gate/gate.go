// Package gate provides a binary mutual-exclusion gate with strict FIFO
// admission.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// A Gate is a binary mutual exclusion lock.
// It is either open or held by exactly one owner.
//
// Blocked Acquire calls are served strictly in arrival order. Release never
// makes the gate observably open while somebody is queued: ownership is
// handed straight to the longest waiter.
//
// As with sync.Mutex, a held Gate is not associated with a particular
// goroutine. One goroutine may Acquire a Gate and arrange for another
// goroutine to Release it.
type Gate struct {
	// semaphore держит очередь ожидающих в порядке прихода
	// и передаёт вес первому из них прямо внутри Release.
	sem  *semaphore.Weighted
	held atomic.Bool
}

// New creates an open *Gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire holds g.
// If g is already held, Acquire blocks until every earlier caller has been
// served and g is released to this one.
func (g *Gate) Acquire() {
	// Background is never done, so Acquire cannot fail.
	_ = g.sem.Acquire(context.Background(), 1)
	g.held.Store(true)
}

// TryAcquire holds g if it is open and nobody is queued for it.
// It reports whether g was acquired and never blocks. It may fail while a
// concurrent Release is still returning.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.held.Store(true)
	return true
}

// Release opens g, or passes it to the longest waiting Acquire.
// Locked keeps reporting true across a hand-off.
// It is a run-time error if g is not held on entry to Release.
func (g *Gate) Release() {
	if !g.held.Load() {
		panic("gate: release of unheld gate")
	}
	g.sem.Release(1)

	// Если вес никто не забрал, gate действительно открыт. held сбрасывается,
	// пока вес у нас, поэтому новый владелец не может его затереть.
	if g.sem.TryAcquire(1) {
		g.held.Store(false)
		g.sem.Release(1)
	}
}

// Locked reports whether g is held.
// The result is a snapshot and may be stale by the time the caller acts on it.
func (g *Gate) Locked() bool {
	return g.held.Load()
}
