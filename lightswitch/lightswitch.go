// Package lightswitch turns a population of concurrent members into a single
// held/open signal on an external gate.
//
// The first member to Enter acquires the external gate, the last member to
// Exit releases it. Everyone in between passes through without touching it.
package lightswitch

import (
	"sync/atomic"

	"gitlab.com/slon/txrwlock/gate"
)

//go:generate mockgen -destination=mock_gate_test.go -package=lightswitch . Gate

// Gate is the external lock a Switch drives.
// *gate.Gate satisfies it.
type Gate interface {
	Acquire()
	Release()
}

// A Switch counts members and holds its external gate while the count is
// positive. The external gate is never held by a Switch on behalf of anyone
// outside its population.
type Switch struct {
	ext Gate
	// mu сериализует изменения count и engaged. Удерживается и во время
	// ожидания ext, чтобы остальные входящие вставали в очередь за первым.
	mu *gate.Gate

	count int

	// snapshots for lock-free readers
	size    atomic.Int64
	engaged atomic.Bool
}

// New creates *Switch driving ext.
func New(ext Gate) *Switch {
	return &Switch{
		ext: ext,
		mu:  gate.New(),
	}
}

// Enter adds the caller to the population.
// On the 0→1 transition it acquires the external gate, blocking until the
// gate becomes available. Concurrent entrants queue behind that acquisition.
func (s *Switch) Enter() {
	s.mu.Acquire()
	s.count++
	s.size.Store(int64(s.count))
	if s.count == 1 {
		s.ext.Acquire()
		s.engaged.Store(true)
	}
	s.mu.Release()
}

// Exit removes the caller from the population.
// On the 1→0 transition it releases the external gate.
// It is a run-time error to Exit without a matching Enter.
func (s *Switch) Exit() {
	s.mu.Acquire()
	if s.count == 0 {
		s.mu.Release()
		panic("lightswitch: exit without matching enter")
	}
	s.count--
	s.size.Store(int64(s.count))
	if s.count == 0 {
		s.engaged.Store(false)
		s.ext.Release()
	}
	s.mu.Release()
}

// Count reports the number of members that have entered and not yet exited,
// including a first entrant still waiting for the external gate.
func (s *Switch) Count() int {
	return int(s.size.Load())
}

// Engaged reports whether the external gate is currently held on behalf of
// the population.
func (s *Switch) Engaged() bool {
	return s.engaged.Load()
}
