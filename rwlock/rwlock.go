// Package rwlock implements a readers/writer lock with writer priority.
//
// Any number of readers may hold the lock at the same time, a writer holds it
// alone. Once a writer has started to acquire the lock, readers that arrive
// later wait until that writer, and every writer queued right behind it,
// have released. Readers admitted before the writer run to completion and the
// writer waits for them.
//
// The lock is built from two light switches and three FIFO gates:
//
//	readers      light switch driving noWriters
//	writers      light switch driving noReaders
//	readersQueue serializes reader admission
//
// Acquire and release calls must be paired on every exit path. Use WithReader
// and WithWriter where possible: a skipped release deadlocks every later
// acquirer of either role.
package rwlock

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"gitlab.com/slon/txrwlock/gate"
	"gitlab.com/slon/txrwlock/lightswitch"
)

// A Lock is a readers/writer mutual exclusion lock with writer priority.
//
// Lock is safe for concurrent use. It is not reentrant: a goroutine holding
// the lock for reading must not acquire it again while a writer may be
// waiting, and a reader cannot be upgraded to a writer in place.
type Lock struct {
	readers *lightswitch.Switch
	writers *lightswitch.Switch

	noReaders    *gate.Gate
	noWriters    *gate.Gate
	readersQueue *gate.Gate

	// active writer, used to reject unmatched WriterRelease
	writing atomic.Bool

	log *zap.Logger
}

// Option configures a Lock.
type Option func(*options)

type options struct {
	log  *zap.Logger
	name string
}

// WithLogger sets the logger receiving debug events of acquisitions and
// releases. The default logger discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithName attaches name to every log entry of the lock.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// New creates an unlocked *Lock.
func New(opts ...Option) *Lock {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log.Named("rwlock")
	if o.name != "" {
		log = log.With(zap.String("lock", o.name))
	}

	l := &Lock{
		noReaders:    gate.New(),
		noWriters:    gate.New(),
		readersQueue: gate.New(),
		log:          log,
	}
	l.readers = lightswitch.New(l.noWriters)
	l.writers = lightswitch.New(l.noReaders)
	return l
}

// ReaderAcquire locks l for reading.
//
// It does not block while l is free or held by other readers only. It blocks
// while a writer holds l or is waiting for it, even if that writer is itself
// still waiting for earlier readers to finish.
func (l *Lock) ReaderAcquire() {
	l.readersQueue.Acquire()
	l.noReaders.Acquire()
	l.readers.Enter()
	l.noReaders.Release()
	l.readersQueue.Release()

	l.log.Debug("reader acquired", zap.Int("readers", l.readers.Count()))
}

// ReaderRelease undoes a single ReaderAcquire call; it does not affect other
// simultaneous readers. The last reader out lets a waiting writer in.
// It is a run-time error if l is not locked for reading on entry.
func (l *Lock) ReaderRelease() {
	l.readers.Exit()

	l.log.Debug("reader released", zap.Int("readers", l.readers.Count()))
}

// WriterAcquire locks l for writing.
//
// It immediately shuts out readers that have not been admitted yet, then
// blocks until the admitted readers and any earlier writer have released.
// Concurrent writers are served in arrival order.
func (l *Lock) WriterAcquire() {
	l.writers.Enter()
	l.noWriters.Acquire()
	l.writing.Store(true)

	l.log.Debug("writer acquired", zap.Int("writers", l.writers.Count()))
}

// WriterRelease unlocks l for writing. The next queued writer, if any, takes
// over before readers are let back in.
// It is a run-time error if l is not locked for writing on entry.
func (l *Lock) WriterRelease() {
	if !l.writing.CompareAndSwap(true, false) {
		panic("rwlock: writer release of lock not held by a writer")
	}
	l.noWriters.Release()
	l.writers.Exit()

	l.log.Debug("writer released", zap.Int("writers", l.writers.Count()))
}

// IsReading reports whether l is held by readers and no writer has claimed
// it. Readers passing admission do not affect the result.
// The result is a snapshot.
func (l *Lock) IsReading() bool {
	return l.readers.Engaged() && !l.writers.Engaged()
}

// IsWriting reports whether a writer holds l or has claimed it and waits for
// admitted readers to leave. Readers passing admission do not affect the
// result. The result is a snapshot.
func (l *Lock) IsWriting() bool {
	return l.writers.Engaged()
}

// Readers reports the size of the reader population, counting a first reader
// that is still waiting for a writer to leave.
func (l *Lock) Readers() int {
	return l.readers.Count()
}

// WithReader runs fn while holding l for reading and returns its error.
// The lock is released on every exit path of fn, panics included.
func (l *Lock) WithReader(fn func() error) error {
	l.ReaderAcquire()
	defer l.ReaderRelease()
	return fn()
}

// WithWriter runs fn while holding l for writing and returns its error.
// The lock is released on every exit path of fn, panics included.
func (l *Lock) WithWriter(fn func() error) error {
	l.WriterAcquire()
	defer l.WriterRelease()
	return fn()
}

// RLocker returns a sync.Locker that locks l for reading.
func (l *Lock) RLocker() sync.Locker {
	return (*rlocker)(l)
}

// Locker returns a sync.Locker that locks l for writing.
func (l *Lock) Locker() sync.Locker {
	return (*wlocker)(l)
}

type rlocker Lock

func (r *rlocker) Lock()   { (*Lock)(r).ReaderAcquire() }
func (r *rlocker) Unlock() { (*Lock)(r).ReaderRelease() }

type wlocker Lock

func (w *wlocker) Lock()   { (*Lock)(w).WriterAcquire() }
func (w *wlocker) Unlock() { (*Lock)(w).WriterRelease() }
