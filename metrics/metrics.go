// Package metrics exports Prometheus metrics for readers/writer locks.
package metrics

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "txrwlock"

	lockKey = "lock"
	roleKey = "role"

	roleReader = "reader"
	roleWriter = "writer"
)

// Locker is the lock protocol instrumented by Metrics.
// *rwlock.Lock satisfies it.
type Locker interface {
	ReaderAcquire()
	ReaderRelease()
	WriterAcquire()
	WriterRelease()
}

// Metrics holds the collectors shared by every lock wrapped with it.
type Metrics struct {
	clock clockwork.Clock

	wait         *prometheus.HistogramVec
	hold         *prometheus.HistogramVec
	acquisitions *prometheus.CounterVec
	active       *prometheus.GaugeVec
}

// Option configures Metrics.
type Option func(*Metrics)

// WithClock sets the clock used to time waits and holds.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Metrics) {
		m.clock = clock
	}
}

// New creates Metrics and registers its collectors with reg.
func New(reg prometheus.Registerer, opts ...Option) (*Metrics, error) {
	labels := []string{lockKey, roleKey}
	m := &Metrics{
		clock: clockwork.NewRealClock(),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time spent waiting to acquire the lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, labels),
		hold: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hold_seconds",
			Help:      "Time between acquiring and releasing the lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, labels),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Completed acquisitions of the lock.",
		}, labels),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Current holders of the lock.",
		}, labels),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, c := range []prometheus.Collector{m.wait, m.hold, m.acquisitions, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lock metrics: %w", err)
		}
	}
	return m, nil
}

// Wrap returns l instrumented under the given lock name.
func (m *Metrics) Wrap(l Locker, name string) *Lock {
	return &Lock{
		l:      l,
		clock:  m.clock,
		reader: m.role(name, roleReader),
		writer: m.role(name, roleWriter),
	}
}

func (m *Metrics) role(name, role string) roleMetrics {
	labels := prometheus.Labels{lockKey: name, roleKey: role}
	return roleMetrics{
		wait:         m.wait.With(labels),
		hold:         m.hold.With(labels),
		acquisitions: m.acquisitions.With(labels),
		active:       m.active.With(labels),
	}
}

type roleMetrics struct {
	wait         prometheus.Observer
	hold         prometheus.Observer
	acquisitions prometheus.Counter
	active       prometheus.Gauge
}

// Lock is an instrumented Locker.
type Lock struct {
	l     Locker
	clock clockwork.Clock

	reader roleMetrics
	writer roleMetrics

	// время захвата писателем; писатель всегда один
	writerSince time.Time
}

// ReaderAcquire locks for reading and records the wait.
// Reader hold times are recorded by WithReader only, since concurrent readers
// cannot be told apart here.
func (l *Lock) ReaderAcquire() {
	start := l.clock.Now()
	l.l.ReaderAcquire()
	l.reader.acquired(l.clock.Since(start))
}

// ReaderRelease unlocks for reading.
func (l *Lock) ReaderRelease() {
	l.l.ReaderRelease()
	l.reader.active.Dec()
}

// WriterAcquire locks for writing and records the wait.
func (l *Lock) WriterAcquire() {
	start := l.clock.Now()
	l.l.WriterAcquire()
	l.writerSince = l.clock.Now()
	l.writer.acquired(l.writerSince.Sub(start))
}

// WriterRelease unlocks for writing and records the hold.
func (l *Lock) WriterRelease() {
	held := l.clock.Since(l.writerSince)
	l.l.WriterRelease()
	l.writer.hold.Observe(held.Seconds())
	l.writer.active.Dec()
}

// WithReader runs fn while holding the lock for reading and returns its
// error. The lock is released on every exit path of fn.
func (l *Lock) WithReader(fn func() error) error {
	l.ReaderAcquire()
	start := l.clock.Now()
	defer func() {
		l.reader.hold.Observe(l.clock.Since(start).Seconds())
		l.ReaderRelease()
	}()
	return fn()
}

// WithWriter runs fn while holding the lock for writing and returns its
// error. The lock is released on every exit path of fn.
func (l *Lock) WithWriter(fn func() error) error {
	l.WriterAcquire()
	defer l.WriterRelease()
	return fn()
}

func (r roleMetrics) acquired(wait time.Duration) {
	r.wait.Observe(wait.Seconds())
	r.acquisitions.Inc()
	r.active.Inc()
}
