// Package sim replays timed reader/writer workloads against a lock and checks
// what every reader observed.
package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnexpectedValue is returned when a reader observes a value outside its
// expectations.
var ErrUnexpectedValue = errors.New("unexpected value")

// Locker is the scoped acquisition protocol the simulator drives.
// *rwlock.Lock and *metrics.Lock satisfy it.
type Locker interface {
	WithReader(fn func() error) error
	WithWriter(fn func() error) error
}

// Observation records one completed task.
type Observation struct {
	Task string
	Role Role
	// Value read by a reader or written by a writer.
	Value int
	// Acquired and Released are offsets from the start of the run.
	Acquired time.Duration
	Released time.Duration
}

// Report is the outcome of a run.
type Report struct {
	RunID        uuid.UUID
	Observations []Observation
	Elapsed      time.Duration
}

// Runner executes scenarios against a single lock.
type Runner struct {
	lock  Locker
	clock clockwork.Clock
	log   *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock used for start delays and holds.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithLogger sets the logger for task events.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// New creates a *Runner driving lock.
func New(lock Locker, opts ...Option) *Runner {
	r := &Runner{
		lock:  lock,
		clock: clockwork.NewRealClock(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run holds the shared state of a single Run call.
type run struct {
	*Runner
	log   *zap.Logger
	start time.Time

	// shared защищён тестируемым замком, а не mu.
	shared int

	mu           sync.Mutex
	observations []Observation
}

// Run starts every task of sc concurrently and waits for all of them.
// It returns the report together with the first error: a reader observing an
// unexpected value, or ctx being done while a task was sleeping. A task
// already holding the lock always finishes its hold and releases.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*Report, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	rn := &run{
		Runner: r,
		log:    r.log.With(zap.Stringer("run_id", id)),
		start:  r.clock.Now(),
		shared: sc.Initial,
	}
	rn.log.Info("run started", zap.Int("tasks", len(sc.Tasks)), zap.Int("initial", sc.Initial))

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range sc.Tasks {
		g.Go(func() error {
			return rn.task(ctx, task)
		})
	}
	err = g.Wait()

	report := &Report{
		RunID:        id,
		Observations: rn.observations,
		Elapsed:      r.clock.Since(rn.start),
	}
	sort.SliceStable(report.Observations, func(i, j int) bool {
		return report.Observations[i].Acquired < report.Observations[j].Acquired
	})

	if err != nil {
		rn.log.Warn("run failed", zap.Error(err))
		return report, err
	}
	rn.log.Info("run finished", zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (rn *run) task(ctx context.Context, task Task) error {
	log := rn.log.With(zap.String("task", task.Name), zap.String("role", string(task.Role)))

	if err := rn.sleep(ctx, task.Start); err != nil {
		return fmt.Errorf("task %q: %w", task.Name, err)
	}
	log.Debug("requesting lock")

	var obs Observation
	critical := func() error {
		obs = Observation{Task: task.Name, Role: task.Role, Acquired: rn.clock.Since(rn.start)}
		// Удержание не прерывается отменой: замок отпускается только после него.
		_ = rn.sleep(context.Background(), task.Hold)

		if task.Role == Writer {
			rn.shared = task.Value
		}
		obs.Value = rn.shared
		obs.Released = rn.clock.Since(rn.start)

		if task.Role == Reader && len(task.Expect) > 0 && !slices.Contains(task.Expect, obs.Value) {
			return fmt.Errorf("%w: reader %q observed %d, want one of %v", ErrUnexpectedValue, task.Name, obs.Value, task.Expect)
		}
		return nil
	}

	var err error
	if task.Role == Writer {
		err = rn.lock.WithWriter(critical)
	} else {
		err = rn.lock.WithReader(critical)
	}

	rn.mu.Lock()
	rn.observations = append(rn.observations, obs)
	rn.mu.Unlock()

	log.Debug("lock released", zap.Int("value", obs.Value), zap.Duration("acquired_at", obs.Acquired))
	return err
}

func (rn *run) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-rn.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
