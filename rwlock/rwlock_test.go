package rwlock

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireDone(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func requireBlocked(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLock_ReaderLock(t *testing.T) {
	l := New(WithLogger(zaptest.NewLogger(t)))

	l.ReaderAcquire()
	l.ReaderAcquire()
	require.False(t, l.IsWriting())
	require.True(t, l.IsReading())
	require.Equal(t, 2, l.Readers())

	l.ReaderRelease()
	require.True(t, l.IsReading())
	l.ReaderRelease()
	require.False(t, l.IsReading())
	require.False(t, l.IsWriting())
}

func TestLock_ReadersOnlyObservedConcurrently(t *testing.T) {
	const churners = 4

	l := New()
	// Один читатель остаётся внутри всё время теста.
	l.ReaderAcquire()

	stop := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < churners; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				l.ReaderAcquire()
				l.ReaderRelease()
			}
		})
	}

	var samples, writing, notReading int
	for deadline := time.Now().Add(200 * time.Millisecond); time.Now().Before(deadline); {
		samples++
		if l.IsWriting() {
			writing++
		}
		if !l.IsReading() {
			notReading++
		}
	}
	close(stop)
	require.NoError(t, g.Wait())

	require.Zero(t, writing, "IsWriting reported true in %d of %d samples", writing, samples)
	require.Zero(t, notReading, "IsReading reported false in %d of %d samples", notReading, samples)

	l.ReaderRelease()
	require.False(t, l.IsReading())
	require.False(t, l.IsWriting())
}

func TestLock_WriterLock(t *testing.T) {
	l := New()
	require.False(t, l.IsWriting())
	require.False(t, l.IsReading())

	acquired := make(chan struct{})
	go func() {
		l.WriterAcquire()
		close(acquired)
	}()
	requireDone(t, acquired, "writer blocked on a free lock")

	require.True(t, l.IsWriting())
	require.False(t, l.IsReading())

	l.WriterRelease()
	require.False(t, l.IsWriting())
	require.False(t, l.IsReading())
}

func TestLock_WriterBlocksReaders(t *testing.T) {
	l := New(WithLogger(zaptest.NewLogger(t)))
	shared := 10

	read := func(delay, duration time.Duration, expected ...int) func() error {
		return func() error {
			time.Sleep(delay)
			return l.WithReader(func() error {
				time.Sleep(duration)
				for _, v := range expected {
					if v == shared {
						return nil
					}
				}
				return fmt.Errorf("reader at %v observed %d, want one of %v", delay, shared, expected)
			})
		}
	}
	write := func(delay, duration time.Duration, value int) func() error {
		return func() error {
			time.Sleep(delay)
			return l.WithWriter(func() error {
				time.Sleep(duration)
				shared = value
				return nil
			})
		}
	}

	const ms = time.Millisecond
	var g errgroup.Group
	g.Go(read(100*ms, 100*ms, 10))
	g.Go(read(100*ms, 100*ms, 10))
	g.Go(write(150*ms, 100*ms, 15))
	// Ждёт окончания предыдущей записи.
	g.Go(write(170*ms, 100*ms, 20))
	// 15 if admitted between the writers, 20 otherwise.
	g.Go(read(200*ms, 0, 15, 20))
	// Starts after the second writer and has to wait for it.
	g.Go(read(260*ms, 0, 20))
	g.Go(read(300*ms, 0, 20))

	require.NoError(t, g.Wait())
	require.False(t, l.IsReading())
	require.False(t, l.IsWriting())
}

func TestLock_ReaderFailure(t *testing.T) {
	l := New()
	errAny := errors.New("any error")

	err := l.WithReader(func() error {
		require.True(t, l.IsReading())
		return errAny
	})
	require.ErrorIs(t, err, errAny)
	require.False(t, l.IsReading())
	require.False(t, l.IsWriting())

	acquired := make(chan struct{})
	go func() {
		l.WriterAcquire()
		close(acquired)
	}()
	requireDone(t, acquired, "writer blocked after a failed reader released")
	l.WriterRelease()

	l.ReaderAcquire()
	require.True(t, l.IsReading())
	l.ReaderRelease()
}

func TestLock_PanicReleases(t *testing.T) {
	l := New()

	require.PanicsWithValue(t, "boom", func() {
		_ = l.WithReader(func() error { panic("boom") })
	})
	require.False(t, l.IsReading())
	require.Equal(t, 0, l.Readers())

	require.PanicsWithValue(t, "boom", func() {
		_ = l.WithWriter(func() error { panic("boom") })
	})
	require.False(t, l.IsWriting())

	require.NoError(t, l.WithWriter(func() error { return nil }))
}

func TestLock_WriterWaitsForReaders(t *testing.T) {
	l := New()
	l.ReaderAcquire()
	l.ReaderAcquire()

	acquired := make(chan struct{})
	go func() {
		l.WriterAcquire()
		close(acquired)
	}()

	requireBlocked(t, acquired, "writer entered while readers were active")
	// The writer has claimed the lock but readers are still inside.
	require.True(t, l.IsWriting())
	require.False(t, l.IsReading())

	l.ReaderRelease()
	requireBlocked(t, acquired, "writer entered while a reader was active")

	l.ReaderRelease()
	requireDone(t, acquired, "writer was not admitted after the last reader left")
	l.WriterRelease()
}

func TestLock_LateReaderCannotOvertakeWriter(t *testing.T) {
	l := New()
	l.ReaderAcquire()

	events := make(chan string, 2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.WriterAcquire()
		events <- "writer"
		time.Sleep(20 * time.Millisecond)
		l.WriterRelease()
	}()
	require.Eventually(t, l.IsWriting, time.Second, time.Millisecond)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		l.ReaderAcquire()
		events <- "reader"
		l.ReaderRelease()
	}()

	requireBlocked(t, readerDone, "late reader overtook a pending writer")
	require.Empty(t, events)

	l.ReaderRelease()
	requireDone(t, writerDone, "writer never finished")
	requireDone(t, readerDone, "reader never finished")

	require.Equal(t, "writer", <-events)
	require.Equal(t, "reader", <-events)
	require.False(t, l.IsReading())
	require.False(t, l.IsWriting())
}

func TestLock_WritersServedInOrder(t *testing.T) {
	const writers = 5

	l := New()
	l.WriterAcquire()

	order := make(chan int, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			return l.WithWriter(func() error {
				order <- i
				return nil
			})
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Readers queued behind the writers stay out until all of them are done.
	var readerSaw atomic.Int32
	g.Go(func() error {
		return l.WithReader(func() error {
			readerSaw.Store(int32(len(order)))
			return nil
		})
	})
	time.Sleep(10 * time.Millisecond)

	l.WriterRelease()
	require.NoError(t, g.Wait())

	close(order)
	next := 0
	for got := range order {
		require.Equal(t, next, got)
		next++
	}
	require.Equal(t, writers, next)
	require.Equal(t, int32(writers), readerSaw.Load())
}

func TestLock_RoundTrip(t *testing.T) {
	const (
		readers = 50
		writers = 10
	)

	l := New()
	var activeReaders, activeWriters atomic.Int32

	var g errgroup.Group
	for i := 0; i < readers+writers; i++ {
		isWriter := i%((readers+writers)/writers) == 0
		pause := time.Duration(rand.Intn(1000)) * time.Microsecond

		g.Go(func() error {
			time.Sleep(pause)
			if isWriter {
				return l.WithWriter(func() error {
					defer activeWriters.Add(-1)
					if n := activeWriters.Add(1); n != 1 {
						return fmt.Errorf("%d writers inside", n)
					}
					if n := activeReaders.Load(); n != 0 {
						return fmt.Errorf("writer inside with %d readers", n)
					}
					time.Sleep(time.Millisecond)
					return nil
				})
			}
			return l.WithReader(func() error {
				activeReaders.Add(1)
				defer activeReaders.Add(-1)
				if n := activeWriters.Load(); n != 0 {
					return fmt.Errorf("reader inside with %d writers", n)
				}
				time.Sleep(time.Millisecond)
				return nil
			})
		})
	}

	require.NoError(t, g.Wait())
	require.False(t, l.IsReading())
	require.False(t, l.IsWriting())
	require.Equal(t, 0, l.Readers())
}

func TestLock_UnmatchedReleasePanics(t *testing.T) {
	l := New()
	require.PanicsWithValue(t, "lightswitch: exit without matching enter", l.ReaderRelease)
	require.PanicsWithValue(t, "rwlock: writer release of lock not held by a writer", l.WriterRelease)

	l.ReaderAcquire()
	require.Panics(t, l.WriterRelease)
	require.True(t, l.IsReading())
	l.ReaderRelease()

	l.WriterAcquire()
	l.WriterRelease()
	require.Panics(t, l.WriterRelease)
	require.False(t, l.IsWriting())
}

func TestLock_Lockers(t *testing.T) {
	l := New()

	r := l.RLocker()
	r.Lock()
	r.Lock()
	require.True(t, l.IsReading())
	r.Unlock()
	r.Unlock()

	w := l.Locker()
	w.Lock()
	require.True(t, l.IsWriting())
	w.Unlock()
	require.False(t, l.IsWriting())
}

func TestLock_Logging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(WithLogger(zap.New(core)), WithName("cache"))

	l.ReaderAcquire()
	l.ReaderRelease()
	l.WriterAcquire()
	l.WriterRelease()

	for _, msg := range []string{"reader acquired", "reader released", "writer acquired", "writer released"} {
		require.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
	}

	entry := logs.FilterMessage("reader acquired").All()[0]
	require.Equal(t, "rwlock", entry.LoggerName)
	require.Equal(t, "cache", entry.ContextMap()["lock"])
	require.Equal(t, int64(1), entry.ContextMap()["readers"])
}
