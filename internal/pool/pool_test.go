package pool

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

func TestNewRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(openTestDB(t), Options{Capacity: 0})
	require.Error(t, err)
}

func TestConnectionsOpenLazily(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 3)
	require.Equal(t, 0, p.Size())
	require.Equal(t, 3, p.Capacity())

	conn := mustAcquire(t, p)
	require.Equal(t, 1, p.Size())
	require.Equal(t, 1, p.InUse())
	require.Equal(t, 0, p.FreeCount())

	require.NoError(t, p.Release(conn))
	require.Equal(t, 1, p.Size())
	require.Equal(t, 0, p.InUse())
	require.Equal(t, 1, p.FreeCount())
}

func TestAcquireBeyondCapacityTimesOut(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)
	first := mustAcquire(t, p)
	second := mustAcquire(t, p)

	started := time.Now()
	_, err := p.AcquireWithin(t.Context(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	require.Equal(t, 2, p.InUse())

	require.NoError(t, p.Release(first))
	third, err := p.AcquireWithin(t.Context(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, first.ID(), third.ID(), "released slot is reused")

	require.NoError(t, p.Release(second))
	require.NoError(t, p.Release(third))
	require.Equal(t, uint64(1), p.Stats().TimedOut)
}

func TestBlockedAcquireProceedsAfterRelease(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	held := mustAcquire(t, p)

	got := make(chan error, 1)
	go func() {
		conn, err := p.AcquireWithin(context.Background(), 5*time.Second)
		if err == nil {
			err = p.Release(conn)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Release(held))
	require.NoError(t, <-got)
}

func TestCheckedOutNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 3
	p := newTestPool(t, capacity)

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	g, ctx := errgroup.WithContext(t.Context())
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			conn, err := p.AcquireWithin(ctx, 5*time.Second)
			if err != nil {
				return err
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			stats := p.Stats()
			if stats.InUse+stats.Free != stats.Size || stats.Size > capacity {
				return errors.New("pool accounting invariant violated")
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			return p.Release(conn)
		})
	}
	require.NoError(t, g.Wait())
	require.LessOrEqual(t, int(peak.Load()), capacity)
	require.Equal(t, 0, p.InUse())
}

func TestAcquireCanceledWhileWaitingGrantsNothing(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	held := mustAcquire(t, p)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.AcquireWithin(ctx, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, p.InUse())

	require.NoError(t, p.Release(held))
	again := mustAcquire(t, p)
	require.NoError(t, p.Release(again))
}

func TestInvalidReleases(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)
	other := newTestPool(t, 1)

	conn := mustAcquire(t, p)
	require.NoError(t, p.Release(conn))
	require.ErrorIs(t, p.Release(conn), ErrInvalidRelease, "double release")

	foreign := mustAcquire(t, other)
	require.ErrorIs(t, p.Release(foreign), ErrInvalidRelease)
	require.NoError(t, other.Release(foreign))

	require.ErrorIs(t, p.Release(nil), ErrInvalidRelease)

	// A stale handle must not free a slot that was lent out again.
	stale := conn
	current := mustAcquire(t, p)
	require.Equal(t, stale.ID(), current.ID())
	require.ErrorIs(t, p.Release(stale), ErrInvalidRelease)
	require.Equal(t, 1, p.InUse())
	require.NoError(t, p.Release(current))

	require.Equal(t, uint64(4), p.Stats().Invalid)
}

func TestOpenFailureDoesNotConsumeCapacity(t *testing.T) {
	t.Parallel()

	src := &flakySource{failures: 3, db: openTestDB(t)}
	p, err := New(src, Options{Capacity: 1, AcquireTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(t.Context())
		require.ErrorIs(t, err, ErrConnectionOpenFailed)
		require.Equal(t, 0, p.Size())
	}

	conn, err := p.Acquire(t.Context())
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
	require.Equal(t, uint64(3), p.Stats().OpenFailed)
}

func TestIdleConnectionFailingPingIsReplaced(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p, err := New(openTestDB(t), Options{Capacity: 1, MaxIdleTime: time.Minute, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	conn := mustAcquire(t, p)
	broken := conn.Raw()
	require.NoError(t, broken.Close())
	require.NoError(t, p.Release(conn))

	clock.Advance(2 * time.Minute)
	fresh := mustAcquire(t, p)
	require.NotSame(t, broken, fresh.Raw())
	require.NoError(t, fresh.Raw().PingContext(t.Context()))
	require.NoError(t, p.Release(fresh))
}

func TestExclusiveBlocksNewCheckouts(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Exclusive(context.Background(), time.Second, func(ctx context.Context, conn *sql.Conn) error {
			close(entered)
			<-proceed
			return conn.PingContext(ctx)
		})
	}()

	<-entered
	_, err := p.AcquireWithin(t.Context(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrPoolExhausted)

	close(proceed)
	require.NoError(t, <-done)

	conn := mustAcquire(t, p)
	require.NoError(t, p.Release(conn))
}

func TestExclusiveTimesOutWhileConnectionHeld(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)
	held := mustAcquire(t, p)

	called := false
	err := p.Exclusive(t.Context(), 30*time.Millisecond, func(context.Context, *sql.Conn) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrQuiesceTimeout)
	require.False(t, called)

	require.NoError(t, p.Release(held))
	conn := mustAcquire(t, p)
	require.NoError(t, p.Release(conn))
}

func TestSuspendRejectsAcquireAndResumeRestoresService(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 2)
	before := mustAcquire(t, p)
	require.NoError(t, p.Release(before))

	require.NoError(t, p.Suspend(t.Context(), time.Second))
	require.True(t, p.Stats().Restoring)
	require.Equal(t, 0, p.Size())

	started := time.Now()
	_, err := p.AcquireWithin(t.Context(), 5*time.Second)
	require.ErrorIs(t, err, ErrRestoreInProgress)
	require.Less(t, time.Since(started), time.Second, "acquire must fail fast during restore")

	require.NoError(t, p.Resume(openTestDB(t)))
	require.Equal(t, uint64(1), p.Stats().Generation)

	after := mustAcquire(t, p)
	require.NoError(t, p.Release(after))
	require.ErrorIs(t, p.Release(before), ErrInvalidRelease, "pre-restore handle is stale")
}

func TestSuspendWakesBlockedWaiters(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	held := mustAcquire(t, p)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.AcquireWithin(context.Background(), 10*time.Second)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	suspended := make(chan error, 1)
	go func() { suspended <- p.Suspend(context.Background(), 5*time.Second) }()

	select {
	case err := <-waiterErr:
		require.ErrorIs(t, err, ErrRestoreInProgress)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by suspend")
	}

	require.NoError(t, p.Release(held))
	require.NoError(t, <-suspended)
	require.NoError(t, p.Resume(openTestDB(t)))
}

func TestSuspendTimeoutLeavesPoolServing(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1)
	held := mustAcquire(t, p)

	err := p.Suspend(t.Context(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrQuiesceTimeout)
	require.False(t, p.Stats().Restoring)

	require.NoError(t, p.Release(held))
	conn := mustAcquire(t, p)
	require.NoError(t, p.Release(conn))

	require.ErrorIs(t, p.Resume(openTestDB(t)), ErrNotSuspended)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &countingSource{DB: openTestDB(t)}
	p, err := New(src, Options{Capacity: 2})
	require.NoError(t, err)

	busy := mustAcquire(t, p)
	free := mustAcquire(t, p)
	require.NoError(t, p.Release(free))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.Equal(t, int32(1), src.closes.Load())

	_, err = p.Acquire(t.Context())
	require.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, p.Release(busy))
	require.Equal(t, 0, p.Size())
}

func newTestPool(t *testing.T, capacity int) *Pool {
	t.Helper()

	p, err := New(openTestDB(t), Options{Capacity: capacity, AcquireTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustAcquire(t *testing.T, p *Pool) *Conn {
	t.Helper()

	conn, err := p.Acquire(t.Context())
	require.NoError(t, err)
	return conn
}

type flakySource struct {
	mu       sync.Mutex
	failures int
	db       *sql.DB
}

func (s *flakySource) Conn(ctx context.Context) (*sql.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("database is locked")
	}
	return s.db.Conn(ctx)
}

func (s *flakySource) Close() error { return s.db.Close() }

type countingSource struct {
	*sql.DB
	closes atomic.Int32
}

func (s *countingSource) Close() error {
	s.closes.Add(1)
	return s.DB.Close()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
