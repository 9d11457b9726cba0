// Package pool hands out a bounded number of dedicated database connections.
//
// Checkouts are counted by a FIFO weighted semaphore holding one permit per
// connection slot. A waiter therefore blocks without spinning, and a caller
// taking every permit (Exclusive, Suspend) stops new checkouts behind it.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	applog "github.com/Mirxou/Standard-El-joumla-sub004/internal/log"
	"github.com/Mirxou/Standard-El-joumla-sub004/internal/metrics"
)

const (
	defaultAcquireTimeout = 5 * time.Second
	defaultName           = "default"
)

// Source opens the dedicated connections a pool lends out. *sql.DB satisfies it.
type Source interface {
	Conn(ctx context.Context) (*sql.Conn, error)
	Close() error
}

type Options struct {
	// Capacity is the maximum number of simultaneously open connections.
	Capacity int
	// AcquireTimeout applies to Acquire. Zero means 5s.
	AcquireTimeout time.Duration
	// MaxIdleTime triggers a ping before a long idle connection is reused.
	// Zero disables the check.
	MaxIdleTime time.Duration
	// Name labels the pool's metrics.
	Name   string
	Logger *slog.Logger
	Now    func() time.Time
}

type slotState int

const (
	slotEmpty slotState = iota
	slotOpening
	slotFree
	slotBusy
)

type slot struct {
	id       int
	raw      *sql.Conn
	state    slotState
	lastUsed time.Time
	lease    uint64
}

// Conn is one checkout of a pooled connection. It is valid until passed to
// Release; a second Release of the same Conn is rejected.
type Conn struct {
	pool       *Pool
	slot       int
	generation uint64
	lease      uint64
	raw        *sql.Conn
}

// Raw returns the underlying connection.
func (c *Conn) Raw() *sql.Conn { return c.raw }

// ID is the arena slot the connection occupies.
func (c *Conn) ID() int { return c.slot }

type Stats struct {
	Name       string
	Capacity   int
	Size       int
	InUse      int
	Free       int
	Generation uint64
	Restoring  bool
	Closed     bool
	Acquired   uint64
	TimedOut   uint64
	OpenFailed uint64
	Invalid    uint64
}

type Pool struct {
	name           string
	capacity       int
	acquireTimeout time.Duration
	maxIdleTime    time.Duration
	logger         *slog.Logger
	now            func() time.Time
	sem            *semaphore.Weighted

	mu         sync.Mutex
	source     Source
	slots      []*slot
	free       []int
	generation uint64
	nextLease  uint64
	restoring  bool
	suspended  bool
	closed     bool
	waiters    map[uint64]context.CancelCauseFunc
	nextWaiter uint64

	acquired   uint64
	timedOut   uint64
	openFailed uint64
	invalid    uint64
}

func New(source Source, opts Options) (*Pool, error) {
	if source == nil {
		return nil, fmt.Errorf("new pool: source is required")
	}
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("new pool: capacity must be >= 1, got %d", opts.Capacity)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.Logger == nil {
		opts.Logger = applog.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		name:           opts.Name,
		capacity:       opts.Capacity,
		acquireTimeout: opts.AcquireTimeout,
		maxIdleTime:    opts.MaxIdleTime,
		logger:         opts.Logger.With("component", "pool", "pool", opts.Name),
		now:            opts.Now,
		sem:            semaphore.NewWeighted(int64(opts.Capacity)),
		source:         source,
		waiters:        make(map[uint64]context.CancelCauseFunc),
	}
	p.slots = newSlots(opts.Capacity)
	p.publishGauges()
	return p, nil
}

func newSlots(n int) []*slot {
	slots := make([]*slot, n)
	for i := range slots {
		slots[i] = &slot{id: i}
	}
	return slots
}

// Acquire checks out a connection, waiting up to the configured timeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.AcquireWithin(ctx, p.acquireTimeout)
}

// AcquireWithin checks out a connection, waiting up to timeout for a free
// permit. It returns ErrPoolExhausted on timeout and ctx.Err() when ctx ends
// first; in both cases no connection is granted.
func (p *Pool) AcquireWithin(ctx context.Context, timeout time.Duration) (*Conn, error) {
	started := p.now()

	waitCtx, id, err := p.registerWaiter(ctx, timeout)
	if err != nil {
		return nil, p.acquireFailed(err)
	}
	err = p.sem.Acquire(waitCtx, 1)
	cause := context.Cause(waitCtx)
	p.unregisterWaiter(id)
	metrics.PoolAcquireWait.WithLabelValues(p.name).Observe(p.now().Sub(started).Seconds())

	if err != nil {
		switch {
		case errors.Is(cause, ErrRestoreInProgress), errors.Is(cause, ErrPoolClosed):
			return nil, p.acquireFailed(cause)
		case ctx.Err() != nil:
			return nil, p.acquireFailed(ctx.Err())
		default:
			p.mu.Lock()
			p.timedOut++
			p.mu.Unlock()
			return nil, p.acquireFailed(fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, timeout))
		}
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, p.acquireFailed(err)
	}
	p.publishGauges()
	return conn, nil
}

// registerWaiter fails fast when the pool cannot lend connections, and
// otherwise returns a wait context that Suspend and Close can cancel.
func (p *Pool) registerWaiter(ctx context.Context, timeout time.Duration) (context.Context, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.admitLocked(); err != nil {
		return nil, 0, err
	}

	var waitCtx context.Context = ctx
	var cancelTimeout context.CancelFunc = func() {}
	if timeout > 0 {
		waitCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
	}
	waitCtx, cancel := context.WithCancelCause(waitCtx)

	p.nextWaiter++
	id := p.nextWaiter
	p.waiters[id] = func(cause error) {
		cancel(cause)
		cancelTimeout()
	}
	return waitCtx, id, nil
}

func (p *Pool) unregisterWaiter(id uint64) {
	p.mu.Lock()
	cancel, ok := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	if ok {
		cancel(context.Canceled)
	}
}

func (p *Pool) cancelWaitersLocked(cause error) {
	for id, cancel := range p.waiters {
		cancel(cause)
		delete(p.waiters, id)
	}
}

func (p *Pool) admitLocked() error {
	switch {
	case p.closed:
		return ErrPoolClosed
	case p.restoring:
		return ErrRestoreInProgress
	default:
		return nil
	}
}

// checkout runs with one permit held, so a free or empty slot must exist.
func (p *Pool) checkout(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if err := p.admitLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if n := len(p.free); n > 0 {
		s := p.slots[p.free[n-1]]
		p.free = p.free[:n-1]
		idle := p.now().Sub(s.lastUsed)
		conn := p.lendLocked(s)
		source := p.source
		p.mu.Unlock()

		if p.maxIdleTime > 0 && idle > p.maxIdleTime {
			if err := s.raw.PingContext(ctx); err != nil {
				p.logger.Warn("replacing idle connection that failed ping", "slot", s.id, "idle", idle.String(), "error", err)
				_ = s.raw.Close()
				raw, err := p.open(ctx, source)
				p.mu.Lock()
				if err != nil {
					s.raw = nil
					s.state = slotEmpty
					p.mu.Unlock()
					return nil, err
				}
				s.raw = raw
				conn.raw = raw
				p.mu.Unlock()
			}
		}
		return conn, nil
	}

	var s *slot
	for _, candidate := range p.slots {
		if candidate.state == slotEmpty {
			s = candidate
			break
		}
	}
	if s == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no slot available while holding a permit", ErrConnectionOpenFailed)
	}
	s.state = slotOpening
	source := p.source
	p.mu.Unlock()

	raw, err := p.open(ctx, source)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		s.state = slotEmpty
		return nil, err
	}
	if p.closed {
		s.state = slotEmpty
		_ = raw.Close()
		return nil, ErrPoolClosed
	}
	s.raw = raw
	return p.lendLocked(s), nil
}

func (p *Pool) open(ctx context.Context, source Source) (*sql.Conn, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: no source", ErrConnectionOpenFailed)
	}
	raw, err := source.Conn(ctx)
	if err != nil {
		p.mu.Lock()
		p.openFailed++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectionOpenFailed, err)
	}
	return raw, nil
}

func (p *Pool) lendLocked(s *slot) *Conn {
	p.nextLease++
	p.acquired++
	s.state = slotBusy
	s.lease = p.nextLease
	return &Conn{
		pool:       p,
		slot:       s.id,
		generation: p.generation,
		lease:      s.lease,
		raw:        s.raw,
	}
}

// Release returns a checked-out connection. Releasing a connection from
// another pool, from before a restore, or one that was already released is a
// caller bug; it is logged at error level and reported as ErrInvalidRelease.
func (p *Pool) Release(conn *Conn) error {
	p.mu.Lock()
	err := p.checkinLocked(conn)
	if err != nil {
		p.invalid++
	}
	p.mu.Unlock()

	if err != nil {
		metrics.PoolInvalidReleases.WithLabelValues(p.name).Inc()
		p.logger.Error("invalid connection release", "error", err)
		return err
	}
	p.sem.Release(1)
	p.publishGauges()
	return nil
}

func (p *Pool) checkinLocked(conn *Conn) error {
	switch {
	case conn == nil:
		return fmt.Errorf("%w: nil connection", ErrInvalidRelease)
	case conn.pool != p:
		return fmt.Errorf("%w: connection was not issued by pool %q", ErrInvalidRelease, p.name)
	case conn.generation != p.generation:
		return fmt.Errorf("%w: connection %d belongs to generation %d, pool is at %d", ErrInvalidRelease, conn.slot, conn.generation, p.generation)
	}

	s := p.slots[conn.slot]
	if s.state != slotBusy || s.lease != conn.lease {
		return fmt.Errorf("%w: connection %d is already free", ErrInvalidRelease, conn.slot)
	}

	s.lease = 0
	if p.closed {
		_ = s.raw.Close()
		s.raw = nil
		s.state = slotEmpty
		return nil
	}
	s.state = slotFree
	s.lastUsed = p.now()
	p.free = append(p.free, s.id)
	return nil
}

// Exclusive waits up to timeout for every connection to be returned, blocking
// new checkouts meanwhile, then runs fn on one connection with no other
// connection in use.
func (p *Pool) Exclusive(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, conn *sql.Conn) error) error {
	if err := p.drain(ctx, timeout); err != nil {
		return err
	}
	defer p.sem.Release(int64(p.capacity))

	conn, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	fnErr := fn(ctx, conn.raw)

	p.mu.Lock()
	releaseErr := p.checkinLocked(conn)
	p.mu.Unlock()
	p.publishGauges()

	if fnErr != nil {
		return fnErr
	}
	return releaseErr
}

func (p *Pool) drain(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if err := p.admitLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	drainCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(drainCtx, int64(p.capacity)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %d connection(s) still in use after %s", ErrQuiesceTimeout, p.InUse(), timeout)
	}
	return nil
}

// Suspend prepares the pool for the database file being replaced. New
// Acquire calls fail with ErrRestoreInProgress from this point on. Once all
// connections are returned they are closed together with the source. If the
// drain times out the pool resumes normal service and ErrQuiesceTimeout is
// returned.
func (p *Pool) Suspend(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if err := p.admitLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.restoring = true
	p.cancelWaitersLocked(ErrRestoreInProgress)
	p.mu.Unlock()

	drainCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(drainCtx, int64(p.capacity)); err != nil {
		p.mu.Lock()
		p.restoring = false
		p.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %d connection(s) still in use after %s", ErrQuiesceTimeout, p.InUse(), timeout)
	}

	p.mu.Lock()
	source := p.source
	p.closeSlotsLocked()
	p.source = nil
	p.suspended = true
	p.mu.Unlock()
	p.publishGauges()

	p.logger.Info("connection pool suspended")
	if source == nil {
		return nil
	}
	if err := source.Close(); err != nil {
		p.logger.Warn("close source during suspend", "error", err)
	}
	return nil
}

// Resume installs source as the new connection source and lets Acquire
// proceed. Connections issued before Suspend are rejected by Release.
func (p *Pool) Resume(source Source) error {
	if source == nil {
		return fmt.Errorf("resume pool: source is required")
	}

	p.mu.Lock()
	if !p.suspended {
		p.mu.Unlock()
		return ErrNotSuspended
	}
	if p.closed {
		p.mu.Unlock()
		_ = source.Close()
		return ErrPoolClosed
	}
	p.source = source
	p.generation++
	p.suspended = false
	p.restoring = false
	generation := p.generation
	p.mu.Unlock()

	p.sem.Release(int64(p.capacity))
	p.logger.Info("connection pool resumed", "generation", generation)
	return nil
}

// Close closes free connections and the source. Busy connections are closed
// as they are released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancelWaitersLocked(ErrPoolClosed)

	for _, s := range p.slots {
		if s.state == slotFree {
			_ = s.raw.Close()
			s.raw = nil
			s.state = slotEmpty
		}
	}
	p.free = p.free[:0]
	source := p.source
	p.source = nil
	p.mu.Unlock()
	p.publishGauges()

	if source == nil {
		return nil
	}
	if err := source.Close(); err != nil {
		return fmt.Errorf("close pool source: %w", err)
	}
	return nil
}

func (p *Pool) closeSlotsLocked() {
	for _, s := range p.slots {
		if s.raw != nil {
			_ = s.raw.Close()
		}
	}
	p.slots = newSlots(p.capacity)
	p.free = p.free[:0]
}

func (p *Pool) Capacity() int { return p.capacity }

// Size is the number of open connections, free or busy.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(slotFree) + p.countLocked(slotBusy)
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(slotBusy)
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := p.countLocked(slotBusy)
	return Stats{
		Name:       p.name,
		Capacity:   p.capacity,
		Size:       inUse + len(p.free),
		InUse:      inUse,
		Free:       len(p.free),
		Generation: p.generation,
		Restoring:  p.restoring,
		Closed:     p.closed,
		Acquired:   p.acquired,
		TimedOut:   p.timedOut,
		OpenFailed: p.openFailed,
		Invalid:    p.invalid,
	}
}

func (p *Pool) countLocked(state slotState) int {
	n := 0
	for _, s := range p.slots {
		if s.state == state {
			n++
		}
	}
	return n
}

func (p *Pool) publishGauges() {
	stats := p.Stats()
	metrics.PoolConnectionsInUse.WithLabelValues(p.name).Set(float64(stats.InUse))
	metrics.PoolConnectionsOpen.WithLabelValues(p.name).Set(float64(stats.Size))
}

func (p *Pool) acquireFailed(err error) error {
	var reason string
	switch {
	case errors.Is(err, ErrPoolExhausted):
		reason = "exhausted"
	case errors.Is(err, ErrConnectionOpenFailed):
		reason = "open_failed"
	case errors.Is(err, ErrRestoreInProgress):
		reason = "restore_in_progress"
	case errors.Is(err, ErrPoolClosed):
		reason = "closed"
	default:
		reason = "canceled"
	}
	metrics.PoolAcquireFailures.WithLabelValues(p.name, reason).Inc()
	return err
}
