package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/metrics"
)

var (
	// ErrClosed is returned by Acquire after the pool has been destroyed.
	ErrClosed = errors.New("pool closed")

	// ErrDraining is returned to waiters failed by a drain.
	ErrDraining = errors.New("pool draining")
)

// Config holds the pool's sizing and eviction behavior.
type Config struct {
	// Environment and Kind label logs and metrics ("shared" or "tenant").
	Environment string
	Kind        string

	MaxSize     int
	MinSize     int
	IdleTimeout time.Duration

	// RefreshIdle controls eviction below MinSize: when true, handles idle
	// past IdleTimeout are destroyed even below MinSize and topped back up;
	// when false, handles within MinSize persist until explicit drain.
	RefreshIdle bool
}

type waiterResult struct {
	handle *Handle
	err    error
}

type waiter struct {
	ch  chan waiterResult // buffered; delivery never blocks
	ctx context.Context
}

// Pool is a bounded set of live connection handles with strict FIFO acquire
// ordering. All handles share one auth.Options value, which carries the
// cached session cookie between handle creations.
type Pool struct {
	mu sync.Mutex

	cfg  Config
	auth *auth.Authenticator
	opts *auth.Options

	// idle holds handles available for reuse, most recently used last.
	idle []*Handle

	// inUse tracks handles currently checked out, keyed by handle ID.
	inUse map[uint64]*Handle

	// waiters is the FIFO queue of blocked acquirers.
	waiters []*waiter

	// creating counts in-flight handle creations; idle+inUse+creating
	// never exceeds the effective max.
	creating int

	// firstConnEstablished gates creation concurrency: while false and
	// MinSize > 0, the effective max is 1 so the first authentication is
	// never duplicated.
	firstConnEstablished bool

	closed   bool
	draining bool

	// flushedAt poisons handles created before it: they are destroyed on
	// release instead of returning to the idle set.
	flushedAt time.Time

	nextID atomic.Uint64
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pool and eagerly creates MinSize handles. A warm-fill
// failure is logged, not fatal; the next acquirer surfaces it. Options that
// fail validation (missing host/port, no auth method) produce no pool and
// no network I/O.
func New(cfg Config, a *auth.Authenticator, opts *auth.Options) (*Pool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:    cfg,
		auth:   a,
		opts:   opts,
		idle:   make([]*Handle, 0, cfg.MaxSize),
		inUse:  make(map[uint64]*Handle),
		stopCh: make(chan struct{}),
	}

	// Warm fill. Creation is serialized here, so with MinSize > 0 the first
	// authentication happens exactly once and later creations reuse the
	// cached cookie.
	for i := 0; i < cfg.MinSize; i++ {
		h, err := p.establish(context.Background())
		if err != nil {
			log.Printf("[pool] %s/%s — warm connection %d/%d failed: %v",
				cfg.Environment, cfg.Kind, i+1, cfg.MinSize, err)
			break
		}
		p.mu.Lock()
		p.firstConnEstablished = true
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}

	p.updateGauges()

	p.wg.Add(1)
	go p.sweepLoop()

	return p, nil
}

// Options returns the shared connection options (cached credential state
// included).
func (p *Pool) Options() *auth.Options { return p.opts }

// Stats holds the pool counters.
type Stats struct {
	Idle    int
	InUse   int
	Waiting int
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), InUse: len(p.inUse), Waiting: len(p.waiters)}
}

// Acquire obtains a handle, blocking FIFO behind earlier acquirers when the
// pool is at capacity. A creation failure is surfaced only to the acquirer
// it was attempted for.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Validate-on-borrow: discard idle handles whose session is no longer
	// connected, then top the pool back up below MinSize.
	if h, discarded := p.popValidIdleLocked(); h != nil {
		p.inUse[h.id] = h
		p.mu.Unlock()
		p.destroyAll(discarded)
		if len(discarded) > 0 {
			p.wg.Add(1)
			go p.topUp()
		}
		h.markAcquired()
		p.updateGauges()
		metrics.AcquiresTotal.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "acquired").Inc()
		return h, nil
	} else if len(discarded) > 0 {
		p.mu.Unlock()
		p.destroyAll(discarded)
		p.mu.Lock()
		if p.closed || p.draining {
			p.mu.Unlock()
			return nil, ErrClosed
		}
	}

	if p.totalLocked() < p.effectiveMaxLocked() {
		p.creating++
		p.mu.Unlock()
		return p.createFor(ctx)
	}

	// Pool at capacity: enter the FIFO wait queue.
	w := &waiter{ch: make(chan waiterResult, 1), ctx: ctx}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	p.updateGauges()

	select {
	case res := <-w.ch:
		p.updateGauges()
		if res.err != nil {
			metrics.AcquiresTotal.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "error").Inc()
			return nil, res.err
		}
		metrics.AcquiresTotal.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "acquired").Inc()
		return res.handle, nil

	case <-ctx.Done():
		p.removeWaiter(w)
		// A handle may have been handed to us in the meantime; put it back.
		select {
		case res := <-w.ch:
			if res.handle != nil {
				p.Release(res.handle)
			}
		default:
		}
		p.updateGauges()
		metrics.AcquiresTotal.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool. The longest-waiting acquirer is
// served first; otherwise the handle joins the idle set. Dead handles are
// destroyed instead of pooled.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	delete(p.inUse, h.id)

	if p.closed || p.draining {
		p.mu.Unlock()
		h.destroy()
		p.updateGauges()
		return
	}

	if !h.connected() || h.createdAt.Before(p.flushedAt) {
		p.mu.Unlock()
		h.destroy()
		metrics.HandleErrors.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "released_dead").Inc()
		p.mu.Lock()
		p.kickLocked()
		p.mu.Unlock()
		p.updateGauges()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		h.markAcquired()
		p.inUse[h.id] = h
		p.mu.Unlock()
		w.ch <- waiterResult{handle: h}
		p.updateGauges()
		return
	}

	h.markIdle()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	p.updateGauges()
}

// Discard removes a handle from the pool permanently and destroys it.
func (p *Pool) Discard(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	delete(p.inUse, h.id)
	p.kickLocked()
	p.mu.Unlock()
	h.destroy()
	p.updateGauges()
	metrics.HandleErrors.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "discarded").Inc()
}

// Flush destroys every idle handle and poisons the in-use ones so they are
// destroyed on release. Unlike Drain the pool stays usable; fresh handles
// are created on demand afterwards.
func (p *Pool) Flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	idle := p.idle
	p.idle = nil
	p.flushedAt = time.Now()
	p.mu.Unlock()

	p.destroyAll(idle)
	p.updateGauges()
	log.Printf("[pool] %s/%s — flushed (%d idle handles destroyed)",
		p.cfg.Environment, p.cfg.Kind, len(idle))
}

// Drain gracefully flushes the pool: waiters are failed, idle handles
// destroyed, and in-use handles destroyed as they come back. It returns
// once the pool is empty or ctx expires (remaining handles are then
// destroyed forcefully). The pool is closed afterwards.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waiterResult{err: ErrDraining}
	}
	p.destroyAll(idle)
	p.updateGauges()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.inUse) + p.creating
		p.mu.Unlock()
		if remaining == 0 {
			return p.DestroyAll()
		}
		select {
		case <-ctx.Done():
			return p.DestroyAll()
		case <-ticker.C:
		}
	}
}

// DestroyAll immediately closes every handle and shuts the pool down.
// Waiters receive ErrClosed. It is idempotent.
func (p *Pool) DestroyAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	inUse := make([]*Handle, 0, len(p.inUse))
	for _, h := range p.inUse {
		inUse = append(inUse, h)
	}
	p.inUse = map[uint64]*Handle{}
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waiterResult{err: ErrClosed}
	}
	p.destroyAll(idle)
	p.destroyAll(inUse)
	p.updateGauges()

	p.wg.Wait()
	return nil
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.inUse) + p.creating
}

// effectiveMaxLocked is 1 until the first connection succeeds on a pool
// with MinSize > 0, so concurrent first acquisitions converge on a single
// authentication; afterwards the configured max applies.
func (p *Pool) effectiveMaxLocked() int {
	if p.cfg.MinSize > 0 && !p.firstConnEstablished {
		return 1
	}
	return p.cfg.MaxSize
}

// popValidIdleLocked pops the most recently used idle handle whose session
// is still connected. Invalid handles are returned for destruction.
func (p *Pool) popValidIdleLocked() (*Handle, []*Handle) {
	var discarded []*Handle
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		h := p.idle[n]
		p.idle = p.idle[:n]
		if !h.connected() {
			discarded = append(discarded, h)
			continue
		}
		return h, discarded
	}
	return nil, discarded
}

// establish authenticates one new session and wraps it in a handle.
func (p *Pool) establish(ctx context.Context) (*Handle, error) {
	sess, err := p.auth.Establish(ctx, p.opts)
	if err != nil {
		metrics.HandleErrors.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "create_failed").Inc()
		return nil, fmt.Errorf("creating connection for %s: %w", p.cfg.Environment, err)
	}
	return newHandle(p.nextID.Add(1), sess), nil
}

// createFor creates a handle for one specific acquirer. The caller must
// have incremented p.creating.
func (p *Pool) createFor(ctx context.Context) (*Handle, error) {
	h, err := p.establish(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		// Surface only to this acquirer; a freed slot may unblock a waiter.
		p.kickLocked()
		p.mu.Unlock()
		metrics.AcquiresTotal.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "error").Inc()
		return nil, err
	}
	if p.closed || p.draining {
		p.mu.Unlock()
		h.destroy()
		return nil, ErrClosed
	}
	p.firstConnEstablished = true
	h.markAcquired()
	p.inUse[h.id] = h
	p.kickLocked()
	p.mu.Unlock()

	p.updateGauges()
	metrics.AcquiresTotal.WithLabelValues(p.cfg.Environment, p.cfg.Kind, "acquired").Inc()
	return h, nil
}

// kickLocked starts a creation on behalf of the longest waiter when
// capacity allows. Must be called with p.mu held.
func (p *Pool) kickLocked() {
	if p.closed || p.draining || len(p.waiters) == 0 {
		return
	}
	if p.totalLocked() >= p.effectiveMaxLocked() {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.creating++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		h, err := p.establish(w.ctx)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.kickLocked()
			p.mu.Unlock()
			w.ch <- waiterResult{err: err}
			return
		}
		if p.closed || p.draining {
			p.mu.Unlock()
			h.destroy()
			w.ch <- waiterResult{err: ErrClosed}
			return
		}
		p.firstConnEstablished = true
		h.markAcquired()
		p.inUse[h.id] = h
		p.mu.Unlock()
		w.ch <- waiterResult{handle: h}
		p.updateGauges()
	}()
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) destroyAll(hs []*Handle) {
	for _, h := range hs {
		h.destroy()
	}
}

// sweepLoop runs the periodic idle sweep; the period equals IdleTimeout.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts idle handles past IdleTimeout. With RefreshIdle, expired
// handles are destroyed even below MinSize and the pool is topped back up;
// without it, handles within MinSize are exempt and persist until drain.
func (p *Pool) sweep() {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return
	}

	var evicted []*Handle
	remaining := make([]*Handle, 0, len(p.idle))
	for _, h := range p.idle {
		expired := h.idleDuration() > p.cfg.IdleTimeout
		if !expired {
			remaining = append(remaining, h)
			continue
		}
		if !p.cfg.RefreshIdle && len(p.inUse)+len(remaining) < p.cfg.MinSize {
			remaining = append(remaining, h)
			continue
		}
		evicted = append(evicted, h)
	}
	p.idle = remaining
	p.mu.Unlock()

	if len(evicted) > 0 {
		p.destroyAll(evicted)
		log.Printf("[pool] %s/%s — evicted %d stale handles",
			p.cfg.Environment, p.cfg.Kind, len(evicted))
		p.updateGauges()
	}

	if p.cfg.RefreshIdle {
		p.wg.Add(1)
		go p.topUp()
	}
}

// topUp creates handles until MinSize is met again.
func (p *Pool) topUp() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || p.draining || p.totalLocked() >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		h, err := p.establish(ctx)
		cancel()

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			log.Printf("[pool] %s/%s — top-up connection failed: %v",
				p.cfg.Environment, p.cfg.Kind, err)
			return
		}
		if p.closed || p.draining {
			p.mu.Unlock()
			h.destroy()
			return
		}
		p.firstConnEstablished = true
		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			h.markAcquired()
			p.inUse[h.id] = h
			p.mu.Unlock()
			w.ch <- waiterResult{handle: h}
		} else {
			p.idle = append(p.idle, h)
			p.mu.Unlock()
		}
		p.updateGauges()
	}
}

func (p *Pool) updateGauges() {
	s := p.Stats()
	metrics.HandlesInUse.WithLabelValues(p.cfg.Environment, p.cfg.Kind).Set(float64(s.InUse))
	metrics.HandlesIdle.WithLabelValues(p.cfg.Environment, p.cfg.Kind).Set(float64(s.Idle))
	metrics.AcquireWaiting.WithLabelValues(p.cfg.Environment, p.cfg.Kind).Set(float64(s.Waiting))
}
