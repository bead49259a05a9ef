// Package pool implementa o pool de recursos limitado: acquire/release com
// fila FIFO, validate-on-borrow, eviction de handles idle e top-up até o
// mínimo configurado.
package pool

import (
	"sync"
	"time"

	"github.com/lfarias-data/tenantpool/internal/driver"
)

// Handle is one live, authenticated connection owned either by the pool's
// idle set or by exactly one caller, never both.
type Handle struct {
	mu sync.Mutex

	// session is the underlying database session.
	session driver.Session

	// id is unique within the owning pool.
	id uint64

	// resolvedIdentity is the canonical username the server resolved at
	// authentication.
	resolvedIdentity string

	// createdAt is when the session was established.
	createdAt time.Time

	// idleSince is when the handle was last returned to the idle set.
	idleSince time.Time

	// useCount tracks how many times this handle was acquired.
	useCount uint64

	destroyed bool
}

func newHandle(id uint64, sess driver.Session) *Handle {
	now := time.Now()
	return &Handle{
		session:          sess,
		id:               id,
		resolvedIdentity: sess.Get(driver.PropResolvedUser),
		createdAt:        now,
		idleSince:        now,
	}
}

// Session returns the underlying database session.
func (h *Handle) Session() driver.Session { return h.session }

// ID returns the handle's pool-unique identifier.
func (h *Handle) ID() uint64 { return h.id }

// ResolvedIdentity returns the canonical username bound to the session.
func (h *Handle) ResolvedIdentity() string { return h.resolvedIdentity }

// CreatedAt returns when the session was established.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// connected reports whether the session is usable for borrow.
func (h *Handle) connected() bool {
	return h.session.ReadyState() == driver.StateConnected
}

func (h *Handle) markAcquired() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
}

func (h *Handle) markIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleSince = time.Now()
}

func (h *Handle) idleDuration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.idleSince)
}

// destroy ends the underlying session. It is idempotent and unconditionally
// releases the session.
func (h *Handle) destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.mu.Unlock()
	h.session.End()
}
