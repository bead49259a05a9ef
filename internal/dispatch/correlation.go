package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Correlation models one external request across the queries dispatched for
// it. Closing it does not abort in-flight database calls; it only makes the
// dispatcher release the handle and suppress delivery once control returns.
type Correlation struct {
	id     string
	closed atomic.Bool
}

// NewCorrelation returns an open correlation with a fresh id.
func NewCorrelation() *Correlation {
	return &Correlation{id: uuid.NewString()}
}

// ID returns the correlation id.
func (c *Correlation) ID() string { return c.id }

// Close marks the external request as closed or aborted. Idempotent.
func (c *Correlation) Close() { c.closed.Store(true) }

// Closed reports whether the external request has gone away.
func (c *Correlation) Closed() bool { return c.closed.Load() }

// Watch closes the correlation when ctx is done. Typically bound to an HTTP
// request context.
func (c *Correlation) Watch(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.Close()
	}()
}
