package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/driver/drivertest"
)

func testOptions(material auth.Material) *auth.Options {
	return &auth.Options{Host: "db", Port: 1433, Material: material}
}

func passwordOptions() *auth.Options {
	return testOptions(auth.Material{User: "tech", Password: "secret"})
}

func newTestPool(t *testing.T, cfg Config, conn *drivertest.Connector, opts *auth.Options) *Pool {
	t.Helper()
	if cfg.Environment == "" {
		cfg.Environment = "TEST"
	}
	if cfg.Kind == "" {
		cfg.Kind = "shared"
	}
	p, err := New(cfg, &auth.Authenticator{Connector: conn}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.DestroyAll() })
	return p
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	conn := drivertest.New()
	a := &auth.Authenticator{Connector: conn}

	_, err := New(Config{MaxSize: 1}, a, &auth.Options{Port: 1433, Material: auth.Material{User: "u", Password: "p"}})
	assert.Error(t, err, "missing host")

	_, err = New(Config{MaxSize: 1}, a, &auth.Options{Host: "db", Port: 1433})
	assert.ErrorIs(t, err, auth.ErrNoAuthMethod)

	assert.Equal(t, 0, conn.ConnectCount(), "invalid options must cause no network I/O")
}

func TestWarmFillReusedWithoutReauth(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 2, MinSize: 1, IdleTimeout: time.Minute}, conn, passwordOptions())

	require.Equal(t, 1, conn.ConnectCount(), "exactly one warm connection")

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h2)

	assert.Same(t, h, h2, "idle handle is reused")
	assert.Equal(t, 1, conn.ConnectCount(), "reuse must not authenticate again")
}

func TestAcquireBoundedByMaxSize(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 2, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Third acquirer must block until a handle comes back.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx)
		require.NoError(t, err)
		done <- h
	}()

	// Let the goroutine enqueue before releasing.
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 },
		time.Second, 5*time.Millisecond)

	p.Release(h1)
	select {
	case h3 := <-done:
		assert.Same(t, h1, h3, "released handle goes to the waiter")
		p.Release(h3)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}
	p.Release(h2)

	assert.Equal(t, 2, conn.ConnectCount(), "never more than MaxSize sessions")
}

func TestWaitersServedFIFO(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 1, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	const n = 4
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger entry so queue order matches i.
			for p.Stats().Waiting != i {
				time.Sleep(time.Millisecond)
			}
			got, err := p.Acquire(ctx)
			require.NoError(t, err)
			order <- i
			p.Release(got)
		}()
	}

	require.Eventually(t, func() bool { return p.Stats().Waiting == n },
		time.Second, time.Millisecond)

	p.Release(h)
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, got, "longest waiter first")
}

func TestConcurrentFirstAcquireSharesOneAuthentication(t *testing.T) {
	conn := drivertest.New()
	opts := testOptions(auth.Material{Assertion: &auth.Assertion{Value: "tok"}})
	p := newTestPool(t, Config{MaxSize: 4, MinSize: 1, IdleTimeout: time.Minute}, conn, opts)

	// The warm fill did the single assertion login.
	require.Equal(t, 1, conn.ConnectCount())

	ctx := context.Background()
	var wg sync.WaitGroup
	handles := make(chan *Handle, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx)
			require.NoError(t, err)
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)
	for h := range handles {
		p.Release(h)
	}

	creds := conn.Connects()
	for i, c := range creds[1:] {
		assert.Equal(t, "cookie-1", c.SessionCookie,
			"connect %d must reuse the cookie from the first login", i+1)
	}
}

func TestValidateOnBorrowDiscardsDeadHandles(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 2, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h)

	// Break the pooled session behind the pool's back.
	conn.Sessions()[0].Fail()

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(h2)

	assert.NotSame(t, h, h2, "dead idle handle must not be lent out")
	assert.Equal(t, 2, conn.ConnectCount(), "replacement was created")
}

func TestReleaseDeadHandleDestroys(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 1, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	conn.Sessions()[0].Fail()
	p.Release(h)

	s := p.Stats()
	assert.Equal(t, 0, s.Idle, "dead handle must not rejoin the idle set")
	assert.True(t, conn.Sessions()[0].Ended())
}

func TestCreationFailureSurfacedToSpecificAcquirer(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 2, IdleTimeout: time.Minute}, conn, passwordOptions())

	boom := errors.New("server down")
	conn.FailNext(boom)

	ctx := context.Background()
	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, boom)

	// The failure is not sticky: the next acquirer succeeds.
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h)
}

func TestFlushPoisonsInUseHandles(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 2, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	inUse, err := p.Acquire(ctx)
	require.NoError(t, err)
	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	p.Flush()

	s := p.Stats()
	assert.Equal(t, 0, s.Idle, "idle handles destroyed immediately")

	p.Release(inUse)
	s = p.Stats()
	assert.Equal(t, 0, s.Idle, "flushed in-use handle destroyed on release")

	// The pool stays usable and creates fresh sessions afterwards.
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h)
	assert.Equal(t, 3, conn.ConnectCount())
}

func TestSweepRefreshIdleEvictsAndTopsUp(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{
		MaxSize: 2, MinSize: 1,
		IdleTimeout: 20 * time.Millisecond,
		RefreshIdle: true,
	}, conn, passwordOptions())

	require.Equal(t, 1, conn.ConnectCount())
	first := conn.Sessions()[0]

	// The sweep period equals IdleTimeout, so within a few periods the warm
	// handle expires, is destroyed, and the pool is topped back up.
	require.Eventually(t, func() bool {
		return first.Ended() && p.Stats().Idle == 1
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, conn.ConnectCount(), 2, "top-up created a replacement")
}

func TestSweepWithoutRefreshIdleKeepsMinSize(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{
		MaxSize: 2, MinSize: 1,
		IdleTimeout: 20 * time.Millisecond,
		RefreshIdle: false,
	}, conn, passwordOptions())

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, p.Stats().Idle, "handle within MinSize persists")
	assert.False(t, conn.Sessions()[0].Ended())
	assert.Equal(t, 1, conn.ConnectCount(), "no churn without RefreshIdle")
}

func TestDrainFailsWaitersAndClosesPool(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 1, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 },
		time.Second, time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(h)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Drain(drainCtx))

	assert.ErrorIs(t, <-waitErr, ErrDraining)
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, conn.Sessions()[0].Ended())
}

func TestAcquireCancelledWaiterReturnsHandleToPool(t *testing.T) {
	conn := drivertest.New()
	p := newTestPool(t, Config{MaxSize: 1, IdleTimeout: time.Minute}, conn, passwordOptions())

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(waitCtx)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 },
		time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-waitErr, context.Canceled)

	p.Release(h)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h2)
	assert.Equal(t, 1, conn.ConnectCount(), "the single handle kept circulating")
}
