package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/driver/drivertest"
	"github.com/lfarias-data/tenantpool/internal/pool"
	"github.com/lfarias-data/tenantpool/internal/session"
)

func testConfig(names ...string) *config.Config {
	refresh := false
	cfg := &config.Config{}
	for _, name := range names {
		cfg.Environments = append(cfg.Environments, config.Environment{
			Name:              name,
			Host:              "db-" + name,
			Port:              1433,
			User:              "tech",
			Password:          "secret",
			MaxPoolSize:       2,
			MinPoolSize:       0,
			IdleTimeout:       time.Minute,
			RefreshIdle:       &refresh,
			TenantMaxPoolSize: 2,
		})
	}
	return cfg
}

func newTestRegistry(t *testing.T, conn *drivertest.Connector, names ...string) *Registry {
	t.Helper()
	r, err := New(context.Background(), testConfig(names...), conn)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func cookieIdentity(user, sid string) Identity {
	return Identity{Principal: user, SessionCookie: "stored-cookie", SessionRef: sid}
}

func TestNewProbesFingerprint(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	entry, err := r.Environment("DEV")
	require.NoError(t, err)
	assert.Equal(t, "FAKE01", entry.Fingerprint.SystemID)
	assert.Equal(t, "db-DEV:1433", entry.Fingerprint.Host)
}

func TestNewExcludesUnprobeableEnvironment(t *testing.T) {
	conn := drivertest.New()
	// The first environment's probe connect fails; the second survives.
	conn.FailNext(errors.New("unreachable"))

	r, err := New(context.Background(), testConfig("BROKEN", "DEV"), conn)
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	_, err = r.Environment("BROKEN")
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
	_, err = r.Environment("DEV")
	assert.NoError(t, err)
}

func TestNewFailsWhenNoEnvironmentUsable(t *testing.T) {
	conn := drivertest.New()
	conn.FailNext(errors.New("unreachable"))

	_, err := New(context.Background(), testConfig("DEV"), conn)
	assert.Error(t, err)
}

func TestEnvironmentRejectsInvalidNames(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	for _, name := range []string{"", "DEV; DROP TABLE x", "../DEV", "dev env"} {
		_, err := r.Environment(name)
		assert.ErrorIs(t, err, ErrUnknownEnvironment, "name %q", name)
	}
}

func TestResolvePoolRouting(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	shared, kind, err := r.ResolvePool(Identity{}, "DEV")
	require.NoError(t, err)
	assert.Equal(t, "shared", kind)

	entry, _ := r.Environment("DEV")
	assert.Same(t, entry.Pool, shared, "anonymous callers share the environment pool")

	tenant, kind, err := r.ResolvePool(cookieIdentity("ALICE", "s1"), "DEV")
	require.NoError(t, err)
	assert.Equal(t, "tenant", kind)
	assert.NotSame(t, shared, tenant)
}

func TestGetOrCreateUserPoolConverges(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	const n = 8
	pools := make([]*pool.Pool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.GetOrCreateUserPool(cookieIdentity("ALICE", "s1"), "DEV")
			require.NoError(t, err)
			pools[i] = p
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, pools[0], pools[i], "concurrent lookups must converge on one pool")
	}
}

func TestGetOrCreateUserPoolUsesCookieMaterial(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	p, err := r.GetOrCreateUserPool(cookieIdentity("ALICE", "s1"), "DEV")
	require.NoError(t, err)

	m := p.Options().Material
	assert.Equal(t, "ALICE", m.User)
	assert.Equal(t, "stored-cookie", m.SessionCookie)
}

func TestGetOrCreateUserPoolFallsBackToAssertion(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	id := Identity{Principal: "BOB", Assertion: &auth.Assertion{Value: "tok"}}
	p, err := r.GetOrCreateUserPool(id, "DEV")
	require.NoError(t, err)
	assert.Same(t, id.Assertion, p.Options().Material.Assertion)
}

func TestGetOrCreateUserPoolWithoutCredential(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	_, err := r.GetOrCreateUserPool(Identity{Principal: "CAROL"}, "DEV")
	assert.ErrorIs(t, err, ErrUnsupportedAuthMode)
}

func TestFlushTenantPoolRemovesEmptyEntry(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	_, err := r.GetOrCreateUserPool(cookieIdentity("ALICE", "s1"), "DEV")
	require.NoError(t, err)

	r.FlushTenantPool(context.Background(), "ALICE", "DEV")

	_, ok := r.Tenant("ALICE")
	assert.False(t, ok, "tenant entry removed once it owns no pools")
}

func TestReleaseSessionKeepsTenantWhileReferenced(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")

	_, err := r.GetOrCreateUserPool(cookieIdentity("ALICE", "s1"), "DEV")
	require.NoError(t, err)
	_, err = r.GetOrCreateUserPool(cookieIdentity("ALICE", "s2"), "DEV")
	require.NoError(t, err)

	envs := r.ReleaseSession(context.Background(), "ALICE", "s1")
	assert.Empty(t, envs)
	_, ok := r.Tenant("ALICE")
	assert.True(t, ok, "second session still references the tenant")

	envs = r.ReleaseSession(context.Background(), "ALICE", "s2")
	assert.Equal(t, []string{"DEV"}, envs)
	_, ok = r.Tenant("ALICE")
	assert.False(t, ok)
}

func TestReaperSweepRemovesIdleTenants(t *testing.T) {
	conn := drivertest.New()
	r := newTestRegistry(t, conn, "DEV")
	store := session.NewMemoryStore()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "s1", "DEV", session.Credentials{
		ResolvedUser: "ALICE", SessionCookie: "stored-cookie",
	}))

	_, err := r.GetOrCreateUserPool(cookieIdentity("ALICE", "s1"), "DEV")
	require.NoError(t, err)

	rp := &Reaper{Registry: r, Store: store, Timeout: 10 * time.Millisecond, Interval: time.Hour}

	// Not yet expired.
	rp.Sweep(ctx)
	_, ok := r.Tenant("ALICE")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	rp.Sweep(ctx)

	_, ok = r.Tenant("ALICE")
	assert.False(t, ok, "idle tenant reaped")
	creds, err := store.Get(ctx, "s1", "DEV")
	require.NoError(t, err)
	assert.Nil(t, creds, "persisted credentials cleared")
}
