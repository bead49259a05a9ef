// Package registry owns the environment pools and the per-tenant pools.
// Environment pools use the technical credential and are built once at
// startup; tenant pools are created lazily on the first authenticated query
// from a new (user, environment) identity and torn down by the reaper or on
// logout.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/metrics"
	"github.com/lfarias-data/tenantpool/internal/pool"
)

var (
	// ErrUnknownEnvironment means the name is not configured or fails the
	// allow-listed syntax. No lookup is performed for such names.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrUnsupportedAuthMode means a tenant pool was requested but neither
	// a cached session cookie nor an assertion is available.
	ErrUnsupportedAuthMode = errors.New("unsupported auth mode")
)

// Identity describes the caller of one query.
type Identity struct {
	// Principal is the recognized authenticated user; empty for anonymous
	// callers, which route to the shared environment pool.
	Principal string

	// SessionCookie is the persisted reconnection cookie for
	// (Principal, environment), when one exists.
	SessionCookie string

	// Assertion is the caller's federated token, when one was presented.
	Assertion *auth.Assertion

	// SessionRef is the external session referencing this tenant entry.
	SessionRef string
}

// Fingerprint is the system identity probed from an environment at startup.
type Fingerprint struct {
	SystemID string
	Host     string
	Version  string
}

// EnvEntry is one configured environment: its shared technical-credential
// pool and cached fingerprint.
type EnvEntry struct {
	Config      *config.Environment
	Pool        *pool.Pool
	Fingerprint Fingerprint
}

// TenantEntry tracks one authenticated user's pools across environments and
// the external sessions referencing them.
type TenantEntry struct {
	mu           sync.Mutex
	createdAt    time.Time
	lastAccessAt time.Time
	pools        map[string]*pool.Pool
	sessions     map[string]struct{}
}

func (t *TenantEntry) touch(sessionRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAccessAt = time.Now()
	if sessionRef != "" {
		t.sessions[sessionRef] = struct{}{}
	}
}

// SessionRefs returns the external sessions referencing this tenant.
func (t *TenantEntry) SessionRefs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sessions))
	for sid := range t.sessions {
		out = append(out, sid)
	}
	return out
}

// LastAccess returns when the tenant last dispatched a query.
func (t *TenantEntry) LastAccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAccessAt
}

// Registry is the process-scoped owner of all pools.
type Registry struct {
	cfg       *config.Config
	connector driver.Connector
	auth      *auth.Authenticator

	envs map[string]*EnvEntry

	mu      sync.Mutex
	tenants map[string]*TenantEntry
}

// New builds the environment registry and probes each environment for its
// system fingerprint. An environment that cannot be probed is fatal for
// that environment: it is excluded and the failure returned alongside the
// registry only if no environment survives.
func New(ctx context.Context, cfg *config.Config, connector driver.Connector) (*Registry, error) {
	r := &Registry{
		cfg:       cfg,
		connector: connector,
		auth:      &auth.Authenticator{Connector: connector},
		envs:      make(map[string]*EnvEntry, len(cfg.Environments)),
		tenants:   make(map[string]*TenantEntry),
	}

	for i := range cfg.Environments {
		e := &cfg.Environments[i]
		entry, err := r.buildEnvironment(ctx, e)
		if err != nil {
			log.Printf("[registry] environment %s unusable: %v", e.Name, err)
			continue
		}
		r.envs[e.Name] = entry
		log.Printf("[registry] environment %s ready: system=%s host=%s version=%s",
			e.Name, entry.Fingerprint.SystemID, entry.Fingerprint.Host, entry.Fingerprint.Version)
	}

	if len(r.envs) == 0 {
		return nil, fmt.Errorf("no usable environment (all %d failed their startup probe)", len(cfg.Environments))
	}
	return r, nil
}

func (r *Registry) buildEnvironment(ctx context.Context, e *config.Environment) (*EnvEntry, error) {
	opts := &auth.Options{
		Host:          e.Host,
		Port:          e.Port,
		Database:      e.Database,
		DefaultSchema: e.DefaultSchema,
		Material:      auth.Material{User: e.User, Password: e.Password},
	}
	p, err := pool.New(pool.Config{
		Environment: e.Name,
		Kind:        "shared",
		MaxSize:     e.MaxPoolSize,
		MinSize:     e.MinPoolSize,
		IdleTimeout: e.IdleTimeout,
		RefreshIdle: *e.RefreshIdle,
	}, r.auth, opts)
	if err != nil {
		return nil, err
	}

	fp, err := r.probeFingerprint(ctx, p)
	if err != nil {
		p.DestroyAll()
		return nil, fmt.Errorf("startup probe: %w", err)
	}
	return &EnvEntry{Config: e, Pool: p, Fingerprint: fp}, nil
}

// probeFingerprint borrows one handle and reads the system identity off the
// session.
func (r *Registry) probeFingerprint(ctx context.Context, p *pool.Pool) (Fingerprint, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return Fingerprint{}, err
	}
	defer p.Release(h)
	sess := h.Session()
	return Fingerprint{
		SystemID: sess.Get(driver.PropSystemID),
		Host:     sess.Get(driver.PropHost),
		Version:  sess.Get(driver.PropVersion),
	}, nil
}

// Environment validates name against the allow-listed syntax and the
// configured set, then returns its entry. Invalid names fail immediately,
// before any lookup.
func (r *Registry) Environment(name string) (*EnvEntry, error) {
	if !config.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	entry, ok := r.envs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	return entry, nil
}

// Environments returns every usable environment entry.
func (r *Registry) Environments() []*EnvEntry {
	out := make([]*EnvEntry, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, e)
	}
	return out
}

// ResolvePool applies the routing rule: a recognized authenticated
// principal gets its per-(user,env) pool, everyone else shares the
// environment pool. The returned kind is "tenant" or "shared".
func (r *Registry) ResolvePool(id Identity, env string) (*pool.Pool, string, error) {
	entry, err := r.Environment(env)
	if err != nil {
		return nil, "", err
	}
	if id.Principal == "" {
		return entry.Pool, "shared", nil
	}
	p, err := r.GetOrCreateUserPool(id, env)
	if err != nil {
		return nil, "", err
	}
	return p, "tenant", nil
}

// GetOrCreateUserPool is idempotent: concurrent first lookups for the same
// (user, env) converge on one pool instance. The pool authenticates with
// the caller's cached session cookie when available, falling back to the
// assertion.
func (r *Registry) GetOrCreateUserPool(id Identity, env string) (*pool.Pool, error) {
	entry, err := r.Environment(env)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	tenant, ok := r.tenants[id.Principal]
	if !ok {
		tenant = &TenantEntry{
			createdAt: time.Now(),
			pools:     make(map[string]*pool.Pool),
			sessions:  make(map[string]struct{}),
		}
		r.tenants[id.Principal] = tenant
		metrics.TenantsActive.Set(float64(len(r.tenants)))
	}
	r.mu.Unlock()

	tenant.touch(id.SessionRef)

	// Pool creation holds only the tenant's lock, so a slow authentication
	// blocks that tenant alone while concurrent lookups still converge.
	tenant.mu.Lock()
	defer tenant.mu.Unlock()
	if p, ok := tenant.pools[env]; ok {
		return p, nil
	}

	material, err := tenantMaterial(id)
	if err != nil {
		return nil, err
	}

	e := entry.Config
	opts := &auth.Options{
		Host:          e.Host,
		Port:          e.Port,
		Database:      e.Database,
		DefaultSchema: e.DefaultSchema,
		Material:      material,
	}
	p, err := pool.New(pool.Config{
		Environment: e.Name,
		Kind:        "tenant",
		MaxSize:     e.TenantMaxPoolSize,
		MinSize:     1,
		IdleTimeout: e.IdleTimeout,
		RefreshIdle: false,
	}, r.auth, opts)
	if err != nil {
		return nil, err
	}
	tenant.pools[env] = p
	log.Printf("[registry] tenant pool created: user=%s env=%s", id.Principal, env)
	return p, nil
}

// tenantMaterial selects the tenant credential: cached cookie preferred,
// assertion otherwise.
func tenantMaterial(id Identity) (auth.Material, error) {
	switch {
	case id.SessionCookie != "":
		return auth.Material{User: id.Principal, SessionCookie: id.SessionCookie}, nil
	case id.Assertion != nil:
		return auth.Material{Assertion: id.Assertion}, nil
	default:
		return auth.Material{}, ErrUnsupportedAuthMode
	}
}

// Tenant returns the entry for a principal, if any.
func (r *Registry) Tenant(principal string) (*TenantEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[principal]
	return t, ok
}

// FlushTenantPool drains and removes the tenant's pool for one environment.
// The tenant entry itself is removed once it owns no pools.
func (r *Registry) FlushTenantPool(ctx context.Context, principal, env string) {
	r.mu.Lock()
	tenant, ok := r.tenants[principal]
	r.mu.Unlock()
	if !ok {
		return
	}

	tenant.mu.Lock()
	p, ok := tenant.pools[env]
	delete(tenant.pools, env)
	empty := len(tenant.pools) == 0
	tenant.mu.Unlock()

	if ok {
		p.Drain(ctx)
	}
	if empty {
		r.mu.Lock()
		delete(r.tenants, principal)
		metrics.TenantsActive.Set(float64(len(r.tenants)))
		r.mu.Unlock()
		log.Printf("[registry] tenant entry removed: user=%s", principal)
	}
}

// RemoveTenant drains every pool the tenant owns and deletes the entry.
// It returns the environments that had pools, so callers can clear the
// persisted credentials for each.
func (r *Registry) RemoveTenant(ctx context.Context, principal string) []string {
	r.mu.Lock()
	tenant, ok := r.tenants[principal]
	delete(r.tenants, principal)
	metrics.TenantsActive.Set(float64(len(r.tenants)))
	r.mu.Unlock()
	if !ok {
		return nil
	}

	tenant.mu.Lock()
	pools := tenant.pools
	tenant.pools = map[string]*pool.Pool{}
	tenant.mu.Unlock()

	envs := make([]string, 0, len(pools))
	for env, p := range pools {
		p.Drain(ctx)
		envs = append(envs, env)
	}
	return envs
}

// ReleaseSession drops one external session's reference to the tenant.
// When no references remain the tenant is destroyed synchronously, and the
// environments that held pools are returned for credential cleanup.
func (r *Registry) ReleaseSession(ctx context.Context, principal, sessionRef string) []string {
	r.mu.Lock()
	tenant, ok := r.tenants[principal]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	tenant.mu.Lock()
	delete(tenant.sessions, sessionRef)
	remaining := len(tenant.sessions)
	tenant.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	return r.RemoveTenant(ctx, principal)
}

// Shutdown destroys every pool, tenant pools first.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	tenants := make([]string, 0, len(r.tenants))
	for principal := range r.tenants {
		tenants = append(tenants, principal)
	}
	r.mu.Unlock()

	for _, principal := range tenants {
		r.RemoveTenant(ctx, principal)
	}
	for _, e := range r.envs {
		e.Pool.Drain(ctx)
	}
}
