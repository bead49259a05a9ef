// Package recovery classifies failures from tenant-pool queries and repairs
// stale authentication state: tainted pools are flushed and cached
// credentials cleared so the next dispatch re-authenticates from scratch.
package recovery

import (
	"context"
	"log"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/metrics"
	"github.com/lfarias-data/tenantpool/internal/pool"
	"github.com/lfarias-data/tenantpool/internal/registry"
	"github.com/lfarias-data/tenantpool/internal/session"
)

// Classification buckets a tenant-pool query error.
type Classification int

const (
	// ClassOther passes through unchanged.
	ClassOther Classification = iota

	// ClassAuthFailed is the protocol authentication error: a bad or
	// expired credential, including a stale session cookie.
	ClassAuthFailed

	// ClassMissingPrincipal means the server does not know the principal
	// behind an otherwise valid assertion.
	ClassMissingPrincipal
)

// String returns the metrics label for the classification.
func (c Classification) String() string {
	switch c {
	case ClassAuthFailed:
		return "auth_failed"
	case ClassMissingPrincipal:
		return "missing_principal"
	}
	return "other"
}

// Classify maps a query error onto its recovery class.
func Classify(err error) Classification {
	switch {
	case driver.IsUnknownPrincipal(err):
		return ClassMissingPrincipal
	case driver.IsAuthFailed(err):
		return ClassAuthFailed
	default:
		return ClassOther
	}
}

// Policy repairs authentication state after classified failures.
type Policy struct {
	Registry  *registry.Registry
	Store     session.Store
	Connector driver.Connector
}

// HandleQueryError applies the recovery policy to an error from a query on
// the given tenant pool and returns the original error unchanged.
func (p *Policy) HandleQueryError(ctx context.Context, id registry.Identity, env string, tenantPool *pool.Pool, err error) error {
	class := Classify(err)
	if class == ClassOther {
		return err
	}
	metrics.RecoveriesTotal.WithLabelValues(env, class.String()).Inc()

	switch class {
	case ClassMissingPrincipal:
		log.Printf("[recovery] missing principal for user=%s env=%s, flushing tenant state", id.Principal, env)

	case ClassAuthFailed:
		if tenantPool != nil && tenantPool.Options().Material.Assertion != nil {
			// Re-probe the same assertion directly against the shared
			// environment pool. An unexpected success means the server
			// state is inconsistent; flush the environment pool too.
			if p.probeAssertion(ctx, env, tenantPool.Options().Material.Assertion) {
				log.Printf("[recovery] assertion still valid on env=%s after auth failure, force-flushing environment pool", env)
				if entry, envErr := p.Registry.Environment(env); envErr == nil {
					entry.Pool.Flush()
				}
			}
		} else {
			log.Printf("[recovery] expired session cookie for user=%s env=%s", id.Principal, env)
		}
	}

	p.flushAndClear(ctx, id, env, tenantPool)
	return err
}

// probeAssertion attempts a direct connect with the assertion against the
// environment's address, ending the session immediately on success. The
// token is resolved the same way handle creation resolves it, so a
// factory-based assertion probes with a real token.
func (p *Policy) probeAssertion(ctx context.Context, env string, assertion *auth.Assertion) bool {
	entry, err := p.Registry.Environment(env)
	if err != nil {
		return false
	}
	token, err := assertion.Resolve(ctx)
	if err != nil {
		return false
	}
	e := entry.Config
	sess, err := p.Connector.Connect(ctx, driver.Credential{
		Host:      e.Host,
		Port:      e.Port,
		Database:  e.Database,
		Method:    driver.MethodAssertion,
		Assertion: token,
	})
	if err != nil {
		return false
	}
	sess.End()
	return true
}

// flushAndClear drains the tainted pool, clears the cached session
// credential in external storage, and removes the tenant entry for env.
func (p *Policy) flushAndClear(ctx context.Context, id registry.Identity, env string, tenantPool *pool.Pool) {
	if tenantPool != nil {
		tenantPool.Options().ClearCachedSession()
	}
	p.Registry.FlushTenantPool(ctx, id.Principal, env)

	if id.SessionRef != "" {
		if err := p.Store.Delete(ctx, id.SessionRef, env); err != nil {
			log.Printf("[recovery] clearing stored credentials for %s/%s: %v", id.SessionRef, env, err)
		}
	}
}
