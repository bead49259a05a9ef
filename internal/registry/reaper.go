package registry

import (
	"context"
	"log"
	"time"

	"github.com/lfarias-data/tenantpool/internal/metrics"
	"github.com/lfarias-data/tenantpool/internal/session"
)

// Reaper periodically removes tenant entries that have been inactive past
// the configured timeout, draining their pools and clearing their persisted
// session credentials. The sweep never blocks dispatcher traffic: draining
// happens outside the registry lock.
type Reaper struct {
	Registry *Registry
	Store    session.Store
	Timeout  time.Duration
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Start launches the reap loop.
func (rp *Reaper) Start() {
	rp.stopCh = make(chan struct{})
	rp.doneCh = make(chan struct{})
	go rp.run()
	log.Printf("[reaper] started: interval=%s, tenant idle timeout=%s", rp.Interval, rp.Timeout)
}

// Stop terminates the reap loop and waits for it to finish.
func (rp *Reaper) Stop() {
	close(rp.stopCh)
	<-rp.doneCh
}

func (rp *Reaper) run() {
	defer close(rp.doneCh)

	ticker := time.NewTicker(rp.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stopCh:
			return
		case <-ticker.C:
			rp.Sweep(context.Background())
		}
	}
}

// Sweep runs one reap pass.
func (rp *Reaper) Sweep(ctx context.Context) {
	r := rp.Registry

	r.mu.Lock()
	expired := make(map[string]*TenantEntry)
	for principal, tenant := range r.tenants {
		if time.Since(tenant.LastAccess()) > rp.Timeout {
			expired[principal] = tenant
		}
	}
	r.mu.Unlock()

	for principal, tenant := range expired {
		sids := tenant.SessionRefs()
		envs := r.RemoveTenant(ctx, principal)
		for _, sid := range sids {
			for _, env := range envs {
				if err := rp.Store.Delete(ctx, sid, env); err != nil {
					log.Printf("[reaper] clearing stored credentials for %s/%s: %v", sid, env, err)
				}
			}
		}
		metrics.TenantsReaped.Inc()
		log.Printf("[reaper] tenant %s reaped after inactivity (%d pools, %d sessions)",
			principal, len(envs), len(sids))
	}
}
