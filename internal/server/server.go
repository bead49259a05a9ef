// Package server exposes the request-integrated mode over HTTP: query
// dispatch with timing headers, login/logout maintaining the persisted
// session store, and direct error serialization without an envelope.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/dispatch"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/registry"
	"github.com/lfarias-data/tenantpool/internal/session"
)

// Session identification carried by requests.
const (
	sessionHeader   = "x-session-id"
	assertionHeader = "x-auth-assertion"
	principalHeader = "x-auth-principal"
)

// Server wires the HTTP surface to the dispatcher and registry.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	store      session.Store
	connector  driver.Connector
}

// New builds the server.
func New(cfg *config.Config, d *dispatch.Dispatcher, reg *registry.Registry, store session.Store, connector driver.Connector) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		registry:   reg,
		store:      store,
		connector:  connector,
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /environments/{env}/query", s.handleQuery)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	return mux
}

// HTTPServer builds the http.Server bound to the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Server.ListenAddr, s.cfg.Server.ListenPort),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}
}

// identify resolves the caller's identity for env from the session store
// and the assertion headers. Anonymous callers get a zero identity and
// route to the shared environment pool.
func (s *Server) identify(r *http.Request, env string) (registry.Identity, error) {
	var id registry.Identity

	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		if c, err := r.Cookie("tenantpool_sid"); err == nil {
			sid = c.Value
		}
	}
	id.SessionRef = sid

	if sid != "" {
		creds, err := s.store.Get(r.Context(), sid, env)
		if err != nil {
			return id, err
		}
		if creds != nil {
			id.Principal = creds.ResolvedUser
			id.SessionCookie = creds.SessionCookie
		}
	}

	if assertion := r.Header.Get(assertionHeader); assertion != "" {
		id.Assertion = &auth.Assertion{Value: assertion}
		if id.Principal == "" {
			id.Principal = r.Header.Get(principalHeader)
		}
	}

	return id, nil
}
