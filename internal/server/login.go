package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/lfarias-data/tenantpool/internal/auth"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/session"
)

type loginRequest struct {
	User      string `json:"user"`
	Password  string `json:"password"`
	Assertion string `json:"assertion"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
	User      string `json:"user"`
}

// handleLogin authenticates against the named environment, persists the
// resolved user and fresh session cookie in the external store, and returns
// the session id the client presents on later queries.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	entry, err := s.registry.Environment(env)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return
	}

	material := auth.Material{User: req.User, Password: req.Password}
	if req.Assertion != "" {
		material = auth.Material{Assertion: &auth.Assertion{Value: req.Assertion}}
	}

	e := entry.Config
	opts := &auth.Options{
		Host:          e.Host,
		Port:          e.Port,
		Database:      e.Database,
		DefaultSchema: e.DefaultSchema,
		Material:      material,
	}
	authenticator := &auth.Authenticator{Connector: s.connector}
	sess, err := authenticator.Establish(r.Context(), opts)
	if err != nil {
		if errors.Is(err, auth.ErrNoAuthMethod) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	resolvedUser := sess.Get(driver.PropResolvedUser)
	cookie := sess.Get(driver.PropSessionCookie)
	sess.End()

	sid := uuid.NewString()
	if err := s.store.Set(r.Context(), sid, env, session.Credentials{
		ResolvedUser:  resolvedUser,
		SessionCookie: cookie,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	log.Printf("[server] login: user=%s env=%s session=%s", resolvedUser, env, sid)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{SessionID: sid, User: resolvedUser})
}

// handleLogout clears the stored credentials for the session and destroys
// the tenant entries it referenced once no other session holds them.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing session id"))
		return
	}

	ctx := r.Context()
	for i := range s.cfg.Environments {
		env := s.cfg.Environments[i].Name
		creds, err := s.store.Get(ctx, sid, env)
		if err != nil || creds == nil {
			continue
		}
		s.registry.ReleaseSession(ctx, creds.ResolvedUser, sid)
	}
	if err := s.store.DeleteAll(ctx, sid); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	log.Printf("[server] logout: session=%s", sid)
	w.WriteHeader(http.StatusNoContent)
}
