package server

import (
	"errors"
	"net/http"

	"github.com/lfarias-data/tenantpool/internal/dispatch"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/pool"
	"github.com/lfarias-data/tenantpool/internal/registry"
)

// noPoolAvailableBody is the fixed response for a request that found no
// usable pool.
const noPoolAvailableBody = "no pool available"

// writeError serializes err directly into the response body, no envelope.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

// writeQueryError maps dispatch errors onto status codes and bodies.
func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrClosed) || errors.Is(err, pool.ErrDraining):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(noPoolAvailableBody))

	case errors.Is(err, registry.ErrUnknownEnvironment):
		writeError(w, http.StatusNotFound, err)

	case errors.Is(err, registry.ErrUnsupportedAuthMode):
		writeError(w, http.StatusUnauthorized, err)

	case driver.IsAuthFailed(err) || driver.IsUnknownPrincipal(err):
		writeError(w, http.StatusUnauthorized, err)

	default:
		var appErr *dispatch.ApplicationError
		if errors.As(err, &appErr) {
			writeError(w, http.StatusUnprocessableEntity, appErr)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}
