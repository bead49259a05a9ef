package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lfarias-data/tenantpool/internal/dispatch"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/format"
	"github.com/lfarias-data/tenantpool/internal/registry"
)

// queryRequest is the body of POST /environments/{env}/query.
type queryRequest struct {
	SQL       string `json:"sql"`
	Params    []any  `json:"params"`
	Mode      string `json:"mode"`
	Format    string `json:"format"`
	Separator string `json:"separator"`
}

// queryResponse is the materialized (exec/meta) response body.
type queryResponse struct {
	Columns       []columnInfo `json:"columns,omitempty"`
	Rows          [][]any      `json:"rows,omitempty"`
	RowsAffected  int64        `json:"rowsAffected"`
	StatusMessage string       `json:"statusMessage,omitempty"`
}

type columnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	env := r.PathValue("env")

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, errors.New("sql is required"))
		return
	}

	mode, err := dispatch.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.identify(r, env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	corr := dispatch.NewCorrelation()
	corr.Watch(r.Context())

	if mode == dispatch.ModeStream {
		s.streamQuery(w, r, id, env, req, corr)
		return
	}

	out, err := s.dispatcher.Dispatch(r.Context(), id, env, mode, req.SQL, req.Params, corr, nil)
	if err != nil {
		if errors.Is(err, dispatch.ErrAbandoned) {
			return
		}
		s.writeQueryError(w, err)
		return
	}

	s.timingHeaders(w, out.WaitTime, out.QueryTime)
	w.Header().Set("Content-Type", "application/json")
	resp := queryResponse{
		Rows:          out.Rows,
		RowsAffected:  out.RowsAffected,
		StatusMessage: out.StatusMessage,
	}
	for _, c := range out.Columns {
		resp.Columns = append(resp.Columns, columnInfo{Name: c.Name, Type: typeName(c.Type)})
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, id registry.Identity, env string, req queryRequest, corr *dispatch.Correlation) {
	var inner dispatch.RowSink
	switch req.Format {
	case "", "csv":
		sep := ','
		if req.Separator != "" {
			sep = []rune(req.Separator)[0]
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		inner = format.NewDSV(w, sep)
	case "json":
		w.Header().Set("Content-Type", "application/json")
		inner = format.NewJSON(w)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown stream format %q", req.Format))
		return
	}

	sink := &timedSink{inner: inner, w: w, prefix: s.cfg.Server.HeaderPrefix}
	_, err := s.dispatcher.Dispatch(r.Context(), id, env, dispatch.ModeStream, req.SQL, req.Params, corr, sink)
	if err != nil && !errors.Is(err, dispatch.ErrAbandoned) && !sink.started {
		s.writeQueryError(w, err)
	}
}

func (s *Server) timingHeaders(w http.ResponseWriter, wait, query time.Duration) {
	prefix := s.cfg.Server.HeaderPrefix
	w.Header().Set(prefix+"query-time", fmt.Sprintf("%d", query.Milliseconds()))
	w.Header().Set(prefix+"waiting-time", fmt.Sprintf("%d", wait.Milliseconds()))
}

// timedSink forwards to the format sink after emitting timing headers; the
// flag tells the error path whether the body already started.
type timedSink struct {
	inner   dispatch.RowSink
	w       http.ResponseWriter
	prefix  string
	started bool
}

func (t *timedSink) Timing(wait, query time.Duration) {
	t.w.Header().Set(t.prefix+"query-time", fmt.Sprintf("%d", query.Milliseconds()))
	t.w.Header().Set(t.prefix+"waiting-time", fmt.Sprintf("%d", wait.Milliseconds()))
}

func (t *timedSink) WriteColumns(cols []driver.Column) error {
	t.started = true
	return t.inner.WriteColumns(cols)
}

func (t *timedSink) WriteRows(rows [][]any) error {
	return t.inner.WriteRows(rows)
}

func (t *timedSink) Close(err error) error {
	t.started = true
	return t.inner.Close(err)
}

func typeName(t driver.TypeCode) string {
	switch t {
	case driver.TypeInt:
		return "int"
	case driver.TypeFloat:
		return "float"
	case driver.TypeBool:
		return "bool"
	case driver.TypeBytes:
		return "bytes"
	case driver.TypeTime:
		return "time"
	case driver.TypeLob:
		return "lob"
	default:
		return "string"
	}
}
