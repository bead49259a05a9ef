// Package dispatch executes queries against routed pools in one of three
// modes and demultiplexes the outcomes: fully materialized rows, metadata
// only, or a streamed pipeline into a caller-supplied sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/metrics"
	"github.com/lfarias-data/tenantpool/internal/pool"
	"github.com/lfarias-data/tenantpool/internal/recovery"
	"github.com/lfarias-data/tenantpool/internal/registry"
)

// ErrAbandoned marks a dispatch whose external request closed before
// completion. It is a suppression signal, not an error to deliver.
var ErrAbandoned = errors.New("request abandoned")

// Mode selects how a dispatch consumes its result.
type Mode int

const (
	// ModeExec runs to completion and materializes all rows or an
	// affected-row count.
	ModeExec Mode = iota

	// ModeMeta captures column metadata only and discards the result set
	// without consuming rows.
	ModeMeta

	// ModeStream pipes a lazy row source through the large-object transform
	// into the caller's sink.
	ModeStream
)

// String returns the mode's wire name.
func (m Mode) String() string {
	switch m {
	case ModeMeta:
		return "meta"
	case ModeStream:
		return "stream"
	}
	return "exec"
}

// ParseMode maps a wire name onto a Mode; empty means ModeExec.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "exec":
		return ModeExec, nil
	case "meta":
		return ModeMeta, nil
	case "stream":
		return ModeStream, nil
	}
	return 0, fmt.Errorf("unknown dispatch mode %q", s)
}

// Stored-routine status payload convention: a result set with exactly these
// two columns is unwrapped into an application-level outcome.
const (
	statusCodeColumn    = "STATUS_CODE"
	statusMessageColumn = "STATUS_MESSAGE"
)

// ApplicationError is a non-zero stored-routine status payload, distinct
// from protocol success and surfaced as an application-level failure.
type ApplicationError struct {
	Code    int64
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error %d: %s", e.Code, e.Message)
}

// RowSink receives a streamed result. Close is the terminal signal; the
// dispatcher releases the handle only after it returns.
type RowSink interface {
	WriteColumns(cols []driver.Column) error
	WriteRows(rows [][]any) error
	Close(err error) error
}

// TimedSink is an optional RowSink extension that receives the pool wait
// and execution durations before the first write, so transports can emit
// them as headers ahead of the body.
type TimedSink interface {
	RowSink
	Timing(wait, query time.Duration)
}

// Outcome is the materialized result of a non-streaming dispatch.
type Outcome struct {
	Columns      []driver.Column
	Rows         [][]any
	RowsAffected int64

	// StatusMessage carries an unwrapped zero-code application status.
	StatusMessage string

	WaitTime  time.Duration
	QueryTime time.Duration
}

// Dispatcher routes, acquires, executes and demultiplexes queries.
type Dispatcher struct {
	Registry *registry.Registry
	Recovery *recovery.Policy

	// BatchSize bounds how many rows a streamed dispatch forwards per sink
	// write; defaults to 64.
	BatchSize int
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return 64
}

// Dispatch runs one query. params non-empty selects prepared execution.
// corr may be nil for callers without request integration; sink is required
// for ModeStream only.
func (d *Dispatcher) Dispatch(ctx context.Context, id registry.Identity, env string, mode Mode, sqlText string, params []any, corr *Correlation, sink RowSink) (*Outcome, error) {
	p, kind, err := d.Registry.ResolvePool(id, env)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "routing_error").Inc()
		return nil, err
	}

	waitStart := time.Now()
	h, err := p.Acquire(ctx)
	wait := time.Since(waitStart)
	metrics.AcquireWaitDuration.WithLabelValues(env, kind).Observe(wait.Seconds())
	if err != nil {
		return nil, d.recover(ctx, id, env, kind, p, corr, err)
	}

	if corr != nil && corr.Closed() {
		p.Release(h)
		metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "abandoned").Inc()
		return nil, ErrAbandoned
	}

	execStart := time.Now()
	res, stmt, err := execute(ctx, h, sqlText, params)
	if err != nil {
		d.finish(p, h, err)
		metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "error").Inc()
		return nil, d.recover(ctx, id, env, kind, p, corr, err)
	}
	if stmt != nil {
		defer stmt.Close()
	}

	out := &Outcome{WaitTime: wait}
	switch mode {
	case ModeExec:
		err = d.runExec(ctx, res, out)
	case ModeMeta:
		err = d.runMeta(res, out)
	case ModeStream:
		err = d.runStream(ctx, p, h, res, corr, sink, wait, execStart, out)
	}
	if mode != ModeStream {
		out.QueryTime = time.Since(execStart)
		d.finish(p, h, err)
	}

	if corr != nil && corr.Closed() {
		metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "abandoned").Inc()
		return nil, ErrAbandoned
	}
	if err != nil {
		if errors.Is(err, ErrAbandoned) {
			metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "abandoned").Inc()
			return nil, err
		}
		metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "error").Inc()
		return nil, d.recover(ctx, id, env, kind, p, corr, err)
	}

	metrics.QueryDuration.WithLabelValues(env, mode.String()).Observe(out.QueryTime.Seconds())
	metrics.DispatchesTotal.WithLabelValues(env, mode.String(), "ok").Inc()
	return out, nil
}

// execute prepares when params are present, otherwise runs the SQL
// directly.
func execute(ctx context.Context, h *pool.Handle, sqlText string, params []any) (*driver.Result, driver.Statement, error) {
	if len(params) == 0 {
		res, err := h.Session().Exec(ctx, sqlText)
		return res, nil, err
	}
	stmt, err := h.Session().Prepare(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	res, err := stmt.Exec(ctx, params)
	if err != nil {
		stmt.Close()
		return nil, nil, err
	}
	return res, stmt, nil
}

// runExec materializes the whole result, unwrapping the stored-routine
// status payload when present.
func (d *Dispatcher) runExec(ctx context.Context, res *driver.Result, out *Outcome) error {
	if res.Rows == nil {
		out.RowsAffected = res.RowsAffected
		return nil
	}
	defer res.Rows.Close()

	cols := res.Rows.Columns()
	var rows [][]any
	for {
		row, err := res.Rows.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	materializeLobs(rows)

	if isStatusPayload(cols) {
		code, message := unwrapStatus(rows)
		if code != 0 {
			return &ApplicationError{Code: code, Message: message}
		}
		out.StatusMessage = message
		return nil
	}

	out.Columns = cols
	out.Rows = rows
	return nil
}

// runMeta captures metadata only; the result set is discarded without
// consuming rows.
func (d *Dispatcher) runMeta(res *driver.Result, out *Outcome) error {
	if res.Rows == nil {
		return nil
	}
	out.Columns = res.Rows.Columns()
	return res.Rows.Close()
}

// runStream pipes the lazy row source through the large-object transform
// (only when the metadata has LOB columns) into the sink. The handle is
// released by the caller after the terminal sink signal; an abandoned
// correlation stops the stream without delivering anything further.
func (d *Dispatcher) runStream(ctx context.Context, p *pool.Pool, h *pool.Handle, res *driver.Result, corr *Correlation, sink RowSink, wait time.Duration, execStart time.Time, out *Outcome) error {
	// Execution time for a stream covers obtaining the lazy row source, not
	// the caller-paced consumption.
	out.QueryTime = time.Since(execStart)

	if res.Rows == nil {
		out.RowsAffected = res.RowsAffected
		p.Release(h)
		if ts, ok := sink.(TimedSink); ok {
			ts.Timing(wait, out.QueryTime)
		}
		return sink.Close(nil)
	}
	rows := res.Rows
	cols := rows.Columns()
	transform := hasLobColumns(cols)

	if ts, ok := sink.(TimedSink); ok {
		ts.Timing(wait, out.QueryTime)
	}
	if err := sink.WriteColumns(cols); err != nil {
		rows.Close()
		d.finish(p, h, err)
		return err
	}
	out.Columns = cols

	for {
		batch, err := driver.FetchBatch(ctx, rows, d.batchSize())

		if corr != nil && corr.Closed() {
			// Release immediately and suppress everything further.
			rows.Close()
			p.Release(h)
			return ErrAbandoned
		}

		if transform {
			materializeLobs(batch)
		}
		if len(batch) > 0 {
			if sinkErr := sink.WriteRows(batch); sinkErr != nil {
				rows.Close()
				d.finish(p, h, sinkErr)
				return sinkErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			rows.Close()
			sink.Close(err)
			d.finish(p, h, err)
			return err
		}
	}

	rows.Close()
	err := sink.Close(nil)
	d.finish(p, h, err)
	return err
}

// finish returns the handle on every exit path: dead sessions are
// discarded, live ones released.
func (d *Dispatcher) finish(p *pool.Pool, h *pool.Handle, err error) {
	if h == nil {
		return
	}
	if err != nil && h.Session().ReadyState() != driver.StateConnected {
		p.Discard(h)
		return
	}
	p.Release(h)
}

// recover routes tenant-pool errors through the recovery policy; shared
// pool errors pass through unchanged. An abandoned correlation suppresses
// the error after recovery ran.
func (d *Dispatcher) recover(ctx context.Context, id registry.Identity, env, kind string, p *pool.Pool, corr *Correlation, err error) error {
	if kind == "tenant" && d.Recovery != nil {
		err = d.Recovery.HandleQueryError(ctx, id, env, p, err)
	}
	if corr != nil && corr.Closed() {
		return ErrAbandoned
	}
	return err
}

// isStatusPayload recognizes the stored-routine status convention.
func isStatusPayload(cols []driver.Column) bool {
	return len(cols) == 2 &&
		strings.EqualFold(cols[0].Name, statusCodeColumn) &&
		strings.EqualFold(cols[1].Name, statusMessageColumn)
}

// unwrapStatus extracts code and message from the payload's first row.
func unwrapStatus(rows [][]any) (int64, string) {
	if len(rows) == 0 {
		return 0, ""
	}
	var code int64
	switch v := rows[0][0].(type) {
	case int64:
		code = v
	case int:
		code = int64(v)
	case int32:
		code = int64(v)
	case float64:
		code = int64(v)
	}
	message, _ := rows[0][1].(string)
	return code, message
}
