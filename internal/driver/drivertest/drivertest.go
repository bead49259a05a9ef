// Package drivertest provides an in-memory Connector for tests. Sessions are
// scripted: register results per SQL text, inject connect failures, flip
// ready states, and inspect everything afterwards.
package drivertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lfarias-data/tenantpool/internal/driver"
)

// Script is the canned outcome for one SQL text. RowErr, when set, is
// returned by Next after the scripted rows are exhausted, in place of EOF.
type Script struct {
	Columns  []driver.Column
	Rows     [][]any
	Affected int64
	Err      error
	RowErr   error
}

// Connector is a fake driver.Connector. The zero value is not usable; call
// New.
type Connector struct {
	mu        sync.Mutex
	scripts   map[string]Script
	connects  []driver.Credential
	sessions  []*Session
	failNext  []error
	connectFn func(cred driver.Credential) error
	cookieSeq int
}

// New returns an empty fake connector.
func New() *Connector {
	return &Connector{scripts: map[string]Script{}}
}

// Script registers the outcome for an exact SQL text, shared by all
// sessions.
func (c *Connector) Script(sql string, s Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[sql] = s
}

// FailNext queues an error for the next Connect call. Multiple queued
// errors apply to successive calls in order.
func (c *Connector) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = append(c.failNext, err)
}

// OnConnect installs a gate invoked inside every Connect, before a session
// is produced. Useful for blocking or counting concurrent attempts.
func (c *Connector) OnConnect(fn func(cred driver.Credential) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectFn = fn
}

// Connect implements driver.Connector. Password and assertion logins mint a
// fresh session cookie; cookie logins echo the presented one back.
func (c *Connector) Connect(ctx context.Context, cred driver.Credential) (driver.Session, error) {
	c.mu.Lock()
	c.connects = append(c.connects, cred)
	var queued error
	if len(c.failNext) > 0 {
		queued = c.failNext[0]
		c.failNext = c.failNext[1:]
	}
	fn := c.connectFn
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if queued != nil {
		return nil, queued
	}
	if fn != nil {
		if err := fn(cred); err != nil {
			return nil, err
		}
	}

	cookie := cred.SessionCookie
	if cred.Method != driver.MethodSessionCookie {
		c.mu.Lock()
		c.cookieSeq++
		cookie = fmt.Sprintf("cookie-%d", c.cookieSeq)
		c.mu.Unlock()
	}

	s := &Session{
		connector: c,
		state:     driver.StateConnected,
		props: map[string]string{
			driver.PropResolvedUser:  strings.ToUpper(cred.User),
			driver.PropSessionCookie: cookie,
			driver.PropSystemID:      "FAKE01",
			driver.PropHost:          cred.Addr(),
			driver.PropVersion:       "0.0.0-test",
		},
	}

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

// ConnectCount returns how many Connect calls were made.
func (c *Connector) ConnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connects)
}

// Connects returns a copy of the credentials seen by Connect, in order.
func (c *Connector) Connects() []driver.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]driver.Credential, len(c.connects))
	copy(out, c.connects)
	return out
}

// Sessions returns every session produced so far, in creation order.
func (c *Connector) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

func (c *Connector) script(sql string) (Script, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scripts[sql]
	return s, ok
}

// Session is a fake driver.Session.
type Session struct {
	mu        sync.Mutex
	connector *Connector
	props     map[string]string
	state     driver.ReadyState
	execs     []string
	ended     bool
}

// Fail flips the session into the errored state, as after a broken wire.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = driver.StateErrored
}

// Execs returns the SQL texts executed on this session, in order.
func (s *Session) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.execs))
	copy(out, s.execs)
	return out
}

// Ended reports whether End was called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) run(sql string) (*driver.Result, error) {
	s.mu.Lock()
	s.execs = append(s.execs, sql)
	s.mu.Unlock()

	sc, ok := s.connector.script(sql)
	if !ok {
		return &driver.Result{}, nil
	}
	if sc.Err != nil {
		return nil, sc.Err
	}
	if sc.Columns == nil {
		return &driver.Result{RowsAffected: sc.Affected}, nil
	}
	return &driver.Result{Rows: &rows{cols: sc.Columns, data: sc.Rows, failErr: sc.RowErr}}, nil
}

func (s *Session) Exec(ctx context.Context, sql string) (*driver.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.run(sql)
}

func (s *Session) Prepare(ctx context.Context, sql string) (driver.Statement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sc, ok := s.connector.script(sql); ok && sc.Err != nil && sc.Columns == nil && sc.Rows == nil {
		// Scripted errors with no shape fail at prepare time.
		s.mu.Lock()
		s.execs = append(s.execs, sql)
		s.mu.Unlock()
		return nil, sc.Err
	}
	return &statement{session: s, sql: sql}, nil
}

func (s *Session) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props[key]
}

func (s *Session) ReadyState() driver.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.state = driver.StateClosed
	return nil
}

type statement struct {
	session *Session
	sql     string
	args    []any
	closed  bool
}

func (st *statement) Exec(ctx context.Context, args []any) (*driver.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.args = args
	return st.session.run(st.sql)
}

func (st *statement) Close() error {
	st.closed = true
	return nil
}

// NewRows builds a driver.Rows over static data.
func NewRows(cols []driver.Column, data [][]any) driver.Rows {
	return &rows{cols: cols, data: data}
}

type rows struct {
	cols    []driver.Column
	data    [][]any
	failErr error
	pos     int
	closed  bool
}

func (r *rows) Columns() []driver.Column { return r.cols }

func (r *rows) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.closed || r.pos >= len(r.data) {
		if r.failErr != nil && !r.closed {
			return nil, r.failErr
		}
		return nil, io.EOF
	}
	row := r.data[r.pos]
	r.pos++
	return row, nil
}

func (r *rows) Close() error {
	r.closed = true
	return nil
}

// Lob is an in-memory driver.Lob, optionally failing mid-read.
type Lob struct {
	r   io.Reader
	err error
}

// NewLob returns a Lob that yields s.
func NewLob(s string) *Lob { return &Lob{r: strings.NewReader(s)} }

// FailingLob returns a Lob whose first Read fails with err.
func FailingLob(err error) *Lob { return &Lob{err: err} }

func (l *Lob) Read(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	return l.r.Read(p)
}

func (l *Lob) Close() error { return nil }
