// Package mssqldriver adapts a SQL Server backend (via go-mssqldb) to the
// driver capability. Only password authentication is supported by this
// backend; cookie and assertion strategies return a coded unsupported-auth
// error so the caller can fall back or fail cleanly.
package mssqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/lfarias-data/tenantpool/internal/driver"
)

// Connector implements driver.Connector over go-mssqldb.
type Connector struct{}

// New returns a SQL Server connector.
func New() *Connector { return &Connector{} }

// Connect opens a dedicated physical connection. Each session wraps its own
// sql.DB limited to a single connection so one Session maps 1:1 to one
// server connection, the same trick the pool uses everywhere.
func (c *Connector) Connect(ctx context.Context, cred driver.Credential) (driver.Session, error) {
	if cred.Method != driver.MethodPassword {
		return nil, driver.NewError(driver.CodeUnsupportedAuth,
			"sqlserver backend does not support %s authentication", cred.Method)
	}

	db, err := sql.Open("sqlserver", dsn(cred))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, translate(err)
	}

	s := &session{db: db, props: map[string]string{
		driver.PropHost: cred.Addr(),
	}}
	if err := s.probe(ctx); err != nil {
		db.Close()
		return nil, translate(err)
	}
	return s, nil
}

func dsn(cred driver.Credential) string {
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cred.User, cred.Password),
		Host:   cred.Addr(),
	}
	q := url.Values{}
	if cred.Database != "" {
		q.Set("database", cred.Database)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// translate maps go-mssqldb server errors onto the capability's codes.
func translate(err error) error {
	var se mssql.Error
	if errors.As(err, &se) {
		switch se.Number {
		case 18456: // login failed
			return driver.NewError(driver.CodeAuthFailed, "%s", se.Message)
		case 18461, 15007: // login disabled / principal not found
			return driver.NewError(driver.CodeUnknownPrincipal, "%s", se.Message)
		}
	}
	return err
}

type session struct {
	mu    sync.Mutex
	db    *sql.DB
	props map[string]string
	state driver.ReadyState
	ended bool
}

// probe captures the resolved login name and server fingerprint properties.
func (s *session) probe(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT SUSER_SNAME(),
		        CAST(SERVERPROPERTY('ServerName') AS NVARCHAR(128)),
		        CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128))`)
	var user, name, version string
	if err := row.Scan(&user, &name, &version); err != nil {
		return fmt.Errorf("probing session properties: %w", err)
	}
	s.props[driver.PropResolvedUser] = user
	s.props[driver.PropSystemID] = name
	s.props[driver.PropVersion] = version
	s.state = driver.StateConnected
	return nil
}

func (s *session) Exec(ctx context.Context, query string) (*driver.Result, error) {
	if returnsRows(query) {
		rs, err := s.db.QueryContext(ctx, query)
		if err != nil {
			s.noteError(err)
			return nil, translate(err)
		}
		rows, err := wrapRows(rs)
		if err != nil {
			return nil, err
		}
		return &driver.Result{Rows: rows}, nil
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		s.noteError(err)
		return nil, translate(err)
	}
	n, _ := res.RowsAffected()
	return &driver.Result{RowsAffected: n}, nil
}

func (s *session) Prepare(ctx context.Context, query string) (driver.Statement, error) {
	st, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		s.noteError(err)
		return nil, translate(err)
	}
	return &statement{st: st, query: query, owner: s}, nil
}

func (s *session) Get(key string) string { return s.props[key] }

func (s *session) ReadyState() driver.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.state = driver.StateClosed
	s.mu.Unlock()
	return s.db.Close()
}

func (s *session) noteError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	s.state = driver.StateErrored
	s.mu.Unlock()
}

// returnsRows is a coarse statement classifier: anything that is not a
// SELECT-shaped statement goes through Exec and yields an affected-row
// count.
func returnsRows(query string) bool {
	q := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH") ||
		strings.HasPrefix(q, "EXEC")
}

type statement struct {
	st    *sql.Stmt
	query string
	owner *session
}

func (st *statement) Exec(ctx context.Context, args []any) (*driver.Result, error) {
	named := make([]any, len(args))
	for i, a := range args {
		named[i] = sql.Named(fmt.Sprintf("p%d", i+1), a)
	}

	if returnsRows(st.query) {
		rs, err := st.st.QueryContext(ctx, named...)
		if err != nil {
			st.owner.noteError(err)
			return nil, translate(err)
		}
		rows, err := wrapRows(rs)
		if err != nil {
			return nil, err
		}
		return &driver.Result{Rows: rows}, nil
	}

	res, err := st.st.ExecContext(ctx, named...)
	if err != nil {
		st.owner.noteError(err)
		return nil, translate(err)
	}
	n, _ := res.RowsAffected()
	return &driver.Result{RowsAffected: n}, nil
}

func (st *statement) Close() error { return st.st.Close() }

type rows struct {
	rs   *sql.Rows
	cols []driver.Column
}

func wrapRows(rs *sql.Rows) (driver.Rows, error) {
	types, err := rs.ColumnTypes()
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("reading column metadata: %w", err)
	}
	cols := make([]driver.Column, len(types))
	for i, t := range types {
		cols[i] = driver.Column{Name: t.Name(), Type: mapType(t.DatabaseTypeName())}
	}
	return &rows{rs: rs, cols: cols}, nil
}

func mapType(dbType string) driver.TypeCode {
	switch strings.ToUpper(dbType) {
	case "INT", "BIGINT", "SMALLINT", "TINYINT":
		return driver.TypeInt
	case "FLOAT", "REAL", "DECIMAL", "NUMERIC", "MONEY":
		return driver.TypeFloat
	case "BIT":
		return driver.TypeBool
	case "BINARY", "VARBINARY", "IMAGE":
		return driver.TypeBytes
	case "DATETIME", "DATETIME2", "DATE", "TIME", "DATETIMEOFFSET":
		return driver.TypeTime
	case "TEXT", "NTEXT", "XML":
		return driver.TypeLob
	default:
		return driver.TypeString
	}
}

func (r *rows) Columns() []driver.Column { return r.cols }

func (r *rows) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.rs.Next() {
		if err := r.rs.Err(); err != nil {
			return nil, translate(err)
		}
		return nil, io.EOF
	}
	ptrs := make([]any, len(r.cols))
	vals := make([]any, len(r.cols))
	for i := range ptrs {
		ptrs[i] = &vals[i]
	}
	if err := r.rs.Scan(ptrs...); err != nil {
		return nil, translate(err)
	}
	return vals, nil
}

func (r *rows) Close() error { return r.rs.Close() }
