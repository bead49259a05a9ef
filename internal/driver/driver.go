// Package driver defines the database client capability consumed by the pool
// manager: connect, exec, prepare and row streaming. The wire protocol itself
// is external; implementations adapt a concrete client behind these
// interfaces (see mssqldriver for a real one, drivertest for the fake).
package driver

import (
	"context"
	"fmt"
	"io"
)

// ReadyState is the lifecycle state of a session.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateConnected
	StateClosed
	StateErrored
)

// String returns the lowercase state name.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Method selects the authentication strategy carried by a Credential.
type Method int

const (
	MethodPassword Method = iota
	MethodSessionCookie
	MethodAssertion
)

// String returns the method name used in logs and metrics labels.
func (m Method) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodSessionCookie:
		return "cookie"
	case MethodAssertion:
		return "assertion"
	}
	return "unknown"
}

// Credential is the fully resolved material handed to a Connector. Exactly
// one strategy is in effect, indicated by Method; the remaining strategy
// fields are ignored. In cookie mode Password still carries the non-empty
// placeholder the protocol negotiation requires.
type Credential struct {
	Host     string
	Port     int
	Database string

	Method        Method
	User          string
	Password      string
	SessionCookie string
	Assertion     string
}

// Addr returns the host:port the credential targets.
func (c Credential) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Connector establishes authenticated sessions against one database server.
type Connector interface {
	Connect(ctx context.Context, cred Credential) (Session, error)
}

// Session property keys exposed through Session.Get.
const (
	PropResolvedUser  = "resolvedUser"
	PropSessionCookie = "sessionCookie"
	PropSystemID      = "systemId"
	PropHost          = "host"
	PropVersion       = "version"
)

// Session is one live, authenticated connection.
type Session interface {
	// Exec runs sql directly and returns rows or an affected-row status.
	Exec(ctx context.Context, sql string) (*Result, error)

	// Prepare compiles sql for parameterized execution.
	Prepare(ctx context.Context, sql string) (Statement, error)

	// Get returns a session property (see the Prop* keys); empty if unset.
	Get(key string) string

	ReadyState() ReadyState

	// End terminates the session. It is idempotent.
	End() error
}

// Statement is a prepared statement bound to its session.
type Statement interface {
	Exec(ctx context.Context, args []any) (*Result, error)
	Close() error
}

// Result is the outcome of an execution: a row stream, or an affected-row
// count when the statement produced no result set (Rows is nil then).
type Result struct {
	Rows         Rows
	RowsAffected int64
}

// TypeCode classifies a result column.
type TypeCode int

const (
	TypeString TypeCode = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeBytes
	TypeTime
	TypeLob
)

// Column describes one result-set column.
type Column struct {
	Name string
	Type TypeCode
}

// IsLob reports whether values in this column are out-of-band streams.
func (c Column) IsLob() bool { return c.Type == TypeLob }

// Rows is a lazy row stream. Next returns io.EOF after the last row. Values
// in TypeLob columns are Lob handles, not inline data.
type Rows interface {
	Columns() []Column
	Next(ctx context.Context) ([]any, error)
	Close() error
}

// Lob is a handle to a secondary out-of-band byte stream backing one column
// value.
type Lob interface {
	io.Reader
	Close() error
}

// FetchBatch reads up to max rows from r. A short (possibly empty) batch
// together with io.EOF marks the end of the stream.
func FetchBatch(ctx context.Context, r Rows, max int) ([][]any, error) {
	batch := make([][]any, 0, max)
	for len(batch) < max {
		row, err := r.Next(ctx)
		if err == io.EOF {
			return batch, io.EOF
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, row)
	}
	return batch, nil
}
