package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/driver/drivertest"
	"github.com/lfarias-data/tenantpool/internal/recovery"
	"github.com/lfarias-data/tenantpool/internal/registry"
	"github.com/lfarias-data/tenantpool/internal/session"
)

// collectSink records everything a streamed dispatch delivers.
type collectSink struct {
	cols     []driver.Column
	rows     [][]any
	closed   bool
	closeErr error
}

func (s *collectSink) WriteColumns(cols []driver.Column) error {
	s.cols = cols
	return nil
}

func (s *collectSink) WriteRows(rows [][]any) error {
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *collectSink) Close(err error) error {
	s.closed = true
	s.closeErr = err
	return err
}

type fixture struct {
	conn  *drivertest.Connector
	reg   *registry.Registry
	store *session.MemoryStore
	d     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	refresh := false
	cfg := &config.Config{
		Environments: []config.Environment{{
			Name:              "DEV",
			Host:              "db",
			Port:              1433,
			User:              "tech",
			Password:          "secret",
			MaxPoolSize:       2,
			IdleTimeout:       time.Minute,
			RefreshIdle:       &refresh,
			TenantMaxPoolSize: 2,
		}},
	}
	conn := drivertest.New()
	reg, err := registry.New(context.Background(), cfg, conn)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})

	store := session.NewMemoryStore()
	policy := &recovery.Policy{Registry: reg, Store: store, Connector: conn}
	return &fixture{
		conn:  conn,
		reg:   reg,
		store: store,
		d:     &Dispatcher{Registry: reg, Recovery: policy, BatchSize: 2},
	}
}

func tenantIdentity(sid string) registry.Identity {
	return registry.Identity{Principal: "ALICE", SessionCookie: "stored-cookie", SessionRef: sid}
}

func TestDispatchExecMaterializesRows(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("SELECT * FROM t", drivertest.Script{
		Columns: []driver.Column{{Name: "ID", Type: driver.TypeInt}, {Name: "NAME", Type: driver.TypeString}},
		Rows:    [][]any{{int64(1), "one"}, {int64(2), "two"}},
	})

	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "SELECT * FROM t", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, out.Columns, 2)
	assert.Equal(t, [][]any{{int64(1), "one"}, {int64(2), "two"}}, out.Rows)
}

func TestDispatchExecAffectedRows(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("DELETE FROM t", drivertest.Script{Affected: 7})

	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "DELETE FROM t", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.RowsAffected)
	assert.Nil(t, out.Rows)
}

func TestDispatchExecPreparedWithParams(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("UPDATE t SET v = ? WHERE id = ?", drivertest.Script{Affected: 1})

	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec,
		"UPDATE t SET v = ? WHERE id = ?", []any{"x", int64(3)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.RowsAffected)
}

func TestDispatchUnwrapsStatusPayload(t *testing.T) {
	f := newFixture(t)
	statusCols := []driver.Column{
		{Name: "status_code", Type: driver.TypeInt},
		{Name: "status_message", Type: driver.TypeString},
	}

	f.conn.Script("EXEC ok_proc", drivertest.Script{
		Columns: statusCols,
		Rows:    [][]any{{int64(0), "created 3 records"}},
	})
	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "EXEC ok_proc", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "created 3 records", out.StatusMessage)
	assert.Nil(t, out.Rows, "status payload is unwrapped, not returned as data")

	f.conn.Script("EXEC bad_proc", drivertest.Script{
		Columns: statusCols,
		Rows:    [][]any{{int64(42), "validation failed"}},
	})
	_, err = f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "EXEC bad_proc", nil, nil, nil)
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, int64(42), appErr.Code)
	assert.Equal(t, "validation failed", appErr.Message)
}

func TestStatusPayloadNeedsExactShape(t *testing.T) {
	f := newFixture(t)
	// A third column means ordinary data, even with the status names present.
	f.conn.Script("SELECT wide", drivertest.Script{
		Columns: []driver.Column{
			{Name: "STATUS_CODE", Type: driver.TypeInt},
			{Name: "STATUS_MESSAGE", Type: driver.TypeString},
			{Name: "EXTRA", Type: driver.TypeString},
		},
		Rows: [][]any{{int64(5), "msg", "x"}},
	})

	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "SELECT wide", nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, out.Rows, 1)
	assert.Empty(t, out.StatusMessage)
}

func TestDispatchMetaReturnsColumnsOnly(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("SELECT * FROM t", drivertest.Script{
		Columns: []driver.Column{{Name: "ID", Type: driver.TypeInt}},
		Rows:    [][]any{{int64(1)}},
	})

	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeMeta, "SELECT * FROM t", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, out.Columns, 1)
	assert.Equal(t, "ID", out.Columns[0].Name)
	assert.Nil(t, out.Rows, "meta mode must not materialize rows")
}

func TestDispatchStreamDeliversBatches(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("SELECT * FROM big", drivertest.Script{
		Columns: []driver.Column{{Name: "N", Type: driver.TypeInt}},
		Rows:    [][]any{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}, {int64(5)}},
	})

	sink := &collectSink{}
	out, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeStream, "SELECT * FROM big", nil, nil, sink)
	require.NoError(t, err)
	require.Len(t, sink.cols, 1)
	assert.Len(t, sink.rows, 5)
	assert.True(t, sink.closed)
	assert.NoError(t, sink.closeErr)
	assert.Len(t, out.Columns, 1)
}

func TestDispatchStreamMaterializesLobs(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("SELECT doc FROM docs", drivertest.Script{
		Columns: []driver.Column{
			{Name: "ID", Type: driver.TypeInt},
			{Name: "DOC", Type: driver.TypeLob},
		},
		Rows: [][]any{
			{int64(1), drivertest.NewLob("first document")},
			{int64(2), drivertest.NewLob("second document")},
		},
	})

	sink := &collectSink{}
	_, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeStream, "SELECT doc FROM docs", nil, nil, sink)
	require.NoError(t, err)
	require.Len(t, sink.rows, 2)
	assert.Equal(t, "first document", sink.rows[0][1])
	assert.Equal(t, "second document", sink.rows[1][1])
}

func TestFailingLobReplacedWithSentinel(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("SELECT doc FROM docs", drivertest.Script{
		Columns: []driver.Column{
			{Name: "ID", Type: driver.TypeInt},
			{Name: "DOC", Type: driver.TypeLob},
		},
		Rows: [][]any{
			{int64(1), drivertest.FailingLob(errors.New("stream torn"))},
			{int64(2), drivertest.NewLob("still fine")},
		},
	})

	sink := &collectSink{}
	_, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeStream, "SELECT doc FROM docs", nil, nil, sink)
	require.NoError(t, err)
	require.Len(t, sink.rows, 2)
	assert.Equal(t, "<lob read error: stream torn>", sink.rows[0][1])
	assert.Equal(t, int64(1), sink.rows[0][0], "sibling column unaffected")
	assert.Equal(t, "still fine", sink.rows[1][1], "subsequent rows unaffected")
}

// closeProbeSink observes the moment the terminal signal is delivered.
type closeProbeSink struct {
	collectSink
	onClose func()
}

func (s *closeProbeSink) Close(err error) error {
	if s.onClose != nil {
		s.onClose()
	}
	return s.collectSink.Close(err)
}

func TestStreamRowErrorReleasesHandleAfterSinkClose(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("wire torn")
	f.conn.Script("SELECT * FROM big", drivertest.Script{
		Columns: []driver.Column{{Name: "N", Type: driver.TypeInt}},
		Rows:    [][]any{{int64(1)}},
		RowErr:  boom,
	})
	entry, err := f.reg.Environment("DEV")
	require.NoError(t, err)

	var inUseAtClose int
	sink := &closeProbeSink{onClose: func() {
		inUseAtClose = entry.Pool.Stats().InUse
	}}

	_, err = f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeStream, "SELECT * FROM big", nil, nil, sink)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, sink.closeErr, boom, "sink told the stream failed")
	assert.Len(t, sink.rows, 1, "rows before the failure still delivered")

	assert.Equal(t, 1, inUseAtClose, "handle held until the terminal sink signal")
	assert.Equal(t, 0, entry.Pool.Stats().InUse, "handle released after it")
}

func TestDispatchAbandonedBeforeExecution(t *testing.T) {
	f := newFixture(t)
	corr := NewCorrelation()
	corr.Close()

	_, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "SELECT 1", nil, corr, nil)
	assert.ErrorIs(t, err, ErrAbandoned)

	// The handle went back: the pool serves the next dispatch.
	f.conn.Script("SELECT 1", drivertest.Script{Affected: 0})
	_, err = f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "SELECT 1", nil, nil, nil)
	assert.NoError(t, err)
}

func TestDispatchAbandonedSuppressesResult(t *testing.T) {
	f := newFixture(t)
	f.conn.Script("SELECT * FROM t", drivertest.Script{
		Columns: []driver.Column{{Name: "ID", Type: driver.TypeInt}},
		Rows:    [][]any{{int64(1)}},
	})

	corr := NewCorrelation()
	ctx, cancel := context.WithCancel(context.Background())
	corr.Watch(ctx)
	cancel()

	// The watcher flips the correlation asynchronously; wait for it.
	require.Eventually(t, corr.Closed, time.Second, time.Millisecond)

	_, err := f.d.Dispatch(context.Background(), registry.Identity{}, "DEV", ModeExec, "SELECT * FROM t", nil, corr, nil)
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestAuthFailureFlushesTenantState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, "s1", "DEV", session.Credentials{
		ResolvedUser: "ALICE", SessionCookie: "stored-cookie",
	}))

	f.conn.Script("SELECT secret", drivertest.Script{
		Err: driver.NewError(driver.CodeAuthFailed, "login failed"),
	})

	_, err := f.d.Dispatch(ctx, tenantIdentity("s1"), "DEV", ModeExec, "SELECT secret", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, driver.IsAuthFailed(err), "original error passes through")

	_, ok := f.reg.Tenant("ALICE")
	assert.False(t, ok, "tainted tenant entry removed")

	creds, err := f.store.Get(ctx, "s1", "DEV")
	require.NoError(t, err)
	assert.Nil(t, creds, "stored cookie cleared so it is never reused")
}

func TestSharedPoolErrorSkipsRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, "s1", "DEV", session.Credentials{
		ResolvedUser: "ALICE", SessionCookie: "stored-cookie",
	}))

	f.conn.Script("SELECT secret", drivertest.Script{
		Err: driver.NewError(driver.CodeAuthFailed, "login failed"),
	})

	// Anonymous dispatch on the shared pool: recovery must not touch the
	// stored credentials.
	_, err := f.d.Dispatch(ctx, registry.Identity{}, "DEV", ModeExec, "SELECT secret", nil, nil, nil)
	require.Error(t, err)

	creds, err := f.store.Get(ctx, "s1", "DEV")
	require.NoError(t, err)
	assert.NotNil(t, creds)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"": ModeExec, "exec": ModeExec, "EXEC": ModeExec,
		"meta": ModeMeta, "stream": ModeStream,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}
	_, err := ParseMode("bulk")
	assert.Error(t, err)
}
