package mysqlpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver simulates the MySQL driver surfacing "unread result" on the
// first two query attempts and succeeding on the third, exercising the
// recovery path spec.md §8 describes: three total calls, two resets.
type fakeDriver struct {
	mu         sync.Mutex
	queryCalls int32
	closes     int32
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{d: d}, nil
}

type fakeConn struct {
	d *fakeDriver
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported by fake driver")
}

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.d.closes, 1)
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported by fake driver")
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	n := atomic.AddInt32(&c.d.queryCalls, 1)
	if n <= 2 {
		return nil, errors.New("Error 1615: unread result found")
	}
	return &fakeRows{rows: [][]driver.Value{{int64(1), "att_infos_bitrix", int64(4)}}}, nil
}

// fakeRows implements driver.Rows over a fixed in-memory row set.
type fakeRows struct {
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string {
	return []string{"id", "nome_do_robo", "status_01"}
}

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func TestExecutionsFor_EmptyNames_NoQuery(t *testing.T) {
	p := &Pool{cfg: Config{}, db: nil}
	got := p.ExecutionsFor(context.Background(), nil)
	assert.Equal(t, map[string][]Execution{}, got)
}

func TestExecutionsFor_RetriesOnUnreadResult(t *testing.T) {
	fd := &fakeDriver{}
	sql.Register("fakemysql_retry", fd)

	db, err := sql.Open("fakemysql_retry", "dsn")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	p := &Pool{cfg: Config{PoolSize: 1}, db: db, driverName: "fakemysql_retry"}

	got := p.ExecutionsFor(context.Background(), []string{"att_infos_bitrix"})

	assert.Equal(t, int32(3), atomic.LoadInt32(&fd.queryCalls))
	assert.Contains(t, got, "att_infos_bitrix")
	assert.Equal(t, int32(2), atomic.LoadInt32(&fd.closes), "each unread-result attempt must close its connection")
}
