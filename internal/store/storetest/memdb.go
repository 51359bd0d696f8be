package storetest

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
)

// NewTxDB returns a *sql.DB backed by a no-op driver. It exists so code that
// takes a store.TxBeginner and passes the resulting *sql.Tx to the in-memory
// repos (which ignore it) can run without a real database. Statements are not
// supported; only Begin/Commit/Rollback work.
func NewTxDB() *sql.DB {
	registerOnce.Do(func() {
		sql.Register("storetest", memDriver{})
	})
	db, err := sql.Open("storetest", "")
	if err != nil {
		panic(err)
	}
	return db
}

var registerOnce sync.Once

type memDriver struct{}

func (memDriver) Open(string) (driver.Conn, error) { return memConn{}, nil }

type memConn struct{}

func (memConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("storetest: statements are not supported")
}
func (memConn) Close() error              { return nil }
func (memConn) Begin() (driver.Tx, error) { return memTx{}, nil }

type memTx struct{}

func (memTx) Commit() error   { return nil }
func (memTx) Rollback() error { return nil }
