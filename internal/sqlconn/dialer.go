package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/broker/memory"
	"pkt.systems/ssbtransport/internal/broker/sqlserver"
)

// Dialer opens exclusive broker connections for normalized data source names.
type Dialer interface {
	Dial(ctx context.Context, dsn string) (broker.Conn, error)
	Close() error
}

// SQLServerDialer keeps one database/sql pool per data source name and hands
// out dedicated sessions from it.
type SQLServerDialer struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewSQLServerDialer returns an empty dialer.
func NewSQLServerDialer() *SQLServerDialer {
	return &SQLServerDialer{pools: make(map[string]*sql.DB)}
}

func (d *SQLServerDialer) pool(dsn string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pools == nil {
		d.pools = make(map[string]*sql.DB)
	}
	if db, ok := d.pools[dsn]; ok {
		return db, nil
	}
	db, err := sqlserver.OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	d.pools[dsn] = db
	return db, nil
}

// Dial takes a dedicated session from the pool of dsn.
func (d *SQLServerDialer) Dial(ctx context.Context, dsn string) (broker.Conn, error) {
	db, err := d.pool(dsn)
	if err != nil {
		return nil, err
	}
	return sqlserver.Connect(ctx, db)
}

// Close closes every pool.
func (d *SQLServerDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for dsn, db := range d.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.pools, dsn)
	}
	return errors.Join(errs...)
}

// MemoryDialer resolves mem://name to the broker registered under name.
type MemoryDialer struct{}

// Dial connects to the registered broker.
func (MemoryDialer) Dial(_ context.Context, dsn string) (broker.Conn, error) {
	name := strings.TrimPrefix(dsn, MemoryScheme)
	b, ok := memory.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("sqlconn: no memory broker registered as %q", name)
	}
	return b.Connect(), nil
}

// Close is a no-op.
func (MemoryDialer) Close() error {
	return nil
}
