package ipam

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists issued peering addresses so later runs avoid them.
type SQLiteStore struct {
	db *sql.DB
}

// Issued is one row of the address store.
type Issued struct {
	Address netip.Addr
	Owner   string
	Time    time.Time
}

var _ Registry = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the address database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating address db dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening address db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging address db %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS bgp_addresses(address TEXT PRIMARY KEY, owner TEXT NOT NULL, ts INTEGER NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating address db schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Taken reports whether addr was issued by any earlier run.
func (s *SQLiteStore) Taken(ctx context.Context, addr netip.Addr) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM bgp_addresses WHERE address = ?`, addr.String()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Record stores addr as issued to owner.
func (s *SQLiteStore) Record(ctx context.Context, owner string, addr netip.Addr) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO bgp_addresses(address, owner, ts) VALUES(?,?,?)`, addr.String(), owner, time.Now().Unix())
	return err
}

// List returns every stored address, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Issued, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, owner, ts FROM bgp_addresses ORDER BY ts, address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Issued
	for rows.Next() {
		var (
			raw, owner string
			ts         int64
		)
		if err := rows.Scan(&raw, &owner, &ts); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("address db row %q: %w", raw, err)
		}
		out = append(out, Issued{Address: addr, Owner: owner, Time: time.Unix(ts, 0)})
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
