package server

import (
	"database/sql"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// OpenDB opens the assignment database. A postgres:// (or postgresql://)
// URL selects the Postgres driver; anything else is treated as a SQLite
// file path.
func OpenDB(dsn string) (*sql.DB, dialect, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, dialectPostgres, err
		}
		if err := migrate(db); err != nil {
			db.Close()
			return nil, dialectPostgres, err
		}
		return db, dialectPostgres, nil
	}

	// busy_timeout rides the DSN so every pooled connection gets it;
	// without it concurrent writers fail immediately with SQLITE_BUSY.
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dialectSQLite, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, dialectSQLite, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, dialectSQLite, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, dialectSQLite, err
	}
	return db, dialectSQLite, nil
}

func migrate(db *sql.DB) error {
	// Portable across both dialects. The UNIQUE on asn is load-bearing:
	// concurrent allocations racing for the same candidate are resolved by
	// this constraint, not by the availability pre-check.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS asn_assignments (
			id TEXT PRIMARY KEY,
			user_hash TEXT NOT NULL UNIQUE,
			user_id TEXT,
			asn BIGINT NOT NULL UNIQUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS prefix_leases (
			id TEXT PRIMARY KEY,
			user_hash TEXT NOT NULL,
			prefix TEXT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_prefix_leases_end ON prefix_leases(end_time);`,
		`CREATE INDEX IF NOT EXISTS idx_prefix_leases_user ON prefix_leases(user_hash, end_time);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres. Queries in this
// package are written with ? and contain no literal question marks.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
