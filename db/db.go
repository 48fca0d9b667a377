// Package db provides database connection helpers and versioned schema migrations.
// Postgres (via pgx) is the production backend; SQLite is supported for local runs and tests.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "github.com/mattn/go-sqlite3"    // sqlite driver registered as 'sqlite3'
)

// Dialect names the SQL backend behind a *sql.DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "pgx"
}

// Rebind rewrites '?' placeholders into the dialect's form. Queries in this
// repository are written with '?' and must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DialectFromDSN infers the backend from a DSN. postgres:// and postgresql:// URLs and
// key=value strings select Postgres; sqlite:// URLs, file: URIs, :memory: and *.db paths select SQLite.
func DialectFromDSN(dsn string) Dialect {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return Postgres
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"),
		lower == ":memory:", strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return SQLite
	default:
		return Postgres
	}
}

// DB bundles a connection pool with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Rebind is shorthand for d.Dialect.Rebind.
func (d *DB) Rebind(query string) string { return d.Dialect.Rebind(query) }

// Connect opens the database named by dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DB_DSN")
	}
	dialect := DialectFromDSN(dsn)
	if dialect == SQLite {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	sqldb, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// one writer; also keeps :memory: databases on a single connection
		sqldb.SetMaxOpenConns(1)
	} else {
		sqldb.SetMaxOpenConns(10)
		sqldb.SetMaxIdleConns(5)
		sqldb.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqldb.PingContext(pingCtx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{DB: sqldb, Dialect: dialect}, nil
}
