package db

import (
	"context"
	"testing"
)

func TestDialectFromDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want Dialect
	}{
		{"postgres://u:p@localhost:5432/spotlink?sslmode=disable", Postgres},
		{"postgresql://localhost/spotlink", Postgres},
		{"host=localhost user=spotlink dbname=spotlink", Postgres},
		{"sqlite:///var/lib/spotlink/data.db", SQLite},
		{"file:spotlink.db?_busy_timeout=5000", SQLite},
		{":memory:", SQLite},
		{"data/spotify_bot.db", SQLite},
	}
	for _, tt := range tests {
		if got := DialectFromDSN(tt.dsn); got != tt.want {
			t.Errorf("DialectFromDSN(%q) = %s, want %s", tt.dsn, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`
	if got := Postgres.Rebind(q); got != `UPDATE t SET a = $1, b = $2 WHERE id = $3` {
		t.Errorf("postgres Rebind = %q", got)
	}
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind changed query: %q", got)
	}
}

func TestConnectMemory(t *testing.T) {
	d, err := Connect(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()
	if d.Dialect != SQLite {
		t.Errorf("dialect = %s", d.Dialect)
	}
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Errorf("expected error for empty dsn")
	}
}
