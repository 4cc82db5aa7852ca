package migrate

import (
	"testing"

	"opencawt/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var tables int
	if err := conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('cases','case_sessions','juror_seats')`).
		Scan(&tables); err != nil {
		t.Fatal(err)
	}
	if tables != 3 {
		t.Fatalf("core tables present = %d, want 3", tables)
	}
	var recorded int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&recorded); err != nil {
		t.Fatal(err)
	}
	if recorded == 0 {
		t.Fatal("applied migrations must be recorded in the ledger")
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("007_seating.sql")
	if err != nil || v != 7 {
		t.Fatalf("got %d, %v", v, err)
	}
	for _, name := range []string{"init.sql", "0_zero.sql", "x1_bad.sql"} {
		if _, err := parseVersion(name); err == nil {
			t.Fatalf("%s must be rejected", name)
		}
	}
}
