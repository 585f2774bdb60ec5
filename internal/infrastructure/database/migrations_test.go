package database

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
)

// useMigrations swaps the package migration source for the duration of a test.
func useMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() {
		MigrationsFS = origFS
		MigrationsDir = origDir
	})
	MigrationsFS = fsys
	MigrationsDir = dir
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"sql/20260101_000000_widgets.up.sql": {
			Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);"),
		},
		"sql/20260101_000000_widgets.down.sql": {
			Data: []byte("DROP TABLE widgets;"),
		},
		"sql/20260102_000000_gadgets.up.sql": {
			Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);"),
		},
		"sql/README.md": {Data: []byte("not a migration")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "widgets") || !tableExists(t, db, "gadgets") {
		t.Fatal("expected widgets and gadgets tables")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("applied = %d, want 2", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
	if applied[0].Version != "20260101_000000" {
		t.Errorf("first applied = %q, want 20260101_000000", applied[0].Version)
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Latest migration has no down file.
	if err := db.MigrateDown(ctx); err == nil {
		t.Fatal("MigrateDown() expected error for missing down SQL")
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", "20260102_000000"); err != nil {
		t.Fatalf("removing record: %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "widgets") {
		t.Error("widgets table should be dropped")
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	tests := []struct {
		name string
		fsys fs.FS
	}{
		{name: "nil filesystem", fsys: nil},
		{name: "missing directory", fsys: fstest.MapFS{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.fsys, "sql")
			db := openTestDB(t)

			if err := db.Migrate(context.Background()); err != nil {
				t.Errorf("Migrate() error = %v", err)
			}
			if err := db.MigrateDown(context.Background()); err != nil {
				t.Errorf("MigrateDown() error = %v", err)
			}
		})
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_ok.up.sql":     {Data: []byte("CREATE TABLE ok (id INTEGER);")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLE broken (id INTEGER); NOT SQL;")},
	}, ".")
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err == nil {
		t.Fatal("Migrate() expected error")
	}
	if !tableExists(t, db, "ok") {
		t.Error("earlier migration should stay committed")
	}
	if tableExists(t, db, "broken") {
		t.Error("failed migration should be rolled back")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantUp      bool
		wantOK      bool
	}{
		{"up migration", "20260301_120000_kv_entries.up.sql", "20260301_120000", true, true},
		{"down migration", "20260301_120000_kv_entries.down.sql", "20260301_120000", false, true},
		{"no direction", "20260301_120000_kv_entries.sql", "", false, false},
		{"not sql", "20260301_120000_kv_entries.up.txt", "", false, false},
		{"no version", "kv.up.sql", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
			if isUp != tt.wantUp {
				t.Errorf("isUp = %v, want %v", isUp, tt.wantUp)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := map[string]string{
		"20260301_120000_kv_entries.up.sql":   "kv_entries",
		"20260301_120000_kv_entries.down.sql": "kv_entries",
		"short.up.sql":                        "short",
	}
	for filename, want := range tests {
		if got := extractMigrationName(filename); got != want {
			t.Errorf("extractMigrationName(%q) = %q, want %q", filename, got, want)
		}
	}
}
