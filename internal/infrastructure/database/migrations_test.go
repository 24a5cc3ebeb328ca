package database

import (
	"context"
	"embed"
	"errors"
	"testing"
	"time"
)

//go:embed testdata/*.sql
var probeFS embed.FS

// withMigrations points the package at fsys/dir for the duration of t.
func withMigrations(t *testing.T, fsys embed.FS, dir string) {
	t.Helper()
	prevFS, prevDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() { MigrationsFS, MigrationsDir = prevFS, prevDir })
	MigrationsFS, MigrationsDir = fsys, dir
}

func tableExists(ctx context.Context, t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n); err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate_Lifecycle(t *testing.T) {
	withMigrations(t, probeFS, "testdata")
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		t.Fatalf("PendingMigrations() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "create_probe" {
		t.Fatalf("before Migrate: pending = %+v, want create_probe", pending)
	}

	for i := range 2 {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Migrate() run %d error = %v", i+1, err)
		}
	}
	if !tableExists(ctx, t, db, "probe") {
		t.Fatal("probe table not created")
	}
	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(applied))
	}
	if applied[0].Checksum != pending[0].Checksum() || applied[0].AppliedAt.IsZero() {
		t.Errorf("applied record = %+v", applied[0])
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(ctx, t, db, "probe") {
		t.Error("probe table still present after MigrateDown")
	}
	if applied, _ = db.AppliedMigrations(ctx); len(applied) != 0 {
		t.Errorf("applied after MigrateDown = %d, want 0", len(applied))
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

func TestMigrate_ChangedFile(t *testing.T) {
	withMigrations(t, probeFS, "testdata")
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'stale'`); err != nil {
		t.Fatalf("tampering checksum: %v", err)
	}

	if err := db.Migrate(ctx); !errors.Is(err, ErrMigrationChanged) {
		t.Errorf("Migrate() error = %v, want ErrMigrationChanged", err)
	}
}

func TestMigrate_Empty(t *testing.T) {
	var empty embed.FS
	withMigrations(t, empty, ".")
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no files error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20260301_090000_initial_schema.up.sql", migrationFile{"20260301_090000", "initial_schema", true}, true},
		{"20260301_090000_initial_schema.down.sql", migrationFile{"20260301_090000", "initial_schema", false}, true},
		{"20260415_120000_add_entity_icon.up.sql", migrationFile{"20260415_120000", "add_entity_icon", true}, true},
		{"readme.txt", migrationFile{}, false},
		{"20260301_090000_initial_schema.sql", migrationFile{}, false},
		{"schema.up.sql", migrationFile{}, false},
		{"2026_090000_short_date.up.sql", migrationFile{}, false},
		{"20260301_090000.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseMigrationFilename() = %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
