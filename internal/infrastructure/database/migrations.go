package database

import (
	"cmp"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// MigrationsFS holds the embedded migration files. The migrations package
// registers itself here from its init function.
var MigrationsFS embed.FS

// MigrationsDir is the directory within MigrationsFS holding the files.
var MigrationsDir = "migrations"

// ErrMigrationChanged is returned when an applied migration's up SQL no
// longer matches what was recorded when it ran.
var ErrMigrationChanged = errors.New("database: applied migration was modified")

// Migration is one versioned schema change, read from a
// VERSION_description.up.sql file and its optional .down.sql partner.
// VERSION is YYYYMMDD_HHMMSS.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// Checksum fingerprints the up SQL.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`

// Migrate applies pending migrations oldest first, each in its own
// transaction. A failure leaves earlier migrations committed, so running
// Migrate again resumes at the failed one. Applied migrations whose file
// has since been edited stop the run with ErrMigrationChanged.
func (db *DB) Migrate(ctx context.Context) error {
	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		err := db.WithTx(ctx, func(q Querier) error {
			if _, err := q.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := q.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, m.Checksum(), FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. It is a no-op
// on an unmigrated database.
func (db *DB) MigrateDown(ctx context.Context) error {
	applied, err := db.AppliedMigrations(ctx)
	if err != nil || len(applied) == 0 {
		return err
	}
	latest := applied[len(applied)-1]

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	i, found := slices.BinarySearchFunc(all, latest.Version, func(m Migration, v string) int {
		return cmp.Compare(m.Version, v)
	})
	switch {
	case !found:
		return fmt.Errorf("migration %s is applied but has no file", latest.Version)
	case all[i].DownSQL == "":
		return fmt.Errorf("migration %s has no down SQL", latest.Version)
	}

	return db.WithTx(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, all[i].DownSQL); err != nil {
			return fmt.Errorf("reverting %s: %w", latest.Version, err)
		}
		_, err := q.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, latest.Version)
		return err
	})
}

// PendingMigrations returns the migrations not yet applied, oldest first,
// after checking that applied ones are unchanged.
func (db *DB) PendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	sums := make(map[string]string, len(applied))
	for _, a := range applied {
		sums[a.Version] = a.Checksum
	}

	var pending []Migration
	for _, m := range all {
		sum, done := sums[m.Version]
		switch {
		case !done:
			pending = append(pending, m)
		case sum != m.Checksum():
			return nil, fmt.Errorf("%w: %s_%s", ErrMigrationChanged, m.Version, m.Name)
		}
	}
	return pending, nil
}

// AppliedMigrations lists schema_migrations oldest first.
func (db *DB) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		if a.AppliedAt, err = ParseTime(at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// loadMigrations reads MigrationsFS, sorted by version.
func loadMigrations() ([]Migration, error) {
	var empty embed.FS
	if MigrationsFS == empty {
		return nil, nil
	}
	names, err := fs.Glob(MigrationsFS, path.Join(MigrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, p := range names {
		f, ok := parseMigrationFilename(path.Base(p))
		if !ok {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}

		m := byVersion[f.version]
		if m == nil {
			m = &Migration{Version: f.version, Name: f.name}
			byVersion[f.version] = m
		}
		if f.up {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", m.Version)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFilename splits "20260301_090000_initial_schema.up.sql"
// into its version, description and direction.
func parseMigrationFilename(filename string) (migrationFile, bool) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return migrationFile{}, false
	}
	var f migrationFile
	if b, ok := strings.CutSuffix(base, ".up"); ok {
		base, f.up = b, true
	} else if b, ok := strings.CutSuffix(base, ".down"); ok {
		base = b
	} else {
		return migrationFile{}, false
	}

	date, rest, ok1 := strings.Cut(base, "_")
	clock, name, ok2 := strings.Cut(rest, "_")
	if !ok1 || !ok2 || len(date) != 8 || len(clock) != 6 || name == "" {
		return migrationFile{}, false
	}
	f.version = date + "_" + clock
	f.name = name
	return f, true
}
