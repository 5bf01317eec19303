package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrationsTable tracks which migrations have been applied.
const migrationsTable = "schema_migrations"

// Migration represents a single database migration.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies and rolls back schema migrations.
type Migrator struct {
	db         *DB
	migrations []Migration
}

// NewMigrator creates a Migrator with migrations from an embedded filesystem.
func NewMigrator(db *DB, migrationsFS embed.FS, dir string) (*Migrator, error) {
	subFS, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to access migrations directory %q: %w", dir, err)
	}
	return NewMigratorFromFS(db, subFS)
}

// NewMigratorFromFS creates a Migrator with migrations from a standard filesystem.
func NewMigratorFromFS(db *DB, migrationsFS fs.FS) (*Migrator, error) {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// migrationFileRegex matches migration files like "20260810000001_core_schema.up.sql"
var migrationFileRegex = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

func loadMigrations(migrationsFS fs.FS) ([]Migration, error) {
	byVersion := make(map[string]*Migration)

	err := fs.WalkDir(migrationsFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		matches := migrationFileRegex.FindStringSubmatch(filepath.Base(path))
		if matches == nil {
			return nil
		}

		content, err := fs.ReadFile(migrationsFS, path)
		if err != nil {
			return fmt.Errorf("failed to read migration file %q: %w", path, err)
		}

		version, name, direction := matches[1], matches[2], matches[3]
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if direction == "up" {
			mig.UpSQL = string(content)
		} else {
			mig.DownSQL = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// ensureMigrationsTable creates the tracking table if it doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() NOT NULL
		)
	`, migrationsTable)

	if _, err := m.db.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// appliedMigrations returns the applied migration versions and times.
func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	query := fmt.Sprintf(`SELECT version, applied_at FROM %s`, migrationsTable)

	rows, err := m.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migration rows: %w", err)
	}

	return applied, nil
}

// Up applies all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return count, fmt.Errorf("migration %s has no up SQL", mig.Version)
		}
		if err := m.apply(ctx, mig, true); err != nil {
			return count, fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}
		count++
	}

	return count, nil
}

// Down rolls back the last n applied migrations.
func (m *Migrator) Down(ctx context.Context, n int) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	// Most recent first.
	var toRollback []Migration
	for i := len(m.migrations) - 1; i >= 0 && len(toRollback) < n; i-- {
		mig := m.migrations[i]
		if _, ok := applied[mig.Version]; ok {
			toRollback = append(toRollback, mig)
		}
	}

	for _, mig := range toRollback {
		if mig.DownSQL == "" {
			return fmt.Errorf("migration %s has no down SQL", mig.Version)
		}
		if err := m.apply(ctx, mig, false); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", mig.Version, err)
		}
	}

	return nil
}

// apply runs a single migration and updates the tracking table, all within
// one transaction.
func (m *Migrator) apply(ctx context.Context, mig Migration, up bool) error {
	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql := mig.DownSQL
		if up {
			sql = mig.UpSQL
		}

		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}

		if up {
			query := fmt.Sprintf(`INSERT INTO %s (version, name) VALUES ($1, $2)`, migrationsTable)
			if _, err := tx.Exec(ctx, query, mig.Version, mig.Name); err != nil {
				return fmt.Errorf("failed to record migration: %w", err)
			}
		} else {
			query := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable)
			if _, err := tx.Exec(ctx, query, mig.Version); err != nil {
				return fmt.Errorf("failed to remove migration record: %w", err)
			}
		}

		return nil
	})
}

// Status returns the status of all known migrations.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, len(m.migrations))
	for i, mig := range m.migrations {
		status := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if appliedAt, ok := applied[mig.Version]; ok {
			status.Applied = true
			status.AppliedAt = &appliedAt
		}
		statuses[i] = status
	}

	return statuses, nil
}

// Version returns the latest applied migration version, or an empty string
// when nothing has been applied.
func (m *Migrator) Version(ctx context.Context) (string, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return "", err
	}

	query := fmt.Sprintf(`SELECT version FROM %s ORDER BY version DESC LIMIT 1`, migrationsTable)

	var version string
	err := m.db.pool.QueryRow(ctx, query).Scan(&version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get current version: %w", err)
	}

	return version, nil
}
