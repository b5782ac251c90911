package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Migrator runs SQL migration files in order.
// File naming follows golang-migrate: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies all pending up-migrations in order, each in its own transaction.
// Returns the number of migrations applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	count := 0
	for _, f := range files {
		version := extractVersion(f)
		if applied[version] {
			continue
		}

		m.logger.Info().Str("file", f).Msg("applying migration")
		if err := m.apply(ctx, f, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				version, f,
			)
			return err
		}); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// Down rolls back the last applied migration. Returns false when there was
// nothing to roll back.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return false, err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	if err := m.apply(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	}); err != nil {
		return false, err
	}

	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return true, nil
}

// Status lists every up-migration file with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// apply runs one migration file and the bookkeeping statement in a single
// transaction.
func (m *Migrator) apply(ctx context.Context, file string, record func(tx *sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_snapshots.up.sql" -> "000001".
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}
