// Package sqlitemigrate applies embedded "-- +migrate Up" SQL files to a
// SQLite database and records each applied file in schema_migrations.
//
// Files apply in name order, each in its own transaction, so a failing file
// leaves the schema at the previous file boundary. "-- +migrate Down"
// sections are split off and never applied.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	migrationTable = "schema_migrations"
	upMarker       = "-- +migrate Up"
	downMarker     = "-- +migrate Down"
)

// Migration is one parsed SQL file.
type Migration struct {
	// Name is the file path relative to the filesystem root.
	Name string
	Up   string
	Down string
}

// Load reads every .sql file directly under root, sorted by name.
func Load(migrationFS fs.FS, root string) ([]Migration, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := path.Join(root, entry.Name())
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		up, down := splitSections(string(content))
		migrations = append(migrations, Migration{Name: name, Up: up, Down: down})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Name < migrations[j].Name })
	return migrations, nil
}

// splitSections returns the Up and Down bodies. A file without markers is
// all Up.
func splitSections(content string) (string, string) {
	upIdx := strings.Index(content, upMarker)
	downIdx := strings.Index(content, downMarker)
	switch {
	case upIdx == -1 && downIdx == -1:
		return content, ""
	case upIdx == -1:
		return content[:downIdx], content[downIdx+len(downMarker):]
	case downIdx == -1:
		return content[upIdx+len(upMarker):], ""
	case downIdx < upIdx:
		return content[upIdx+len(upMarker):], content[downIdx+len(downMarker) : upIdx]
	default:
		return content[upIdx+len(upMarker) : downIdx], content[downIdx+len(downMarker):]
	}
}

// ApplyMigrations applies the files under migrationRoot that are not yet
// recorded.
func ApplyMigrations(ctx context.Context, sqlDB *sql.DB, migrationFS fs.FS, migrationRoot string) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	migrations, err := Load(migrationFS, migrationRoot)
	if err != nil {
		return err
	}
	if err := ensureTable(ctx, sqlDB); err != nil {
		return err
	}
	applied, err := appliedSet(ctx, sqlDB)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if applied[migration.Name] || strings.TrimSpace(migration.Up) == "" {
			continue
		}
		err := inTx(ctx, sqlDB, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.Up); err != nil && !isIdempotentDDL(err) {
				return fmt.Errorf("exec: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
				migration.Name, time.Now().UTC().UnixMilli())
			if err != nil {
				return fmt.Errorf("record: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.Name, err)
		}
	}
	return nil
}

// Applied lists recorded migration names in apply order.
func Applied(ctx context.Context, sqlDB *sql.DB) ([]string, error) {
	if err := ensureTable(ctx, sqlDB); err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, "SELECT name FROM "+migrationTable+" ORDER BY applied_at, name")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func ensureTable(ctx context.Context, sqlDB *sql.DB) error {
	_, err := sqlDB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func appliedSet(ctx context.Context, sqlDB *sql.DB) (map[string]bool, error) {
	names, err := Applied(ctx, sqlDB)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set, nil
}

func inTx(ctx context.Context, sqlDB *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isIdempotentDDL reports DDL errors that mean the change is already present.
func isIdempotentDDL(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}
