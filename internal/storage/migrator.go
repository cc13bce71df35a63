package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

// DefaultMigrationsDir is the directory read when none is configured.
const DefaultMigrationsDir = "migrations"

// Migrator applies the numbered *.up.sql / *.down.sql files in a directory
type Migrator struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
}

// NewMigrator creates a new migrator instance
func NewMigrator(dbURL, dir string, logger *slog.Logger) (*Migrator, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dir == "" {
		dir = DefaultMigrationsDir
	}
	return &Migrator{db: db, dir: dir, logger: logger}, nil
}

// Close closes the database connection
func (m *Migrator) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Up runs all pending migrations, each in its own transaction
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	upFiles, err := migrationFiles(m.dir, ".up.sql")
	if err != nil {
		return err
	}

	for _, file := range upFiles {
		name := filepath.Base(file)

		applied, err := m.isMigrationApplied(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			m.logger.Debug("migration already applied, skipping", "migration", name)
			continue
		}

		script, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		m.logger.Info("applying migration", "migration", name)
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (name) VALUES ($1)", name); err != nil {
				return fmt.Errorf("failed to record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Down rolls back the last applied migration
func (m *Migrator) Down(ctx context.Context) error {
	var lastMigration string
	err := m.db.QueryRowContext(ctx, `
		SELECT name FROM schema_migrations
		ORDER BY applied_at DESC, name DESC
		LIMIT 1
	`).Scan(&lastMigration)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no migrations to rollback")
	}
	if err != nil {
		return fmt.Errorf("failed to get last migration: %w", err)
	}

	downFile := filepath.Join(m.dir, strings.Replace(lastMigration, ".up.sql", ".down.sql", 1))
	script, err := os.ReadFile(downFile)
	if err != nil {
		return fmt.Errorf("failed to read down migration %s: %w", downFile, err)
	}

	m.logger.Info("rolling back migration", "migration", lastMigration)
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("failed to execute down migration: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE name = $1", lastMigration); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}

// CreateMigrationFiles writes an empty up/down pair numbered after the
// highest existing migration in dir and returns their paths.
func CreateMigrationFiles(dir, name string) (string, string, error) {
	if dir == "" {
		dir = DefaultMigrationsDir
	}
	next, err := nextMigrationNumber(dir)
	if err != nil {
		return "", "", err
	}

	upFile := filepath.Join(dir, fmt.Sprintf("%03d_%s.up.sql", next, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%03d_%s.down.sql", next, name))

	if err := os.WriteFile(upFile, []byte("-- Migration up\n"), 0644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(downFile, []byte("-- Migration down\n"), 0644); err != nil {
		return "", "", err
	}
	return upFile, downFile, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) isMigrationApplied(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE name = $1", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// migrationFiles lists files in dir with the given suffix in lexical order.
func migrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func nextMigrationNumber(dir string) (int, error) {
	files, err := migrationFiles(dir, ".up.sql")
	if err != nil {
		return 0, err
	}

	maxNum := 0
	for _, file := range files {
		prefix, _, _ := strings.Cut(filepath.Base(file), "_")
		if num, err := strconv.Atoi(prefix); err == nil && num > maxNum {
			maxNum = num
		}
	}
	return maxNum + 1, nil
}
