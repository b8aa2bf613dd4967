package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"charcha/api/internal/logger"
)

// migrationLockKey serializes migrators across API instances sharing a database.
const migrationLockKey = 0x63686172

type migrationFile struct {
	version string // file stem shared by the up and down scripts
	up      string
	down    string
}

// ApplyMigrations runs the pending migrations found in migrationsDir.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	return ApplyMigrationsFS(ctx, db, os.DirFS(migrationsDir))
}

// ApplyMigrationsFS runs every pending NNNN_name.up.sql in fsys in version
// order, each in its own transaction, under a session advisory lock.
func ApplyMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	files, err := readMigrations(fsys)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for _, m := range files {
			if m.up == "" {
				continue
			}
			applied, err := isMigrated(ctx, conn, m.version)
			if err != nil {
				return err
			}
			if applied {
				continue
			}
			if err := runMigration(ctx, conn, fsys, m.up, m.version, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
				return err
			}
			logger.L().Info("migration_applied", "version", m.version)
		}
		return nil
	})
}

// RevertMigrations undoes up to steps applied migrations, newest first. A
// steps value of zero or less reverts all of them.
func RevertMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) error {
	fsys := os.DirFS(migrationsDir)
	files, err := readMigrations(fsys)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		reverted := 0
		for i := len(files) - 1; i >= 0; i-- {
			if steps > 0 && reverted == steps {
				break
			}
			m := files[i]
			applied, err := isMigrated(ctx, conn, m.version)
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			if m.down == "" {
				return fmt.Errorf("revert migration %s: no down script", m.version)
			}
			if err := runMigration(ctx, conn, fsys, m.down, m.version, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
				return err
			}
			reverted++
			logger.L().Info("migration_reverted", "version", m.version)
		}
		return nil
	})
}

func readMigrations(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := make(map[string]*migrationFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var stem string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			stem, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			stem = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}
		m, ok := byVersion[stem]
		if !ok {
			m = &migrationFile{version: stem}
			byVersion[stem] = m
		}
		if up {
			m.up = name
		} else {
			m.down = name
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations found")
	}
	files := make([]migrationFile, 0, len(byVersion))
	for _, m := range byVersion {
		files = append(files, *m)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func runMigration(ctx context.Context, conn *sql.Conn, fsys fs.FS, file, version, record string) error {
	contents, err := fs.ReadFile(fsys, path.Clean(file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", file, err)
	}
	if script := strings.TrimSpace(string(contents)); script != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()
	return fn(conn)
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, version string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
