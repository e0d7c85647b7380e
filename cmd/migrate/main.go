// Command migrate applies the relay's SQL migrations (the audit trail schema)
// against the configured Postgres database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type options struct {
	dsn       string
	dir       string
	direction string
	steps     int
}

func main() {
	var opts options
	flag.StringVar(&opts.dsn, "dsn", os.Getenv("POSTGRES_DSN"), "Postgres connection string")
	flag.StringVar(&opts.dir, "dir", "migrations", "directory containing *.up.sql / *.down.sql files")
	flag.StringVar(&opts.direction, "direction", "up", "up or down")
	flag.IntVar(&opts.steps, "steps", 0, "number of migrations to apply (0 = all)")
	flag.Parse()

	if err := run(context.Background(), opts); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.dsn == "" {
		return fmt.Errorf("a DSN is required (-dsn or POSTGRES_DSN)")
	}
	if opts.direction != "up" && opts.direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", opts.direction)
	}

	pool, err := pgxpool.New(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	files, err := migrationFiles(opts.dir, opts.direction)
	if err != nil {
		return err
	}

	count := 0
	for _, file := range files {
		version := versionOf(file, opts.direction)

		// Up skips what has run; down skips what never ran.
		if (opts.direction == "up") == applied[version] {
			continue
		}
		if opts.steps > 0 && count >= opts.steps {
			break
		}

		if err := apply(ctx, pool, file, version, opts.direction); err != nil {
			return err
		}
		log.Printf("applied %s (%s)", version, opts.direction)
		count++
	}

	if count == 0 {
		log.Println("nothing to apply")
	}
	return nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// migrationFiles lists the migration files for one direction, ordered for
// execution: ascending for up, descending for down.
func migrationFiles(dir, direction string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*."+direction+".sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no *.%s.sql files in %s", direction, dir)
	}

	sort.Strings(files)
	if direction == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}
	return files, nil
}

func versionOf(file, direction string) string {
	return strings.TrimSuffix(filepath.Base(file), "."+direction+".sql")
}

// apply runs one migration and its bookkeeping in a single transaction.
func apply(ctx context.Context, pool *pgxpool.Pool, file, version, direction string) error {
	sql, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("migration %s failed: %w", version, err)
	}

	if direction == "up" {
		_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	}
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}

	return tx.Commit(ctx)
}
