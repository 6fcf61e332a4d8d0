// Command migrator applies pending schema migrations and exits. It runs
// the embedded migration set by default; MIGRATIONS_DIR points it at a
// directory on disk instead, which is how unreleased migrations get
// tested against a scratch database.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sahajm/courier/migrations"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	source := fs.FS(migrations.Files)
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		source = os.DirFS(dir)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	cfg.ConnConfig.RuntimeParams["application_name"] = "courier-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	m := &migrator{pool: pool, source: source}
	applied, skipped, err := m.apply(ctx)
	if err != nil {
		return err
	}

	log.Printf("migrations complete (applied=%d, skipped=%d)", applied, skipped)
	return nil
}

type migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
}

func (m *migrator) apply(ctx context.Context) (applied, skipped int, err error) {
	if _, err := m.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `); err != nil {
		return 0, 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	names, err := fs.Glob(m.source, "*.up.sql")
	if err != nil {
		return 0, 0, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		done, err := m.isApplied(ctx, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if done {
			log.Printf("skip %s (already applied)", name)
			skipped++
			continue
		}

		if err := m.applyOne(ctx, name); err != nil {
			return applied, skipped, err
		}
		applied++
	}

	return applied, skipped, nil
}

func (m *migrator) applyOne(ctx context.Context, name string) error {
	contents, err := fs.ReadFile(m.source, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	log.Printf("applying %s", name)
	start := time.Now()

	if _, err := m.pool.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	if _, err := m.pool.Exec(ctx,
		"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
		return fmt.Errorf("mark applied %s: %w", name, err)
	}

	log.Printf("applied %s in %s", name, time.Since(start).Round(time.Millisecond))
	return nil
}

func (m *migrator) isApplied(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists)
	return exists, err
}
