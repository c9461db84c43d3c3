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
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/meterline/meterline/internal/clickhouse"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
)

// Applies the SQL migrations under migrations/postgres and
// migrations/clickhouse in lexical order. Migrations are written to be
// idempotent (CREATE TABLE IF NOT EXISTS and friends) so re-running the
// tool is safe.
func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	dryRun := flag.Bool("dry-run", false, "print migration SQL without executing it")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found: %v", err)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := migratePostgres(ctx, cfg, lg, filepath.Join(*dir, "postgres"), *dryRun); err != nil {
		lg.Fatalw("postgres migration failed", "error", err)
	}

	if err := migrateClickHouse(ctx, cfg, lg, filepath.Join(*dir, "clickhouse"), *dryRun); err != nil {
		lg.Fatalw("clickhouse migration failed", "error", err)
	}

	lg.Info("migrations applied")
}

func readMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func migratePostgres(ctx context.Context, cfg *config.Configuration, lg *logger.Logger, dir string, dryRun bool) error {
	files, err := readMigrations(dir)
	if err != nil {
		return err
	}

	db, err := postgres.NewDB(cfg, lg)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Printf("-- %s\n%s\n", file, sqlBytes)
			continue
		}

		lg.Infow("applying migration", "file", file)
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
	}
	return nil
}

func migrateClickHouse(ctx context.Context, cfg *config.Configuration, lg *logger.Logger, dir string, dryRun bool) error {
	files, err := readMigrations(dir)
	if err != nil {
		return err
	}

	store, err := clickhouse.NewClickHouseStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Printf("-- %s\n%s\n", file, sqlBytes)
			continue
		}

		lg.Infow("applying migration", "file", file)
		// ClickHouse executes one statement per call
		for _, stmt := range strings.Split(string(sqlBytes), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if err := store.GetConn().Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
		}
	}
	return nil
}
