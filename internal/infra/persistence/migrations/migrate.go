// Package migrations wires golang-migrate execution for the run history schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/runner/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errSteps        = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	src, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, src, "up", logger, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// ApplyFS applies migrations bundled in fsys, typically the embedded db/migrations set.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	return run(ctx, dsn, fsSource(fsys), "up", logger, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the most recent steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return errSteps
	}
	src, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, src, "down", logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

// Version reports the current schema version and whether it is dirty. A database with
// no applied migrations reports version zero.
func Version(ctx context.Context, dsn, migrationsDir string) (uint, bool, error) {
	src, err := dirSource(migrationsDir)
	if err != nil {
		return 0, false, err
	}
	var (
		version uint
		dirty   bool
	)
	err = run(ctx, dsn, src, "", nil, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		version, dirty = v, d
		return verr
	})
	return version, dirty, err
}

// source opens a migrate instance against an initialised database driver.
type source struct {
	label string
	open  func(driver database.Driver) (*migrate.Migrate, error)
}

func dirSource(dir string) (source, error) {
	resolvedDir, err := resolveDir(dir)
	if err != nil {
		return source{}, err
	}
	return source{
		label: resolvedDir,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
		},
	}, nil
}

func fsSource(fsys fs.FS) source {
	return source{
		label: "embedded",
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			files, err := iofs.New(fsys, ".")
			if err != nil {
				return nil, fmt.Errorf("open embedded migrations: %w", err)
			}
			return migrate.NewWithInstance("iofs", files, "pgx5", driver)
		},
	}
}

func run(ctx context.Context, dsn string, src source, direction string, logger *log.Logger, step func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if direction == "" {
		return step(m)
	}

	if logger != nil {
		logger.Printf("running database migrations: direction=%s path=%s", direction, src.label)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop", src.label)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed", src.label)
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	if logger != nil {
		logger.Printf("database migrations %s completed", direction)
	}
	recordMigrationMetric(ctx, direction, "applied", src.label)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("runner_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		attribute.String("direction", direction),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
