// Command migrate applies or rolls back the run history schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/runner/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv("RUNNER_DATABASE_DSN"), "PostgreSQL DSN (default: $RUNNER_DATABASE_DSN)")
		dir     = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag is required")
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|version)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "runner-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if err := migrations.Apply(ctx, *dsn, *dir, logger); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, *dsn, *dir, steps, logger); err != nil {
			return err
		}
	case "version":
		version, dirty, err := migrations.Version(ctx, *dsn, *dir)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
	default:
		return fmt.Errorf("unknown command %q (expected up, down or version)", args[0])
	}

	return nil
}
