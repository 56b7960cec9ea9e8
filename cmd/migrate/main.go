package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/cassiomorais/fabricshop/internal/infrastructure/config"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var (
		direction string
		dbURL     string
		path      string
		steps     int
	)

	flag.StringVar(&direction, "direction", "up", "Migration direction: up, down or version")
	flag.StringVar(&dbURL, "db", "", "Database URL (defaults to DATABASE_URL, then the service config)")
	flag.StringVar(&path, "path", "internal/repository/postgres/migrations", "Path to migration files")
	flag.IntVar(&steps, "steps", 0, "Apply only this many migrations (down defaults to one)")
	flag.Parse()

	logger := observability.ForService(observability.InitLogger("info", os.Stdout), "fabricshop-migrate", "")

	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal().Err(err).Msg("No -db given and config could not be loaded")
		}
		dbURL = cfg.Database.MigrationURL()
	}

	m, err := migrate.New("file://"+path, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("Failed to create migrate instance")
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps <= 0 {
			steps = 1
		}
		err = m.Steps(-steps)
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			logger.Fatal().Err(verr).Msg("Failed to read schema version")
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return
	default:
		logger.Fatal().Str("direction", direction).Msg("Unknown direction (use up, down or version)")
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Str("direction", direction).Msg("Migration failed")
	}
	version, dirty, _ := m.Version()
	logger.Info().Str("direction", direction).Uint("version", version).Bool("dirty", dirty).Msg("Migrations applied")
}
