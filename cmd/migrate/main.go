// Command migrate prepares the optional databases: the Postgres cache_entries table and
// the ClickHouse transaction and tax-event archive. Both schemas are embedded in the binary.
//
//	migrate -target cache -action up|down|version
//	migrate -target archive
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/storage"
)

const archiveSetupTimeout = 2 * time.Minute

func main() {
	var (
		target = flag.String("target", "cache", "Schema to migrate: cache (postgres) or archive (clickhouse)")
		action = flag.String("action", "up", "cache only: up, down or version")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithFields(logging.Fields{"target": *target, "action": *action})

	switch *target {
	case "cache", "postgres":
		err = migrateCache(cfg.Database.Postgres, *action, logger)
	case "archive", "clickhouse":
		err = migrateArchive(&cfg.Database.ClickHouse, *action, logger)
	default:
		err = fmt.Errorf("unknown target %q", *target)
	}
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
}

func migrateCache(pg config.PostgresConfig, action string, logger *logging.Logger) error {
	url := pg.URL()
	switch action {
	case "up":
		if err := storage.RunMigrations(url); err != nil {
			return err
		}
	case "down":
		if err := storage.RollbackMigrations(url); err != nil {
			return err
		}
	case "version":
		version, dirty, err := storage.MigrationVersion(url)
		if err != nil {
			return err
		}
		logger.WithFields(logging.Fields{"version": version, "dirty": dirty}).Info("Cache schema version")
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	logger.WithField("database", pg.Database).Info("Cache schema migrated")
	return nil
}

// migrateArchive applies the archive DDL. Every statement is IF NOT EXISTS, so only "up" exists.
func migrateArchive(ch *config.ClickHouseConfig, action string, logger *logging.Logger) error {
	if action != "up" {
		return fmt.Errorf("archive schema only supports up, got %q", action)
	}
	db, err := storage.NewClickHouseDB(ch)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close archive connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), archiveSetupTimeout)
	defer cancel()
	if err := storage.RunClickHouseMigrations(ctx, db, logger); err != nil {
		return err
	}
	logger.WithField("database", ch.Database).Info("Archive schema migrated")
	return nil
}
