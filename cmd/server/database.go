package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pagekeep/taskengine/internal/config"
	"github.com/pagekeep/taskengine/internal/platform/postgres"
	"github.com/pagekeep/taskengine/internal/store"
	"github.com/pagekeep/taskengine/internal/store/memstore"
)

// setupStores opens the configured storage backend and returns the task and
// document stores plus a close function. An empty database URL selects the
// in-memory store for development and tests; everything else goes through
// PostgreSQL with migrations applied at startup.
func setupStores(cfg *config.Config, log *slog.Logger) (store.TaskStore, store.DocumentStore, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("no database URL configured, using in-memory store; state will not survive restarts")
		mem := memstore.New()
		return mem, mem, func() {}, nil
	}

	db, err := openDatabase(cfg.Database.URL, log)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	closeFn := func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}
	return postgres.NewPostgresTaskStore(db), postgres.NewPostgresDocumentStore(db), closeFn, nil
}

// openDatabase establishes a connection to the database and configures the
// connection pool.
func openDatabase(url string, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connection established")
	return db, nil
}
