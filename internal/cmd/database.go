package main

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/lottohub/royale/internal/dbconfig"
)

func setupDatabase() (*sql.DB, error) {
	cfg := dbconfig.NewConfigFromEnv()

	database, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := database.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Connected to database: %s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
	return database, nil
}
