package main

import (
	"flag"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/meshsync/meshsync/pkg/common/config"
	"github.com/meshsync/meshsync/pkg/repository/postgres"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dsn        = flag.String("dsn", "", "Database connection string (overrides config)")
	timeout    = flag.Duration("timeout", time.Minute, "Connection timeout")
)

func main() {
	flag.Parse()

	connString := *dsn
	if connString == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		connString = cfg.Database.DSN
	}
	if connString == "" {
		log.Fatal("No database DSN configured; pass -dsn or set database.dsn")
	}

	db, err := sqlx.Connect("postgres", connString)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetConnMaxLifetime(*timeout)

	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}
	log.Println("Schema is up to date")
}
