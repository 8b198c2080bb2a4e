// Command migrate applies, rolls back, or reports the database schema.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stepline.social/internal/migrations"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("DATABASE_DSN"), "postgres connection string")
		command = flag.String("command", "up", "up | down | status")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("migrate: -dsn or DATABASE_DSN is required")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("migrate: open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch *command {
	case "up":
		err = migrations.Up(ctx, db)
	case "down":
		err = migrations.Down(ctx, db)
	case "status":
		err = migrations.Status(ctx, db)
	default:
		log.Fatalf("migrate: unknown command %q", *command)
	}
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
