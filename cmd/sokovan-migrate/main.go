// Command sokovan-migrate applies the manager's schema migrations.
// Migration runs out of band; the manager itself only requires the
// schema to be current at startup.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sokovan-io/sokovan/pkg/registry/migrations"
)

var dsn = flag.String("dsn", os.Getenv("SOKOVAN_DB_DSN"), "PostgreSQL DSN (defaults to $SOKOVAN_DB_DSN)")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if *dsn == "" {
		log.Fatal("no DSN: pass -dsn or set SOKOVAN_DB_DSN")
	}
	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		if err := migrations.Up(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations applied")
	case "status":
		goose.SetBaseFS(migrations.FS)
		if err := goose.SetDialect("postgres"); err != nil {
			log.Fatal(err)
		}
		if err := goose.Status(db, "."); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Usage: sokovan-migrate -dsn DSN [up|status]\n")
		os.Exit(2)
	}
}
