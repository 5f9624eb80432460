// Command migrate applies or inspects the messaging schema independently
// of the server process — useful for pre-deploy migration steps or CI
// schema checks, without starting a listener.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shoutbox/messenger/internal/store"
)

func main() {
	dbType := flag.String("dbtype", "sqlite", "Database type: sqlite or postgres")
	dsn := flag.String("dsn", "messenger.db", "Data source name (file path for sqlite, connection string for postgres)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [up|down|status] [-dbtype sqlite|postgres] [-dsn ...]")
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "up":
		if err := store.Migrate(*dbType, *dsn, "up"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations applied")
	case "down":
		if err := store.Migrate(*dbType, *dsn, "down"); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("Migrations rolled back")
	case "status":
		version, dirty, err := store.MigrationVersion(*dbType, *dsn)
		if err != nil {
			log.Fatalf("Failed to read migration status: %v", err)
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		fmt.Printf("schema version: %d [%s]\n", version, state)
	default:
		fmt.Printf("Unknown command: %s\n", flag.Arg(0))
		fmt.Println("Usage: migrate [up|down|status] [-dbtype sqlite|postgres] [-dsn ...]")
		os.Exit(1)
	}
}
