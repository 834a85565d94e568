package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"lostfound.org/authcore/internal/config"
	"lostfound.org/authcore/internal/migrate"
	"lostfound.org/authcore/internal/store/pg"
	"lostfound.org/authcore/migrations"
)

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("DB_URL"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DB_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|settings set KEY VALUE]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(config.DatabaseConfig{DSN: *dsn})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.SQL(), migrations.Seeds())

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "settings":
		err = putSetting(ctx, store, flag.Args()[1:])
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// putSetting persists a security threshold override after checking it parses
// and keeps the thresholds valid.
func putSetting(ctx context.Context, store *pg.Store, args []string) error {
	if len(args) != 3 || args[0] != "set" {
		return fmt.Errorf("usage: migrate settings set KEY VALUE")
	}
	key, value := args[1], args[2]

	current, err := store.LoadSecuritySettings(ctx)
	if err != nil {
		return err
	}
	current[key] = value
	sec := config.Defaults().Security
	if err := sec.ApplyOverrides(current); err != nil {
		return err
	}
	if err := sec.Validate(); err != nil {
		return err
	}
	return store.PutSecuritySetting(ctx, key, value)
}
