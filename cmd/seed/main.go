/*
main.go - Load a demo scenario into a ledger store

USAGE:
  ./seed -list
  ./seed -scenario=fetch-rewards
  ./seed -driver=bolt -db=./data/points.bolt -scenario=split-remainder

The target store is reset before loading. Driver and path default to
DB_DRIVER and DB_PATH, like cmd/server.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/seed"
	"github.com/warp/points-ledger/store"
	"github.com/warp/points-ledger/store/retry"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.DBPath, "Database path")
	driver := flag.String("driver", cfg.Driver, "Store driver: sqlite, bolt")
	scenario := flag.String("scenario", "fetch-rewards", "Scenario to load")
	list := flag.Bool("list", false, "List scenarios and exit")
	flag.Parse()

	logging.Init(logging.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	if *list {
		for _, s := range seed.Scenarios {
			fmt.Printf("%-16s %s\n", s.ID, s.Description)
		}
		return
	}
	if *driver == config.DriverMemory {
		log.Fatal().Msg("memory driver does not persist; seed a sqlite or bolt store")
	}

	backend, err := store.Open(*driver, *dbPath, retry.Policy{
		Attempts: cfg.RetryAttempts,
		Backoff:  cfg.RetryBackoff,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = seed.Load(ctx, backend, *scenario)
	if err == nil {
		err = printSummary(ctx, backend)
	}
	cancel()
	backend.Close()

	if err != nil {
		log.Error().Err(err).Str("scenario", *scenario).Msg("Seeding failed")
		os.Exit(1)
	}
	log.Info().Str("scenario", *scenario).Str("driver", *driver).Str("db", *dbPath).Msg("Scenario loaded")
}

func printSummary(ctx context.Context, backend ledger.Backend) error {
	users, err := backend.ListUsers(ctx)
	if err != nil {
		return err
	}
	payers, err := backend.ListPayers(ctx)
	if err != nil {
		return err
	}
	for _, p := range payers {
		fmt.Printf("payer %-16s %-16s %8d\n", p.ID, p.Name, p.Balance)
	}
	for _, u := range users {
		fmt.Printf("user  %-16s %-16s %8d\n", u.ID, u.Name, u.Balance)
	}
	return nil
}
