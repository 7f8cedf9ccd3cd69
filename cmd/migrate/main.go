package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"credledger.org/internal/config"
	"credledger.org/internal/migrate"
	"credledger.org/internal/obs"
	"credledger.org/internal/store/pg"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CREDLEDGER_CONFIG"), "path to a YAML config file")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides postgres.dsn)")
		table      = flag.String("table", "", "migrations bookkeeping table")
	)
	flag.Parse()
	log := obs.Named("migrate")
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("load config", zap.Error(err))
		}
		*dsn = cfg.Postgres.DSN
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide -dsn or CREDLEDGER_POSTGRES_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	var opts []migrate.Option
	if *table != "" {
		opts = append(opts, migrate.WithMigrationsTable(*table))
	}
	mgr := migrate.NewManager(store.DB(), nil, opts...)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
		log.Info("migrations applied", zap.Strings("files", applied))
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			log.Fatal("migrate down", zap.Error(err))
		}
		log.Info("migration rolled back", zap.String("file", name))
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			log.Fatal("migrate status", zap.Error(err))
		}
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}
