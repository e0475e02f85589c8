// Command migrate runs goose against the session store.
//
//	migrate up | down | status | version | redo | reset
package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/SirClappington/sandboxd/internal/storage"
)

type migrateConfig struct {
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|reset> [args]")
		os.Exit(2)
	}
	var cfg migrateConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if err := storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir, os.Args[1], os.Args[2:]...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
