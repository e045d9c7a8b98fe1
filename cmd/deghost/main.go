package main

import (
	"fmt"
	"os"

	"deghost/internal/cli"
	"deghost/internal/config"
	"deghost/internal/logging"
	"deghost/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closer.Close()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Paths.DatabasePath, err)
	}
	defer store.Close()

	return cli.NewRootCmd(cfg, logger, store).Execute()
}
