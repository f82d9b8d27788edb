package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"client-engine/internal/app"
	"client-engine/internal/cli"
	"client-engine/internal/config"
	"client-engine/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := cli.NewRootCommand(func(ctx context.Context) (*app.App, func(), error) {
		cfg := config.Load()
		if err := config.Validate(cfg); err != nil {
			return nil, nil, err
		}
		logger, err := logging.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		a, err := app.Build(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {
			a.Close()
			_ = logger.Sync()
		}, nil
	})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
