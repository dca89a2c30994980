// Command recoctl runs offline operations against the recommendation store:
// transaction ingestion, location resets, curated lists and tenant setup.
package main

import (
	"context"
	"os"

	"recobox/backend/internal/app"
	"recobox/backend/internal/config"
	"recobox/backend/internal/logging"
)

func main() {
	build := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: "console", Caller: cfg.Logging.Caller})
		return app.Build(ctx, cfg)
	}

	if err := newRootCmd(build).Execute(); err != nil {
		os.Exit(1)
	}
}
