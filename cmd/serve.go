package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-backitup/pkg/api"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
)

// RunServe serves the HTTP trigger API until ctx is cancelled.
func RunServe(ctx context.Context, flagMap map[string]any) error {
	return runWithApp(ctx, flagparse.Serve, flagMap, true, func(ctx context.Context, cfg *config.Config, app *App) error {
		server := api.New(ctx, api.Options{
			Config:   cfg,
			Runner:   app.Runner,
			Catalog:  app.Catalog,
			Gatherer: app.Gatherer,
		})
		return server.ListenAndServe(ctx, cfg.API.Listen)
	})
}
