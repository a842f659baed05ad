package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/engine"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

// RunBackup runs every enabled backup module once.
func RunBackup(ctx context.Context, flagMap map[string]any) error {
	runType, _ := flagMap["type"].(string)
	return runWithApp(ctx, flagparse.Backup, flagMap, false, func(ctx context.Context, cfg *config.Config, app *App) error {
		result, err := app.Runner.ExecuteBackup(ctx, cfg, runType, nil)
		if err != nil {
			return err
		}
		if !result.Success() {
			return fmt.Errorf("backup finished with errors in: %s", strings.Join(failedNames(result, append([]string{engine.HooksName}, app.Registry.Names()...)), ", "))
		}
		plog.Info(buildinfo.Name+" finished successfully.", "files", len(result.FileNames), "duration", result.Duration.Round(time.Millisecond))
		return nil
	})
}
