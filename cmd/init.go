package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/lockfile"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// RunInit writes the configuration file into the -base directory. An
// existing configuration is kept and updated with the flags unless -default
// is set.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return fmt.Errorf("the -base flag is required for the init operation")
	}
	base, err := util.ExpandPath(base)
	if err != nil {
		return fmt.Errorf("could not expand base path: %w", err)
	}
	absBasePath, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("could not determine absolute base path for %s: %w", base, err)
	}

	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	var baseConfig config.Config
	if initDefault {
		absConfigFilePath := filepath.Join(absBasePath, config.ConfigFileName)
		if _, err := os.Stat(absConfigFilePath); err == nil && !force {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
			fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation("Are you sure you want to continue?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// config.Load returns the defaults if the file does not exist.
		baseConfig, err = config.Load(absBasePath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	runConfig.Base = absBasePath
	runConfig.Version = buildinfo.Version
	if err := runConfig.Validate(); err != nil {
		return err
	}

	startTime := time.Now()
	if err := os.MkdirAll(absBasePath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	lock, err := lockfile.Acquire(ctx, absBasePath, lockfile.Owner{Operation: "init", RunID: "init"})
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return fmt.Errorf("cannot initialize while another run is active: %w", err)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Release()

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" base directory successfully initialized.", "path", absBasePath, "duration", duration)
	return nil
}
