package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/paulschiretz/pgl-backitup/cmd"
	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

// run dispatches the command and returns an error if something goes wrong,
// allowing main to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	if command != flagparse.None && command != flagparse.Version {
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(os.Stdout)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Backup:
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Restore:
		return cmd.RunRestore(ctx, flagMap)
	case flagparse.List:
		return cmd.RunList(ctx, flagMap)
	case flagparse.Serve:
		gin.SetMode(gin.ReleaseMode)
		return cmd.RunServe(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %d", command)
	}
}

func main() {
	// Cancelled on Ctrl+C and when systemd stops the service.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
