package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

type CIFSOptions struct {
	// Mount mounts Source at MountPoint on Open and unmounts on Close.
	Mount      bool
	Source     string
	MountPoint string
	Dir        string
	Username   string
	Password   string
	Options    string
}

// CIFSBackend copies artifacts to a network share (or any mounted directory).
type CIFSBackend struct {
	opts    CIFSOptions
	runner  *command.Runner
	mounted bool
}

// OpenCIFS prepares the share, mounting it when configured.
func OpenCIFS(ctx context.Context, opts CIFSOptions, runner *command.Runner) (*CIFSBackend, error) {
	b := &CIFSBackend{opts: opts, runner: runner}
	if opts.Mount {
		if err := b.mount(ctx); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(b.dir(), util.UserWritableDirPerms); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create share directory: %w", err)
	}
	return b, nil
}

func (b *CIFSBackend) dir() string {
	return filepath.Join(b.opts.MountPoint, filepath.FromSlash(b.opts.Dir))
}

func (b *CIFSBackend) mount(ctx context.Context) error {
	if err := os.MkdirAll(b.opts.MountPoint, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	options := b.opts.Options
	if b.opts.Username != "" {
		if options != "" {
			options += ","
		}
		options += "username=" + b.opts.Username
	}
	args := []string{"-t", "cifs", b.opts.Source, b.opts.MountPoint}
	if options != "" {
		args = append(args, "-o", options)
	}
	plog.Info("Mounting share", "source", b.opts.Source, "mountPoint", b.opts.MountPoint)
	// mount.cifs reads the password from PASSWD, keeping it off the command line.
	if err := b.runner.Run(ctx, command.Spec{Name: "mount", Args: args, Env: []string{"PASSWD=" + b.opts.Password}}); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	b.mounted = true
	return nil
}

func (b *CIFSBackend) Kind() Kind { return CIFS }

func (b *CIFSBackend) List(ctx context.Context) ([]Entry, error) {
	return listDir(b.dir())
}

func (b *CIFSBackend) Upload(ctx context.Context, absLocalPath string) error {
	dst := filepath.Join(b.dir(), filepath.Base(absLocalPath))
	plog.Info("Copying to share", "file", filepath.Base(absLocalPath), "target", dst)
	return copyFile(ctx, absLocalPath, dst)
}

func (b *CIFSBackend) Download(ctx context.Context, path, absLocalPath string) error {
	return copyFile(ctx, path, absLocalPath)
}

// Close unmounts the share if Open mounted it.
func (b *CIFSBackend) Close() error {
	if !b.mounted {
		return nil
	}
	b.mounted = false
	if err := b.runner.Run(context.Background(), command.Spec{Name: "umount", Args: []string{b.opts.MountPoint}}); err != nil {
		return fmt.Errorf("umount: %w", err)
	}
	return nil
}
