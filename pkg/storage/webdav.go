package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

type WebDAVOptions struct {
	URL      string
	Username string
	Password string
	Dir      string
	Timeout  time.Duration
}

type WebDAVBackend struct {
	client *gowebdav.Client
	dir    string
}

// OpenWebDAV checks the server and creates the target directory.
func OpenWebDAV(ctx context.Context, opts WebDAVOptions) (*WebDAVBackend, error) {
	client := gowebdav.NewClient(opts.URL, opts.Username, opts.Password)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to webdav server: %w", err)
	}
	dir := "/" + strings.Trim(filepath.ToSlash(opts.Dir), "/")
	if err := client.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create webdav directory %s: %w", dir, err)
	}
	return &WebDAVBackend{client: client, dir: dir}, nil
}

func (b *WebDAVBackend) Kind() Kind { return WebDAV }

func (b *WebDAVBackend) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := b.client.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("webdav list failed: %w", err)
	}
	var entries []Entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name:    info.Name(),
			Path:    path.Join(b.dir, info.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

func (b *WebDAVBackend) Upload(ctx context.Context, absLocalPath string) error {
	f, err := os.Open(absLocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	remote := path.Join(b.dir, filepath.Base(absLocalPath))
	plog.Info("Uploading to webdav", "file", filepath.Base(absLocalPath), "target", remote)
	if err := b.client.WriteStream(remote, readerWithContext(ctx, f), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("webdav upload of %s failed: %w", filepath.Base(absLocalPath), err)
	}
	return nil
}

func (b *WebDAVBackend) Download(ctx context.Context, remotePath, absLocalPath string) error {
	rc, err := b.client.ReadStream(remotePath)
	if err != nil {
		return fmt.Errorf("webdav download of %s failed: %w", remotePath, err)
	}
	defer rc.Close()
	return writeStream(ctx, rc, absLocalPath)
}

func (b *WebDAVBackend) Close() error { return nil }
