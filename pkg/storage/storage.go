package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// ErrUnknownBackend is returned for a Kind that has no implementation or is not configured.
var ErrUnknownBackend = errors.New("unknown or disabled storage backend")

// Entry is one file stored on a backend.
type Entry struct {
	Name string
	// Path is the backend specific handle passed back to Download.
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend stores artifacts. Implementations are not safe for concurrent use.
type Backend interface {
	Kind() Kind
	// List returns the files in the backend's artifact directory.
	List(ctx context.Context) ([]Entry, error)
	// Upload copies a local file into the artifact directory under its base name.
	Upload(ctx context.Context, absLocalPath string) error
	// Download fetches the file behind path to absLocalPath.
	Download(ctx context.Context, path, absLocalPath string) error
	// Close releases connections or mounts.
	Close() error
}

// copyFile copies src to dst through a temporary file in dst's directory.
func copyFile(ctx context.Context, src, dst string) (retErr error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, readerWithContext(ctx, in)); err != nil {
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// writeStream stores r at absLocalPath.
func writeStream(ctx context.Context, r io.Reader, absLocalPath string) (retErr error) {
	if err := os.MkdirAll(filepath.Dir(absLocalPath), util.UserWritableDirPerms); err != nil {
		return err
	}
	f, err := os.OpenFile(absLocalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); retErr == nil {
			retErr = cerr
		}
		if retErr != nil {
			os.Remove(absLocalPath)
		}
	}()
	_, err = io.Copy(f, readerWithContext(ctx, r))
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

// listDir lists the regular files of a local directory.
func listDir(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, d := range dirEntries {
		if !d.Type().IsRegular() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Path:    filepath.Join(dir, d.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}
