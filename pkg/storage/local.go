package storage

import (
	"context"
	"path/filepath"
)

// LocalBackend is the backup directory itself.
type LocalBackend struct {
	dir string
}

func NewLocal(dir string) *LocalBackend {
	return &LocalBackend{dir: dir}
}

func (b *LocalBackend) Kind() Kind { return Local }

func (b *LocalBackend) List(ctx context.Context) ([]Entry, error) {
	return listDir(b.dir)
}

// Upload copies the file into the backup directory unless it already lives there.
func (b *LocalBackend) Upload(ctx context.Context, absLocalPath string) error {
	dst := filepath.Join(b.dir, filepath.Base(absLocalPath))
	if filepath.Clean(absLocalPath) == dst {
		return nil
	}
	return copyFile(ctx, absLocalPath, dst)
}

func (b *LocalBackend) Download(ctx context.Context, path, absLocalPath string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.dir, path)
	}
	return copyFile(ctx, path, absLocalPath)
}

func (b *LocalBackend) Close() error { return nil }
