package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newConfig(t *testing.T) *config.Config {
	cfg := config.NewDefault()
	cfg.Base = t.TempDir()
	cfg.Storage.CIFS.Enabled = true
	cfg.Storage.CIFS.MountPoint = t.TempDir()
	cfg.Storage.CIFS.Dir = "iobroker"
	return &cfg
}

func TestFactory_Open(t *testing.T) {
	cfg := newConfig(t)
	f := NewFactory(nil)
	ctx := context.Background()

	for _, kind := range []storage.Kind{storage.Local, storage.CIFS} {
		b, err := f.Open(ctx, cfg, kind)
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", kind, err)
		}
		if b.Kind() != kind {
			t.Errorf("expected %s backend, got %s", kind, b.Kind())
		}
		b.Close()
	}

	for _, kind := range []storage.Kind{storage.FTP, storage.Dropbox, storage.Kind("s3")} {
		if _, err := f.Open(ctx, cfg, kind); !errors.Is(err, storage.ErrUnknownBackend) {
			t.Errorf("Open(%s): expected ErrUnknownBackend, got %v", kind, err)
		}
	}
}

func TestFactory_Download(t *testing.T) {
	cfg := newConfig(t)
	remote := filepath.Join(cfg.Storage.CIFS.MountPoint, "iobroker", "iobroker_2024_03_05-09_07_backupiobroker.tar.gz")
	os.MkdirAll(filepath.Dir(remote), 0755)
	if err := os.WriteFile(remote, []byte("full"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(cfg.Base, "restore_tmp", filepath.Base(remote))
	if err := NewFactory(nil).Download(context.Background(), cfg, storage.CIFS, remote, dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "full" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestModule(t *testing.T) {
	ctx := context.Background()

	t.Run("Descriptor and enablement", func(t *testing.T) {
		cfg := newConfig(t)
		m := NewModule(storage.CIFS, NewFactory(nil))
		if d := m.Descriptor(); d.Name != "cifs" || !d.IgnoreErrors || d.AfterBackup {
			t.Errorf("unexpected descriptor %+v", d)
		}
		if !m.Enabled(cfg) {
			t.Error("expected cifs to be enabled")
		}
		if NewModule(storage.WebDAV, nil).Enabled(cfg) {
			t.Error("expected webdav to be disabled")
		}
		if NewModule(storage.Local, nil).Enabled(cfg) {
			t.Error("local is never an upload target")
		}
	})

	t.Run("Copies existing artifacts", func(t *testing.T) {
		cfg := newConfig(t)
		rc := runctx.New("iobroker", cfg.Base, time.Now())
		for _, name := range []string{"iobroker_2024_03_05-09_07_backupiobroker.tar.gz", "redis_2024_03_05-09_07_backupiobroker.tar.gz"} {
			p := filepath.Join(cfg.Base, name)
			os.WriteFile(p, []byte(name), 0644)
			rc.AddFileName(p)
		}
		// Recorded but removed after a failure.
		rc.AddFileName(filepath.Join(cfg.Base, "grafana_2024_03_05-09_07_backupiobroker.tar.gz"))

		if err := NewModule(storage.CIFS, NewFactory(nil)).Execute(ctx, cfg, rc); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		entries, _ := os.ReadDir(filepath.Join(cfg.Storage.CIFS.MountPoint, "iobroker"))
		if len(entries) != 2 {
			t.Errorf("expected two uploaded artifacts, got %d", len(entries))
		}
	})

	t.Run("No artifacts is a hint", func(t *testing.T) {
		cfg := newConfig(t)
		rc := runctx.New("iobroker", cfg.Base, time.Now())
		err := NewModule(storage.CIFS, NewFactory(nil)).Execute(ctx, cfg, rc)
		if !hints.IsHint(err) {
			t.Errorf("expected hint, got %v", err)
		}
	})
}
