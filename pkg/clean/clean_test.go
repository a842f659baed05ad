package clean

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestModule_Execute(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Base = t.TempDir()
	cfg.Storage.Local.BackupsToKeep = 2

	files := []string{
		"iobroker_2024_03_01-09_07_backupiobroker.tar.gz",
		"iobroker_2024_03_02-09_07_backupiobroker.tar.gz",
		"iobroker_2024_03_03-09_07_backupiobroker.tar.gz",
		"2024_02-28_09_07_backupiobroker.tar.gz",
		"grafana_2024_03_01-09_07_backupiobroker.tar.gz",
		"grafana_2024_03_02-09_07_backupiobroker.tar.gz",
		"mysql_2024_03_01-09_07_backupiobroker.tar.gz",
		"pgl-backitup.config.json",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(cfg.Base, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	os.MkdirAll(filepath.Join(cfg.Base, "grafana_tmp", "dashboards"), 0755)

	rc := runctx.New("iobroker", cfg.Base, time.Now())
	m := New()
	if !m.Enabled(&cfg) {
		t.Fatal("expected clean to be enabled")
	}
	if err := m.Execute(context.Background(), &cfg, rc); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	entries, _ := os.ReadDir(cfg.Base)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	sort.Strings(left)
	want := []string{
		"grafana_2024_03_01-09_07_backupiobroker.tar.gz",
		"grafana_2024_03_02-09_07_backupiobroker.tar.gz",
		"iobroker_2024_03_02-09_07_backupiobroker.tar.gz",
		"iobroker_2024_03_03-09_07_backupiobroker.tar.gz",
		"mysql_2024_03_01-09_07_backupiobroker.tar.gz",
		"pgl-backitup.config.json",
	}
	if len(left) != len(want) {
		t.Fatalf("expected %v, got %v", want, left)
	}
	for i := range want {
		if left[i] != want[i] {
			t.Errorf("expected %s, got %s", want[i], left[i])
		}
	}
}

func TestModule_ProtectsCurrentRun(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Base = t.TempDir()
	cfg.Storage.Local.BackupsToKeep = 1

	// A clock that went backwards makes the current artifact look old.
	current := filepath.Join(cfg.Base, "redis_2020_01_01-00_00_backupiobroker.tar.gz")
	newer := filepath.Join(cfg.Base, "redis_2024_03_01-09_07_backupiobroker.tar.gz")
	for _, p := range []string{current, newer} {
		os.WriteFile(p, []byte("x"), 0644)
	}
	rc := runctx.New("iobroker", cfg.Base, time.Now())
	rc.AddFileName(current)

	if err := New().Execute(context.Background(), &cfg, rc); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, p := range []string{current, newer} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s must be kept: %v", filepath.Base(p), err)
		}
	}
}

func TestModule_DisabledWithoutRetention(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Storage.Local.BackupsToKeep = 0
	if New().Enabled(&cfg) {
		t.Error("expected clean to be disabled")
	}
}
