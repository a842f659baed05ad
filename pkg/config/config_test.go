package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

func TestConfig_Validate(t *testing.T) {
	newValidConfig := func(t *testing.T) Config {
		cfg := NewDefault()
		cfg.Base = t.TempDir()
		return cfg
	}

	t.Run("Valid Default Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"Empty Base Path", func(c *Config) { c.Base = "" }},
		{"Platform Name With Underscore", func(c *Config) { c.Platform.Name = "io_broker" }},
		{"Unknown Controller", func(c *Config) { c.Platform.Controller = "init.d" }},
		{"Command Controller Without Commands", func(c *Config) { c.Platform.Controller = ControllerCommand }},
		{"Zero Fetch Workers", func(c *Config) { c.Engine.FetchWorkers = 0 }},
		{"Zero Buffer Size", func(c *Config) { c.Engine.BufferSizeKB = 0 }},
		{"Negative BackupsToKeep", func(c *Config) { c.Storage.Local.BackupsToKeep = -1 }},
		{"Enabled Service Without Path", func(c *Config) { c.Services.Redis = DirServiceConfig{Enabled: true} }},
		{"Base Inside Service Path", func(c *Config) { c.Services.IOBroker.Path = filepath.Dir(c.Base) }},
		{"Invalid Exclude Glob", func(c *Config) { c.Services.IOBroker.Exclude = []string{"[a-"} }},
		{"MySQL Without Database", func(c *Config) { c.Services.MySQL.Enabled = true; c.Services.MySQL.User = "root" }},
		{"Grafana Without API Key", func(c *Config) { c.Services.Grafana.Enabled = true }},
		{"FTP Without Host", func(c *Config) { c.Storage.FTP.Enabled = true }},
		{"CIFS Mount Without Source", func(c *Config) { c.Storage.CIFS.Enabled = true; c.Storage.CIFS.Mount = true }},
		{"Unknown Notice Type", func(c *Config) { c.Notifications.Signal.NoticeType = "verbose" }},
		{"Signal Without Number", func(c *Config) { c.Notifications.Signal.Enabled = true; c.Notifications.Signal.URL = "http://signal" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newValidConfig(t)
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, but got nil")
			}
		})
	}
}

func TestLoadAndGenerate(t *testing.T) {
	t.Run("Missing file returns defaults", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := Load(dir)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Base != dir || cfg.Platform.Name != "iobroker" {
			t.Errorf("expected defaults with base %q, got base %q platform %q", dir, cfg.Base, cfg.Platform.Name)
		}
	})

	t.Run("Round trip keeps values and is private", func(t *testing.T) {
		dir := t.TempDir()
		cfg := NewDefault()
		cfg.Base = dir
		cfg.Services.Grafana = GrafanaConfig{Enabled: true, URL: "http://grafana:3000", APIKey: "glsa_key"}
		cfg.Compression.Format = pathcompression.TarZst
		cfg.Restore.Source = storage.WebDAV

		if err := Generate(cfg); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		info, err := os.Stat(filepath.Join(dir, ConfigFileName))
		if err != nil {
			t.Fatalf("config file not written: %v", err)
		}
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			t.Errorf("config file must not be readable by others, got %o", perm)
		}

		loaded, err := Load(dir)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Services.Grafana.APIKey != "glsa_key" || loaded.Compression.Format != pathcompression.TarZst || loaded.Restore.Source != storage.WebDAV {
			t.Errorf("loaded config lost values: %+v", loaded)
		}
	})

	t.Run("Missing fields keep defaults", func(t *testing.T) {
		dir := t.TempDir()
		partial := `{"services": {"mysql": {"enabled": true, "user": "root", "database": "iobroker"}}}`
		if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(partial), 0600); err != nil {
			t.Fatal(err)
		}
		loaded, err := Load(dir)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Services.MySQL.DumpTool != "mysqldump" || loaded.Services.MySQL.Port != 3306 {
			t.Errorf("expected mysql defaults to survive, got %+v", loaded.Services.MySQL)
		}
		if !loaded.Services.IOBroker.Enabled {
			t.Error("expected iobroker default to survive")
		}
	})

	t.Run("Corrupt file is an error", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(dir); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestNoticeConfigIsFlattened(t *testing.T) {
	cfg := NewDefault()
	data, err := json.Marshal(cfg.Notifications.Signal)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"noticeType":"short"`) || strings.Contains(string(data), "NoticeConfig") {
		t.Errorf("expected notice fields inline, got %s", data)
	}
}

func TestSecrets(t *testing.T) {
	cfg := NewDefault()
	cfg.Services.MySQL.Password = "sqlpass"
	cfg.Services.Grafana.APIKey = "glsa_abcdef"
	cfg.Storage.FTP.Password = "sqlpass" // duplicates collapse
	cfg.Storage.GoogleDrive.CredentialsJSON = `{"private_key_id":"kid123","private_key":"-----BEGIN KEY-----"}`

	secrets := cfg.Secrets()

	want := map[string]bool{"sqlpass": true, "glsa_abcdef": true, "kid123": true, "-----BEGIN KEY-----": true, cfg.Storage.GoogleDrive.CredentialsJSON: true}
	if len(secrets) != len(want) {
		t.Fatalf("expected %d secrets, got %d: %v", len(want), len(secrets), secrets)
	}
	for i, s := range secrets {
		if !want[s] {
			t.Errorf("unexpected secret %q", s)
		}
		if i > 0 && len(secrets[i-1]) < len(s) {
			t.Errorf("secrets must be ordered longest first: %v", secrets)
		}
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	flags := map[string]any{
		"base":               "/var/backups",
		"log-level":          "debug",
		"compression-format": pathcompression.TarZst,
		"source":             storage.FTP,
		"pre-backup-hooks":   []string{"echo hi"},
		"backups-to-keep":    3,
	}

	merged := MergeConfigWithFlags(flagparse.Restore, base, flags)
	if merged.Base != "/var/backups" || merged.LogLevel != "debug" || merged.Compression.Format != pathcompression.TarZst {
		t.Errorf("flags not merged: %+v", merged)
	}
	if merged.Restore.Source != storage.FTP || merged.Storage.Local.BackupsToKeep != 3 || len(merged.Hooks.PreBackup) != 1 {
		t.Errorf("flags not merged: %+v", merged)
	}

	backup := MergeConfigWithFlags(flagparse.Backup, base, map[string]any{"source": storage.FTP})
	if backup.Restore.Source != storage.Local {
		t.Errorf("source flag must only apply to restore and list, got %s", backup.Restore.Source)
	}
}
