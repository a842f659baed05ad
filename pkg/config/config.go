package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// ConfigFileName is the name of the configuration file inside the backup base directory.
const ConfigFileName = "pgl-backitup.config.json"

// Platform controller kinds.
const (
	ControllerSystemd = "systemd"
	ControllerCommand = "command"
	ControllerNone    = "none"
)

// Notice types.
const (
	NoticeShort = "short"
	NoticeLong  = "long"
)

type PlatformConfig struct {
	// Name is the run type label and artifact prefix of the full platform backup.
	Name string `json:"name"`
	// DisplayName is used in user facing messages.
	DisplayName string `json:"displayName"`
	Hostname    string `json:"hostname"`
	// Controller selects how the platform is stopped and started around a full restore.
	Controller   string `json:"controller"`
	Unit         string `json:"unit"`
	StopCommand  string `json:"stopCommand"`
	StartCommand string `json:"startCommand"`
}

type EngineConfig struct {
	Metrics            bool `json:"metrics"`
	FetchWorkers       int  `json:"fetchWorkers"`
	CompressWorkers    int  `json:"compressWorkers"`
	DeleteWorkers      int  `json:"deleteWorkers"`
	BufferSizeKB       int  `json:"bufferSizeKB"`
	HTTPTimeoutSeconds int  `json:"httpTimeoutSeconds"`
}

type CompressionConfig struct {
	Format pathcompression.Format `json:"format"`
	Level  pathcompression.Level  `json:"level"`
}

// DirServiceConfig describes a service whose state is a directory on disk.
type DirServiceConfig struct {
	Enabled bool     `json:"enabled"`
	Path    string   `json:"path"`
	Exclude []string `json:"exclude"`
}

type SQLConfig struct {
	Enabled    bool     `json:"enabled"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	User       string   `json:"user"`
	Password   string   `json:"password"`
	Database   string   `json:"database"`
	DumpTool   string   `json:"dumpTool"`
	ClientTool string   `json:"clientTool"`
	ExtraArgs  []string `json:"extraArgs"`
}

type InfluxConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
	Org     string `json:"org"`
	Bucket  string `json:"bucket"`
	CLI     string `json:"cli"`
}

type GrafanaConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"apiKey"`
}

type ServicesConfig struct {
	IOBroker    DirServiceConfig `json:"iobroker"`
	Redis       DirServiceConfig `json:"redis"`
	HistoryDB   DirServiceConfig `json:"historyDB"`
	InfluxDB    InfluxConfig     `json:"influxDB"`
	MySQL       SQLConfig        `json:"mysql"`
	PgSQL       SQLConfig        `json:"pgsql"`
	Grafana     GrafanaConfig    `json:"grafana"`
	Javascripts DirServiceConfig `json:"javascripts"`
	Jarvis      DirServiceConfig `json:"jarvis"`
	Zigbee      DirServiceConfig `json:"zigbee"`
}

type LocalStorageConfig struct {
	// BackupsToKeep is the number of artifacts kept per service. 0 disables the clean-up.
	BackupsToKeep int `json:"backupsToKeep"`
}

type CIFSConfig struct {
	Enabled bool `json:"enabled"`
	// Mount makes the run mount Source at MountPoint before copying and unmount afterwards.
	Mount      bool   `json:"mount"`
	Source     string `json:"source"`
	MountPoint string `json:"mountPoint"`
	Dir        string `json:"dir"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Options    string `json:"options"`
}

type FTPConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	Dir      string `json:"dir"`
}

type DropboxConfig struct {
	Enabled     bool   `json:"enabled"`
	AccessToken string `json:"accessToken"`
	Dir         string `json:"dir"`
	APIURL      string `json:"apiURL,omitempty"`
	ContentURL  string `json:"contentURL,omitempty"`
}

type GoogleDriveConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsJSON string `json:"credentialsJSON"`
	FolderID        string `json:"folderID"`
	Endpoint        string `json:"endpoint,omitempty"`
}

type WebDAVConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Dir      string `json:"dir"`
}

type StorageConfig struct {
	Local       LocalStorageConfig `json:"local"`
	CIFS        CIFSConfig         `json:"cifs"`
	FTP         FTPConfig          `json:"ftp"`
	Dropbox     DropboxConfig      `json:"dropbox"`
	GoogleDrive GoogleDriveConfig  `json:"googledrive"`
	WebDAV      WebDAVConfig       `json:"webdav"`
}

// NoticeConfig holds the options shared by all messaging channels.
type NoticeConfig struct {
	Enabled        bool   `json:"enabled"`
	NoticeType     string `json:"noticeType"`
	OnlyError      bool   `json:"onlyError"`
	WaitingSeconds int    `json:"waitingSeconds"`
}

type SignalConfig struct {
	NoticeConfig
	URL        string   `json:"url"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

type TelegramConfig struct {
	NoticeConfig
	APIURL string `json:"apiURL,omitempty"`
	Token  string `json:"token"`
	ChatID string `json:"chatID"`
}

type NotificationsConfig struct {
	Signal   SignalConfig   `json:"signal"`
	Telegram TelegramConfig `json:"telegram"`
}

type RestoreConfig struct {
	// Source is the backend restores are taken from.
	Source storage.Kind `json:"source"`
}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup   []string `json:"preBackup"`
	PostBackup  []string `json:"postBackup"`
	PreRestore  []string `json:"preRestore"`
	PostRestore []string `json:"postRestore"`
}

type APIConfig struct {
	Listen string `json:"listen"`
}

type Config struct {
	Version       string              `json:"version"`
	Base          string              `json:"-"` // Never added to config file
	LogLevel      string              `json:"logLevel"`
	Platform      PlatformConfig      `json:"platform"`
	Engine        EngineConfig        `json:"engine"`
	Compression   CompressionConfig   `json:"compression"`
	Services      ServicesConfig      `json:"services"`
	Storage       StorageConfig       `json:"storage"`
	Notifications NotificationsConfig `json:"notifications"`
	Restore       RestoreConfig       `json:"restore"`
	Hooks         HooksConfig         `json:"hooks"`
	API           APIConfig           `json:"api"`
}

// NewDefault creates a Config with the platform backup enabled and every
// optional service, backend and notification channel disabled.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Base:     "", // Intentionally empty to force user configuration.
		LogLevel: "info",
		Platform: PlatformConfig{
			Name:        "iobroker",
			DisplayName: "ioBroker",
			Controller:  ControllerSystemd,
			Unit:        "iobroker.service",
		},
		Engine: EngineConfig{
			Metrics:            true,
			FetchWorkers:       4,   // Parallel dashboard downloads.
			CompressWorkers:    2,   // pgzip/zstd parallelise internally, keep this low.
			DeleteWorkers:      4,
			BufferSizeKB:       256, // Keep it between 64KB-4MB
			HTTPTimeoutSeconds: 60,
		},
		Compression: CompressionConfig{
			Format: pathcompression.TarGz,
			Level:  pathcompression.Default,
		},
		Services: ServicesConfig{
			IOBroker:    DirServiceConfig{Enabled: true, Path: "/opt/iobroker/iobroker-data", Exclude: []string{"backup-objects", "*.tmp"}},
			Redis:       DirServiceConfig{Path: "/var/lib/redis", Exclude: []string{}},
			HistoryDB:   DirServiceConfig{Path: "/opt/iobroker/iobroker-data/history", Exclude: []string{}},
			Javascripts: DirServiceConfig{Path: "/opt/iobroker/iobroker-data/files/javascript.admin", Exclude: []string{}},
			Jarvis:      DirServiceConfig{Path: "/opt/iobroker/iobroker-data/files/jarvis.0", Exclude: []string{}},
			Zigbee:      DirServiceConfig{Path: "/opt/iobroker/iobroker-data/zigbee_0", Exclude: []string{}},
			InfluxDB:    InfluxConfig{URL: "http://localhost:8086", CLI: "influx"},
			MySQL:       SQLConfig{Host: "localhost", Port: 3306, DumpTool: "mysqldump", ClientTool: "mysql", ExtraArgs: []string{}},
			PgSQL:       SQLConfig{Host: "localhost", Port: 5432, DumpTool: "pg_dump", ClientTool: "psql", ExtraArgs: []string{}},
			Grafana:     GrafanaConfig{URL: "http://localhost:3000"},
		},
		Storage: StorageConfig{
			Local: LocalStorageConfig{BackupsToKeep: 7},
			CIFS:  CIFSConfig{MountPoint: "/mnt/backitup", Options: "vers=3.0"},
		},
		Notifications: NotificationsConfig{
			Signal:   SignalConfig{NoticeConfig: NoticeConfig{NoticeType: NoticeShort, WaitingSeconds: 5}, Recipients: []string{}},
			Telegram: TelegramConfig{NoticeConfig: NoticeConfig{NoticeType: NoticeShort, WaitingSeconds: 5}},
		},
		Restore: RestoreConfig{Source: storage.Local},
		Hooks: HooksConfig{
			PreBackup:   []string{},
			PostBackup:  []string{},
			PreRestore:  []string{},
			PostRestore: []string{},
		},
		API: APIConfig{Listen: "127.0.0.1:8095"},
	}
}

// Load reads the configuration from the base directory. A missing file is
// not an error; the defaults are returned with Base set.
func Load(base string) (Config, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for base directory %s: %w", base, err)
	}

	configPath := filepath.Join(absBase, ConfigFileName)
	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Base = absBase
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values so that fields missing in the file keep them.
	cfg := NewDefault()
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	cfg.Base = absBase
	cfg.Version = buildinfo.Version
	return cfg, nil
}

// Generate writes cfg into its base directory. The file may contain
// credentials and is therefore only readable by the owner.
func Generate(cfg Config) error {
	if cfg.Base == "" {
		return fmt.Errorf("base directory cannot be empty")
	}
	if err := os.MkdirAll(cfg.Base, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	configPath := filepath.Join(cfg.Base, ConfigFileName)
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(configPath, jsonData, util.PrivateFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and normalises paths.
func (c *Config) Validate() error {
	if c.Base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	var err error
	if c.Base, err = util.ExpandPath(c.Base); err != nil {
		return fmt.Errorf("could not expand base path: %w", err)
	}
	c.Base = filepath.Clean(c.Base)

	if c.Platform.Name == "" {
		return fmt.Errorf("platform.name cannot be empty")
	}
	if strings.ContainsAny(c.Platform.Name, "_/\\") {
		return fmt.Errorf("platform.name cannot contain '_' or path separators")
	}
	switch c.Platform.Controller {
	case ControllerSystemd:
		if c.Platform.Unit == "" {
			return fmt.Errorf("platform.unit cannot be empty when controller is 'systemd'")
		}
	case ControllerCommand:
		if c.Platform.StopCommand == "" || c.Platform.StartCommand == "" {
			return fmt.Errorf("platform.stopCommand and platform.startCommand are required when controller is 'command'")
		}
	case ControllerNone:
	default:
		return fmt.Errorf("invalid platform.controller: %q. Must be 'systemd', 'command' or 'none'", c.Platform.Controller)
	}

	if c.Engine.FetchWorkers < 1 {
		return fmt.Errorf("engine.fetchWorkers must be at least 1")
	}
	if c.Engine.CompressWorkers < 1 {
		return fmt.Errorf("engine.compressWorkers must be at least 1")
	}
	if c.Engine.DeleteWorkers < 1 {
		return fmt.Errorf("engine.deleteWorkers must be at least 1")
	}
	if c.Engine.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.bufferSizeKB must be greater than 0")
	}
	if c.Engine.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.httpTimeoutSeconds must be greater than 0")
	}
	if c.Storage.Local.BackupsToKeep < 0 {
		return fmt.Errorf("storage.local.backupsToKeep cannot be negative")
	}

	dirServices := map[string]*DirServiceConfig{
		"iobroker":    &c.Services.IOBroker,
		"redis":       &c.Services.Redis,
		"historyDB":   &c.Services.HistoryDB,
		"javascripts": &c.Services.Javascripts,
		"jarvis":      &c.Services.Jarvis,
		"zigbee":      &c.Services.Zigbee,
	}
	for name, svc := range dirServices {
		if !svc.Enabled {
			continue
		}
		if svc.Path == "" {
			return fmt.Errorf("services.%s.path cannot be empty when enabled", name)
		}
		if svc.Path, err = util.ExpandPath(svc.Path); err != nil {
			return fmt.Errorf("could not expand services.%s.path: %w", name, err)
		}
		if err := validateGlobPatterns("services."+name+".exclude", svc.Exclude); err != nil {
			return err
		}
		if util.IsSubPath(svc.Path, c.Base) {
			return fmt.Errorf("base path %s cannot be inside services.%s.path %s", c.Base, name, svc.Path)
		}
	}
	for name, svc := range map[string]SQLConfig{"mysql": c.Services.MySQL, "pgsql": c.Services.PgSQL} {
		if svc.Enabled && (svc.User == "" || svc.Database == "" || svc.DumpTool == "") {
			return fmt.Errorf("services.%s requires user, database and dumpTool when enabled", name)
		}
	}
	if c.Services.Grafana.Enabled && (c.Services.Grafana.URL == "" || c.Services.Grafana.APIKey == "") {
		return fmt.Errorf("services.grafana requires url and apiKey when enabled")
	}
	if c.Services.InfluxDB.Enabled && (c.Services.InfluxDB.URL == "" || c.Services.InfluxDB.CLI == "") {
		return fmt.Errorf("services.influxDB requires url and cli when enabled")
	}

	if c.Storage.CIFS.Enabled {
		if c.Storage.CIFS.MountPoint == "" {
			return fmt.Errorf("storage.cifs.mountPoint cannot be empty when enabled")
		}
		if c.Storage.CIFS.Mount && c.Storage.CIFS.Source == "" {
			return fmt.Errorf("storage.cifs.source is required when mount is enabled")
		}
	}
	if c.Storage.FTP.Enabled && c.Storage.FTP.Host == "" {
		return fmt.Errorf("storage.ftp.host cannot be empty when enabled")
	}
	if c.Storage.Dropbox.Enabled && c.Storage.Dropbox.AccessToken == "" {
		return fmt.Errorf("storage.dropbox.accessToken cannot be empty when enabled")
	}
	if c.Storage.GoogleDrive.Enabled && c.Storage.GoogleDrive.CredentialsJSON == "" {
		return fmt.Errorf("storage.googledrive.credentialsJSON cannot be empty when enabled")
	}
	if c.Storage.WebDAV.Enabled && c.Storage.WebDAV.URL == "" {
		return fmt.Errorf("storage.webdav.url cannot be empty when enabled")
	}

	for name, n := range map[string]NoticeConfig{"signal": c.Notifications.Signal.NoticeConfig, "telegram": c.Notifications.Telegram.NoticeConfig} {
		if n.NoticeType != NoticeShort && n.NoticeType != NoticeLong {
			return fmt.Errorf("invalid notifications.%s.noticeType: %q. Must be 'short' or 'long'", name, n.NoticeType)
		}
		if n.WaitingSeconds < 0 {
			return fmt.Errorf("notifications.%s.waitingSeconds cannot be negative", name)
		}
	}
	if c.Notifications.Signal.Enabled && (c.Notifications.Signal.URL == "" || c.Notifications.Signal.Number == "") {
		return fmt.Errorf("notifications.signal requires url and number when enabled")
	}
	if c.Notifications.Telegram.Enabled && (c.Notifications.Telegram.Token == "" || c.Notifications.Telegram.ChatID == "") {
		return fmt.Errorf("notifications.telegram requires token and chatID when enabled")
	}
	return nil
}

// BackendEnabled reports whether artifacts are copied to the given backend.
// The local backend is always enabled.
func (c *Config) BackendEnabled(k storage.Kind) bool {
	switch k {
	case storage.Local:
		return true
	case storage.CIFS:
		return c.Storage.CIFS.Enabled
	case storage.FTP:
		return c.Storage.FTP.Enabled
	case storage.Dropbox:
		return c.Storage.Dropbox.Enabled
	case storage.GoogleDrive:
		return c.Storage.GoogleDrive.Enabled
	case storage.WebDAV:
		return c.Storage.WebDAV.Enabled
	default:
		return false
	}
}

// Secrets returns every non-empty credential of the configuration, longest
// first, so that callers replacing them never leave a partial secret behind.
func (c *Config) Secrets() []string {
	candidates := []string{
		c.Services.MySQL.Password,
		c.Services.PgSQL.Password,
		c.Services.Grafana.Password,
		c.Services.Grafana.APIKey,
		c.Services.InfluxDB.Token,
		c.Storage.CIFS.Password,
		c.Storage.FTP.Password,
		c.Storage.Dropbox.AccessToken,
		c.Storage.GoogleDrive.CredentialsJSON,
		c.Storage.WebDAV.Password,
		c.Notifications.Telegram.Token,
	}
	// The credential blob may surface piecemeal in API errors.
	if raw := c.Storage.GoogleDrive.CredentialsJSON; raw != "" {
		var creds struct {
			PrivateKey   string `json:"private_key"`
			PrivateKeyID string `json:"private_key_id"`
		}
		if json.Unmarshal([]byte(raw), &creds) == nil {
			candidates = append(candidates, creds.PrivateKey, creds.PrivateKeyID)
		}
	}

	secrets := util.Deduplicate(candidates)
	sort.SliceStable(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	return secrets
}

// LogSummary logs the effective configuration without credentials.
func (c *Config) LogSummary() {
	logArgs := []any{
		"base", c.Base,
		"log_level", c.LogLevel,
		"platform", c.Platform.Name,
		"controller", c.Platform.Controller,
		"compression", fmt.Sprintf("%s (l:%s)", c.Compression.Format, c.Compression.Level),
		"metrics", c.Engine.Metrics,
		"fetch_workers", c.Engine.FetchWorkers,
		"restore_source", c.Restore.Source,
	}

	var services []string
	for name, on := range map[string]bool{
		"iobroker":    c.Services.IOBroker.Enabled,
		"redis":       c.Services.Redis.Enabled,
		"historyDB":   c.Services.HistoryDB.Enabled,
		"influxDB":    c.Services.InfluxDB.Enabled,
		"mysql":       c.Services.MySQL.Enabled,
		"pgsql":       c.Services.PgSQL.Enabled,
		"grafana":     c.Services.Grafana.Enabled,
		"javascripts": c.Services.Javascripts.Enabled,
		"jarvis":      c.Services.Jarvis.Enabled,
		"zigbee":      c.Services.Zigbee.Enabled,
	} {
		if on {
			services = append(services, name)
		}
	}
	sort.Strings(services)
	logArgs = append(logArgs, "services", strings.Join(services, ", "))

	var backends []string
	for _, k := range storage.Kinds() {
		if c.BackendEnabled(k) {
			backends = append(backends, k.String())
		}
	}
	logArgs = append(logArgs, "storage", strings.Join(backends, ", "))

	if c.Storage.Local.BackupsToKeep > 0 {
		logArgs = append(logArgs, "keep", c.Storage.Local.BackupsToKeep)
	}
	if c.Notifications.Signal.Enabled {
		logArgs = append(logArgs, "signal", c.Notifications.Signal.NoticeType)
	}
	if c.Notifications.Telegram.Enabled {
		logArgs = append(logArgs, "telegram", c.Notifications.Telegram.NoticeType)
	}
	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// MergeConfigWithFlags overlays the flags explicitly set on the command line
// on top of a base configuration.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "base":
			merged.Base = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "fetch-workers":
			merged.Engine.FetchWorkers = value.(int)
		case "delete-workers":
			merged.Engine.DeleteWorkers = value.(int)
		case "buffer-size-kb":
			merged.Engine.BufferSizeKB = value.(int)
		case "compression-format":
			merged.Compression.Format = value.(pathcompression.Format)
		case "compression-level":
			merged.Compression.Level = value.(pathcompression.Level)
		case "backups-to-keep":
			merged.Storage.Local.BackupsToKeep = value.(int)
		case "source":
			if command == flagparse.Restore || command == flagparse.List {
				merged.Restore.Source = value.(storage.Kind)
			}
		case "listen":
			merged.API.Listen = value.(string)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "pre-restore-hooks":
			merged.Hooks.PreRestore = value.([]string)
		case "post-restore-hooks":
			merged.Hooks.PostRestore = value.([]string)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
