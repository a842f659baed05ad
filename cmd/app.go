package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/paulschiretz/pgl-backitup/pkg/catalog"
	"github.com/paulschiretz/pgl-backitup/pkg/clean"
	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/dirbackup"
	"github.com/paulschiretz/pgl-backitup/pkg/engine"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/grafana"
	"github.com/paulschiretz/pgl-backitup/pkg/hook"
	"github.com/paulschiretz/pgl-backitup/pkg/influx"
	"github.com/paulschiretz/pgl-backitup/pkg/metrics"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/notify"
	"github.com/paulschiretz/pgl-backitup/pkg/platform"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/sqldump"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
	"github.com/paulschiretz/pgl-backitup/pkg/upload"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// restorable modules are restored from artifacts prefixed with their name.
type restorable interface {
	module.Module
	engine.Restorer
}

// App holds the collaborators shared by the commands.
type App struct {
	Registry *module.Registry
	Runner   *engine.Runner
	Factory  *upload.Factory
	Catalog  *catalog.Catalog
	Metrics  metrics.Metrics
	// Gatherer is set when Prometheus metrics are collected.
	Gatherer *prometheus.Registry
}

// NewApp wires every module in execution order. withPrometheus selects
// Prometheus collectors instead of the log summary.
func NewApp(cfg *config.Config, runner *command.Runner, withPrometheus bool) (*App, error) {
	if runner == nil {
		runner = command.NewRunner(nil)
	}
	client := &http.Client{Timeout: time.Duration(cfg.Engine.HTTPTimeoutSeconds) * time.Second}
	factory := upload.NewFactory(runner)

	iobroker := dirbackup.NewIOBroker()
	redis := dirbackup.NewRedis()
	historyDB := dirbackup.NewHistoryDB()
	influxDB := influx.New(runner)
	mysql := sqldump.NewMySQL(runner)
	pgsql := sqldump.NewPgSQL(runner)
	grafanaModule := grafana.New(client)
	javascripts := dirbackup.NewJavascripts()
	jarvis := dirbackup.NewJarvis()
	zigbee := dirbackup.NewZigbee()

	var reg *module.Registry
	order := func() []string { return reg.Names() }

	reg, err := module.NewRegistry(
		iobroker,
		redis,
		historyDB,
		influxDB,
		mysql,
		pgsql,
		grafanaModule,
		javascripts,
		jarvis,
		zigbee,
		upload.NewModule(storage.CIFS, factory),
		upload.NewModule(storage.FTP, factory),
		upload.NewModule(storage.Dropbox, factory),
		upload.NewModule(storage.GoogleDrive, factory),
		upload.NewModule(storage.WebDAV, factory),
		clean.New(),
		notify.NewSignalModule(client, order),
		notify.NewTelegramModule(client, order),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build module registry: %w", err)
	}

	// The platform artifact is named after the platform, not the module.
	restorers := map[string]engine.Restorer{cfg.Platform.Name: iobroker}
	for _, r := range []restorable{redis, historyDB, influxDB, mysql, pgsql, grafanaModule, javascripts, jarvis, zigbee} {
		restorers[r.Descriptor().Name] = r
	}

	app := &App{Registry: reg, Factory: factory, Catalog: catalog.New(factory)}
	switch {
	case withPrometheus:
		app.Gatherer = prometheus.NewRegistry()
		app.Gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.Metrics = metrics.NewPrometheus(app.Gatherer)
	case cfg.Engine.Metrics:
		app.Metrics = &metrics.Summary{}
	default:
		app.Metrics = metrics.Noop{}
	}

	app.Runner = engine.NewRunner(engine.Options{
		Registry:   reg,
		Restorers:  restorers,
		Hooks:      hook.NewExecutor(runner),
		Metrics:    app.Metrics,
		Downloader: factory,
		Platform: func(cfg *config.Config) (platform.Controller, error) {
			return platform.New(cfg.Platform, runner)
		},
	})
	return app, nil
}

// loadRunConfig loads the configuration of the -base directory, overlays the
// flags, validates the result and applies the log level.
func loadRunConfig(op flagparse.Command, flagMap map[string]any) (*config.Config, error) {
	base, ok := flagMap["base"].(string)
	if !ok || base == "" {
		return nil, fmt.Errorf("the -base flag is required to run %s", op)
	}
	base, err := util.ExpandPath(base)
	if err != nil {
		return nil, fmt.Errorf("could not expand base path: %w", err)
	}

	loadedConfig, err := config.Load(base)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from base: %w", err)
	}
	runConfig := config.MergeConfigWithFlags(op, loadedConfig, flagMap)
	runConfig.Base = loadedConfig.Base

	if err := runConfig.Validate(); err != nil {
		return nil, err
	}
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	if quiet, ok := flagMap["quiet"].(bool); ok {
		plog.SetQuiet(quiet)
	}
	runConfig.LogSummary()
	return &runConfig, nil
}

// runWithApp is the common prologue of the commands that need the module table.
func runWithApp(ctx context.Context, op flagparse.Command, flagMap map[string]any, withPrometheus bool, fn func(ctx context.Context, cfg *config.Config, app *App) error) error {
	cfg, err := loadRunConfig(op, flagMap)
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, nil, withPrometheus)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, app)
}

// failedNames lists the failed steps of result in the given order.
func failedNames(result *engine.RunResult, order []string) []string {
	var failed []string
	for _, name := range order {
		if _, ok := result.Errors[name]; ok {
			failed = append(failed, name)
		}
	}
	return failed
}
