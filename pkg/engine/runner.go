// Package engine runs backups and restores: it drives the registered modules
// in their fixed order against a fresh run context, runs the hooks around
// them and reports the outcome on the progress channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/artifact"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/hook"
	"github.com/paulschiretz/pgl-backitup/pkg/lockfile"
	"github.com/paulschiretz/pgl-backitup/pkg/metrics"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/notify"
	"github.com/paulschiretz/pgl-backitup/pkg/platform"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/progress"
	"github.com/paulschiretz/pgl-backitup/pkg/restore"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// ErrNoRestorer is returned when no module can restore an artifact.
var ErrNoRestorer = errors.New("no restorer for artifact")

// Names under which the runner records its own failures.
const (
	HooksName    = "hooks"
	DownloadName = "download"
	PlatformName = "platform"
	RestoreName  = "restore"
)

const restoreTmpDir = "restore_tmp"

// Restorer puts an artifact back in place.
type Restorer interface {
	Restore(ctx context.Context, cfg *config.Config, absArchivePath string) error
}

// Downloader fetches an artifact from a backend to the local disk.
type Downloader interface {
	Download(ctx context.Context, cfg *config.Config, kind storage.Kind, remotePath, absLocalPath string) error
}

// Options wires a Runner.
type Options struct {
	Registry *module.Registry
	// Restorers are keyed by artifact service, e.g. "iobroker" or "grafana".
	Restorers  map[string]Restorer
	Hooks      *hook.Executor
	Metrics    metrics.Metrics
	Downloader Downloader
	// Platform builds the controller used to stop the platform around full restores.
	Platform func(cfg *config.Config) (platform.Controller, error)
}

// Runner executes runs. It does not run two modules at the same time; the
// lock file keeps concurrent runs on the same backup directory apart.
type Runner struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	active *runctx.Context
}

func NewRunner(opts Options) *Runner {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Restorers == nil {
		opts.Restorers = map[string]Restorer{}
	}
	return &Runner{opts: opts, now: time.Now}
}

// RunResult is the final record of a run.
type RunResult struct {
	runctx.Snapshot
	Duration time.Duration `json:"duration"`
}

// Success reports whether no module failed.
func (r *RunResult) Success() bool {
	return len(r.Errors) == 0
}

// ExitCode is 0 on success and 1 otherwise.
func (r *RunResult) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}

// RestoreRequest selects the artifact to restore.
type RestoreRequest struct {
	// Backend defaults to the configured restore source.
	Backend storage.Kind `json:"backend"`
	// Path is the backend handle of the artifact.
	Path string `json:"path"`
	// Name is the artifact file name. It defaults to the base of Path and must
	// be set for backends whose handles are not paths.
	Name string `json:"name,omitempty"`
}

// Active returns a snapshot of the run in progress.
func (r *Runner) Active() (runctx.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return runctx.Snapshot{}, false
	}
	return r.active.Snapshot(), true
}

func (r *Runner) setActive(rc *runctx.Context) {
	r.mu.Lock()
	r.active = rc
	r.mu.Unlock()
}

// attach mirrors the log into out and returns the function that detaches it
// and writes the exit sentinel.
func attach(out *progress.Channel) func(code int) {
	if out == nil {
		return func(int) {}
	}
	remove := plog.AddSink(out)
	return func(code int) {
		remove()
		out.Exit(code)
	}
}

// ExecuteBackup runs the main phase, then the after-backup phase. A returned
// error means the run could not start; module failures are in the result.
func (r *Runner) ExecuteBackup(ctx context.Context, cfg *config.Config, runType string, out *progress.Channel) (result *RunResult, retErr error) {
	exitCode := 1
	finish := attach(out)
	defer func() { finish(exitCode) }()

	if runType == "" {
		runType = cfg.Platform.Name
	}
	started := r.now()
	rc := runctx.New(runType, cfg.Base, started)

	release, err := r.prepare(ctx, cfg.Base, "backup", rc.ID)
	if err != nil {
		plog.Error("Backup could not start", "error", err)
		return nil, err
	}
	defer release()

	r.setActive(rc)
	defer r.setActive(nil)

	plog.Info("Starting backup", "type", runType, "id", rc.ID, "target", cfg.Base)

	abortMain := false
	if err := r.runHooks(ctx, hook.PreBackup, cfg.Hooks.PreBackup); err != nil && !hints.IsHint(err) {
		r.recordFailure(rc, cfg, HooksName, err)
		abortMain = true
	}

	if !abortMain {
		for _, m := range r.opts.Registry.MainPhase() {
			if r.invoke(ctx, cfg, rc, m) == metrics.Failed && !m.Descriptor().IgnoreErrors {
				plog.Warn("Aborting remaining backup modules", "failed", m.Descriptor().Name)
				break
			}
		}
	}
	for _, m := range r.opts.Registry.AfterBackupPhase() {
		r.invoke(ctx, cfg, rc, m)
	}

	r.runPostHooks(ctx, hook.PostBackup, cfg.Hooks.PostBackup)

	result = r.finish(rc, started)
	r.opts.Metrics.AddArtifactBytes(artifactBytes(result.FileNames))
	r.opts.Metrics.Log()
	if result.Success() {
		plog.Info("Backup completed", "type", runType, "files", len(result.FileNames), "duration", result.Duration.Round(time.Millisecond))
	} else {
		plog.Warn("Backup finished with errors", "type", runType, "failed", rc.FailedNames())
	}
	exitCode = result.ExitCode()
	return result, nil
}

// ExecuteRestore downloads the artifact if its backend requires it, stops the
// platform for full restores and runs the matching restorer.
func (r *Runner) ExecuteRestore(ctx context.Context, cfg *config.Config, req RestoreRequest, out *progress.Channel) (result *RunResult, retErr error) {
	exitCode := 1
	finish := attach(out)
	defer func() { finish(exitCode) }()

	if req.Backend == "" {
		req.Backend = cfg.Restore.Source
	}
	if req.Name == "" {
		req.Name = artifact.Base(req.Path)
	}
	if req.Path == "" || !artifact.IsArtifact(req.Name) {
		err := fmt.Errorf("not a backup artifact: %q", req.Name)
		plog.Error("Restore could not start", "error", err)
		return nil, err
	}

	decision := restore.Decide(req.Name, req.Backend, cfg.Platform.DisplayName)
	service, consistent := restore.Service(req.Name, cfg.Platform.Name)
	if !consistent {
		err := fmt.Errorf("%w: %s names more than one service", ErrNoRestorer, req.Name)
		plog.Error("Restore could not start", "error", err)
		return nil, err
	}
	restorer, ok := r.opts.Restorers[service]
	if !ok {
		err := fmt.Errorf("%w: %s (service %s)", ErrNoRestorer, req.Name, service)
		plog.Error("Restore could not start", "error", err)
		return nil, err
	}

	started := r.now()
	rc := runctx.New(RestoreName, cfg.Base, started)
	release, err := r.prepare(ctx, cfg.Base, "restore", rc.ID)
	if err != nil {
		plog.Error("Restore could not start", "error", err)
		return nil, err
	}
	defer release()

	r.setActive(rc)
	defer r.setActive(nil)

	plog.Info("Starting restore", "artifact", req.Name, "backend", req.Backend.DisplayName(), "id", rc.ID)
	plog.Info(decision.Message)

	archivePath, cleanup, err := r.localArtifact(ctx, cfg, req, decision.DownloadRequired)
	defer cleanup()
	if err != nil {
		r.recordFailure(rc, cfg, DownloadName, err)
	} else {
		r.restoreWithHooks(ctx, cfg, rc, restorer, archivePath, decision.StopRequired)
	}

	result = r.finish(rc, started)
	if result.Success() {
		plog.Info("Restore completed", "artifact", req.Name, "duration", result.Duration.Round(time.Millisecond))
	} else {
		plog.Warn("Restore finished with errors", "artifact", req.Name, "failed", rc.FailedNames())
	}
	exitCode = result.ExitCode()
	return result, nil
}

func (r *Runner) restoreWithHooks(ctx context.Context, cfg *config.Config, rc *runctx.Context, restorer Restorer, archivePath string, stopRequired bool) {
	defer r.runPostHooks(ctx, hook.PostRestore, cfg.Hooks.PostRestore)

	if err := r.runHooks(ctx, hook.PreRestore, cfg.Hooks.PreRestore); err != nil && !hints.IsHint(err) {
		r.recordFailure(rc, cfg, HooksName, err)
		return
	}

	if stopRequired {
		controller, err := r.platformController(cfg)
		if err == nil {
			err = controller.Stop(ctx)
		}
		if err != nil {
			r.recordFailure(rc, cfg, PlatformName, fmt.Errorf("failed to stop %s: %w", cfg.Platform.DisplayName, err))
			return
		}
		// Started again whatever the restore outcome.
		defer func() {
			// The run context may already be cancelled; the platform must come back.
			startCtx := context.WithoutCancel(ctx)
			if err := controller.Start(startCtx); err != nil {
				r.recordFailure(rc, cfg, PlatformName, fmt.Errorf("failed to start %s: %w", cfg.Platform.DisplayName, err))
			}
		}()
	}

	m := &module.Func{
		Desc: module.Descriptor{Name: RestoreName},
		ExecuteFn: func(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
			return restorer.Restore(ctx, cfg, archivePath)
		},
	}
	r.invoke(ctx, cfg, rc, m)
}

func (r *Runner) platformController(cfg *config.Config) (platform.Controller, error) {
	if r.opts.Platform == nil {
		return platform.None{}, nil
	}
	return r.opts.Platform(cfg)
}

// localArtifact returns a local path for the requested artifact, downloading
// it into <base>/restore_tmp when needed. cleanup is never nil.
func (r *Runner) localArtifact(ctx context.Context, cfg *config.Config, req RestoreRequest, download bool) (string, func(), error) {
	noop := func() {}
	if !download {
		p := req.Path
		if req.Backend == storage.Local && !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Base, p)
		}
		if _, err := os.Stat(p); err != nil {
			return "", noop, fmt.Errorf("artifact not accessible: %w", err)
		}
		return p, noop, nil
	}
	if r.opts.Downloader == nil {
		return "", noop, fmt.Errorf("no downloader configured for %s", req.Backend.DisplayName())
	}

	dir := filepath.Join(cfg.Base, restoreTmpDir)
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			plog.Warn("Failed to remove download directory", "path", dir, "error", err)
		}
	}
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return "", noop, fmt.Errorf("failed to create download directory: %w", err)
	}
	local := filepath.Join(dir, req.Name)
	plog.Info("Downloading artifact", "backend", req.Backend.DisplayName(), "artifact", req.Name)
	if err := r.opts.Downloader.Download(ctx, cfg, req.Backend, req.Path, local); err != nil {
		return "", cleanup, fmt.Errorf("download from %s failed: %w", req.Backend.DisplayName(), err)
	}
	return local, cleanup, nil
}

// prepare makes sure the backup directory exists and takes its lock.
func (r *Runner) prepare(ctx context.Context, base, operation, runID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", base, err)
	}

	plog.Debug("Attempting to acquire lock", "path", base)
	lock, err := lockfile.Acquire(ctx, base, lockfile.Owner{Operation: operation, RunID: runID})
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, fmt.Errorf("another run is active for %s: %w", base, err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully")
	return lock.Release, nil
}

// invoke runs one module and records its outcome. Disabled modules are not
// recorded at all; hints count as skipped.
func (r *Runner) invoke(ctx context.Context, cfg *config.Config, rc *runctx.Context, m module.Module) metrics.Outcome {
	d := m.Descriptor()
	if !m.Enabled(cfg) {
		plog.Debug("Module disabled", "module", d.Name)
		return metrics.Skipped
	}

	plog.Info("Starting module", "module", d.Name)
	started := time.Now()
	err := safeExecute(ctx, m, cfg, rc)
	elapsed := time.Since(started)

	var outcome metrics.Outcome
	switch {
	case err == nil:
		outcome = metrics.Done
		if recErr := rc.Done(d.Name); recErr != nil {
			plog.Warn("Failed to record module outcome", "module", d.Name, "error", recErr)
		}
		plog.Info("Module done", "module", d.Name, "duration", elapsed.Round(time.Millisecond))
	case hints.IsHint(err):
		outcome = metrics.Skipped
		plog.Info("Module skipped", "module", d.Name, "reason", err)
	default:
		outcome = metrics.Failed
		r.recordFailure(rc, cfg, d.Name, err)
	}
	r.opts.Metrics.ObserveModule(d.Name, outcome, elapsed)
	return outcome
}

func (r *Runner) recordFailure(rc *runctx.Context, cfg *config.Config, name string, err error) {
	description := notify.Redact(err.Error(), cfg.Secrets())
	if recErr := rc.Fail(name, description); recErr != nil {
		plog.Warn("Failed to record module outcome", "module", name, "error", recErr)
	}
	plog.Error("Module failed", "module", name, "error", description)
}

// safeExecute turns a panicking module into an error outcome.
func safeExecute(ctx context.Context, m module.Module, cfg *config.Config, rc *runctx.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("module panicked: %v", p)
		}
	}()
	return m.Execute(ctx, cfg, rc)
}

func (r *Runner) runHooks(ctx context.Context, phase hook.Phase, commands []string) error {
	if r.opts.Hooks == nil {
		return hook.ErrNothingToExecute
	}
	return r.opts.Hooks.Run(ctx, phase, commands)
}

func (r *Runner) runPostHooks(ctx context.Context, phase hook.Phase, commands []string) {
	err := r.runHooks(ctx, phase, commands)
	switch {
	case err == nil || hints.IsHint(err):
	case errors.Is(err, context.Canceled):
		plog.Info("Hooks skipped due to cancellation", "phase", phase)
	default:
		plog.Warn("Hook failed", "phase", phase, "error", err)
	}
}

func (r *Runner) finish(rc *runctx.Context, started time.Time) *RunResult {
	result := &RunResult{Snapshot: rc.Snapshot(), Duration: r.now().Sub(started)}
	r.opts.Metrics.ObserveRun(rc.Type, result.Success(), result.Duration)
	return result
}

func artifactBytes(paths []string) int64 {
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}
