// Package api exposes backups and restores over HTTP for the admin UI and
// for schedulers that cannot spawn the CLI.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulschiretz/pgl-backitup/pkg/catalog"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/engine"
	"github.com/paulschiretz/pgl-backitup/pkg/notify"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/progress"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// ErrBusy is returned when a run is submitted while another is active.
var ErrBusy = errors.New("a backup or restore is already running")

const shutdownTimeout = 10 * time.Second

// Lister lists the artifacts of the configured backends.
type Lister interface {
	List(ctx context.Context, cfg *config.Config, source storage.Kind) (catalog.Listing, error)
}

type Options struct {
	Config  *config.Config
	Runner  *engine.Runner
	Catalog Lister
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server accepts one run at a time and keeps the progress of the latest one.
type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader

	// runCtx is the parent of background runs; it outlives single requests.
	runCtx context.Context
	runs   sync.WaitGroup

	mu      sync.Mutex
	running bool
	current *progress.Channel
	last    *runRecord
}

type runRecord struct {
	Operation string            `json:"operation"`
	Result    *engine.RunResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// New builds the server. Runs started through it are cancelled with ctx.
func New(ctx context.Context, opts Options) *Server {
	s := &Server{
		opts:   opts,
		runCtx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/backup/:type", s.handleBackup)
		v1.POST("/restore", s.handleRestore)
		v1.GET("/restore/decision", s.handleDecision)
		v1.GET("/list", s.handleList)
		v1.GET("/status", s.handleStatus)
		v1.GET("/progress", s.handleProgress)
	}

	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	s.router = r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		plog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).Round(time.Millisecond),
			"client", c.ClientIP())
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down and waits
// for a running backup or restore to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(plog.Logger().Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	plog.Info("HTTP API listening", "address", ln.Addr().String())
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		plog.Warn("Failed to notify systemd of readiness", "error", err)
	} else if sent {
		plog.Debug("Notified systemd that service is ready")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	plog.Info("Shutting down HTTP API")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		plog.Debug("Failed to notify systemd of shutdown", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		plog.Warn("HTTP API did not shut down cleanly", "error", err)
	}
	s.Wait()
	return nil
}

// Wait blocks until background runs have finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// start launches fn in the background unless a run is active.
func (s *Server) start(operation string, fn func(ctx context.Context, out *progress.Channel) (*engine.RunResult, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}
	s.running = true
	out := progress.New()
	s.current = out

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		result, err := fn(s.runCtx, out)

		record := &runRecord{Operation: operation}
		if result != nil {
			redacted := *result
			redacted.Snapshot = s.redactSnapshot(result.Snapshot)
			record.Result = &redacted
		}
		if err != nil {
			record.Error = s.redact(err.Error())
		}
		s.mu.Lock()
		s.running = false
		s.last = record
		s.mu.Unlock()
	}()
	return nil
}

// redact masks configured credentials in text that leaves the server.
func (s *Server) redact(text string) string {
	return notify.Redact(text, s.opts.Config.Secrets())
}

func (s *Server) redactSnapshot(snap runctx.Snapshot) runctx.Snapshot {
	if len(snap.Errors) == 0 {
		return snap
	}
	secrets := s.opts.Config.Secrets()
	errs := make(map[string]string, len(snap.Errors))
	for name, description := range snap.Errors {
		errs[name] = notify.Redact(description, secrets)
	}
	snap.Errors = errs
	return snap
}
