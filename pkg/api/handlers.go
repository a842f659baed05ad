package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/paulschiretz/pgl-backitup/pkg/artifact"
	"github.com/paulschiretz/pgl-backitup/pkg/engine"
	"github.com/paulschiretz/pgl-backitup/pkg/lockfile"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/progress"
	"github.com/paulschiretz/pgl-backitup/pkg/restore"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// Run types end up in artifact names and messages.
var runTypePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

const progressWriteTimeout = 10 * time.Second

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleBackup(c *gin.Context) {
	runType := c.Param("type")
	if !runTypePattern.MatchString(runType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup type"})
		return
	}

	err := s.start("backup", func(ctx context.Context, out *progress.Channel) (*engine.RunResult, error) {
		return s.opts.Runner.ExecuteBackup(ctx, s.opts.Config, runType, out)
	})
	if errors.Is(err, ErrBusy) {
		respondError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation": "backup", "type": runType})
}

func (s *Server) handleRestore(c *gin.Context) {
	var req engine.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	name := req.Name
	if name == "" {
		name = artifact.Base(req.Path)
	}
	if !artifact.IsArtifact(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a backup artifact: " + name})
		return
	}

	err := s.start("restore", func(ctx context.Context, out *progress.Channel) (*engine.RunResult, error) {
		return s.opts.Runner.ExecuteRestore(ctx, s.opts.Config, req, out)
	})
	if errors.Is(err, ErrBusy) {
		respondError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation": "restore", "name": name})
}

func (s *Server) handleDecision(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	backend := s.opts.Config.Restore.Source
	if q := c.Query("backend"); q != "" {
		kind, err := storage.ParseKind(q)
		if err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		backend = kind
	}
	c.JSON(http.StatusOK, restore.Decide(name, backend, s.opts.Config.Platform.DisplayName))
}

func (s *Server) handleList(c *gin.Context) {
	var backend storage.Kind
	if q := c.Query("backend"); q != "" {
		kind, err := storage.ParseKind(q)
		if err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		backend = kind
	}
	listing, err := s.opts.Catalog.List(c.Request.Context(), s.opts.Config, backend)
	if err != nil {
		respondError(c, http.StatusBadGateway, errors.New(s.redact(err.Error())))
		return
	}
	c.JSON(http.StatusOK, listing)
}

type statusResponse struct {
	Running bool             `json:"running"`
	Active  *runctx.Snapshot `json:"active,omitempty"`
	Last    *runRecord       `json:"last,omitempty"`
	// Lock is the live lock on the backup directory, which may belong to a
	// run started outside this server.
	Lock *lockfile.LockContent `json:"lock,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	resp := statusResponse{Running: s.running, Last: s.last}
	s.mu.Unlock()
	if snap, ok := s.opts.Runner.Active(); ok {
		snap = s.redactSnapshot(snap)
		resp.Active = &snap
	}
	content, live, err := lockfile.Inspect(s.opts.Config.Base)
	switch {
	case err != nil:
		plog.Debug("Failed to inspect lock", "error", err)
	case live:
		resp.Lock = &content
	}
	c.JSON(http.StatusOK, resp)
}

// handleProgress streams the lines of the current or latest run as text
// messages and closes after the exit sentinel.
func (s *Server) handleProgress(c *gin.Context) {
	s.mu.Lock()
	out := s.current
	s.mu.Unlock()
	if out == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has been started"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		plog.Debug("Failed to upgrade progress connection", "error", err)
		return
	}
	defer ws.Close()

	lines, cancel := out.Subscribe(256)
	defer cancel()
	var dedup progress.Dedup

	// Reading detects a client that went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
				_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
				return
			}
			if !dedup.Accept(line) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				plog.Debug("Progress client disconnected", "error", err)
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
