// Package runctx holds the mutable record of a single backup or restore run.
//
// The collections only ever grow. A module name is recorded either as done or
// as failed, never both, and never twice.
package runctx

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRecorded is returned when an outcome is recorded twice for the same module.
var ErrAlreadyRecorded = errors.New("module outcome already recorded")

// Context is the shared record a run's modules read and append to.
type Context struct {
	// ID identifies the run in logs, progress streams and the HTTP API.
	ID string
	// Type is the run type label, e.g. "iobroker".
	Type string
	// Started is the wall clock time the run was created.
	Started time.Time
	// BackupDir is the local directory artifacts are written to.
	BackupDir string

	mu        sync.Mutex
	errors    map[string]string
	done      []string
	types     []string
	fileNames []string
}

// New creates an empty run record.
func New(runType, backupDir string, started time.Time) *Context {
	return &Context{
		ID:        uuid.NewString(),
		Type:      runType,
		Started:   started,
		BackupDir: backupDir,
		errors:    make(map[string]string),
	}
}

func (c *Context) recordedLocked(name string) bool {
	if _, ok := c.errors[name]; ok {
		return true
	}
	for _, d := range c.done {
		if d == name {
			return true
		}
	}
	return false
}

// Done records that the named module completed successfully.
func (c *Context) Done(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordedLocked(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, name)
	}
	c.done = append(c.done, name)
	return nil
}

// Fail records the error description of the named module.
func (c *Context) Fail(name string, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordedLocked(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, name)
	}
	c.errors[name] = description
	return nil
}

// AddType records an artifact category produced by the run.
func (c *Context) AddType(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, category)
}

// AddFileName records the path of an artifact file. Producers call it as
// soon as the file is created so that partial outputs can be found later.
func (c *Context) AddFileName(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileNames = append(c.fileNames, path)
}

// Errors returns a copy of the failed-module map.
func (c *Context) Errors() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

// FailedNames returns the names of failed modules in lexical order.
func (c *Context) FailedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.errors))
	for k := range c.errors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HasErrors reports whether any module failed.
func (c *Context) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) > 0
}

// DoneNames returns the successfully completed modules in completion order.
func (c *Context) DoneNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.done...)
}

// Types returns the produced artifact categories in order.
func (c *Context) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.types...)
}

// FileNames returns the artifact paths in creation order.
func (c *Context) FileNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fileNames...)
}

// Snapshot is an immutable copy of a run record, e.g. for JSON responses.
type Snapshot struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Started   time.Time         `json:"started"`
	BackupDir string            `json:"backupDir"`
	Errors    map[string]string `json:"errors"`
	Done      []string          `json:"done"`
	Types     []string          `json:"types"`
	FileNames []string          `json:"fileNames"`
}

// Snapshot copies the current state.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		ID:        c.ID,
		Type:      c.Type,
		Started:   c.Started,
		BackupDir: c.BackupDir,
		Errors:    c.Errors(),
		Done:      c.DoneNames(),
		Types:     c.Types(),
		FileNames: c.FileNames(),
	}
}
