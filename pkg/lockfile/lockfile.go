// Package lockfile guarantees that only one backup or restore run works on a
// backup directory at a time, across processes and hosts sharing the directory.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// LockFileName is the name of the lock file created in the backup directory.
const LockFileName = ".~pgl-backitup.lock"

// Owner describes the run holding the lock.
type Owner struct {
	Operation string `json:"operation"`
	RunID     string `json:"runID"`
}

// LockContent is the JSON document stored in the lock file.
type LockContent struct {
	Owner
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
}

// ErrLockActive is returned when another live run holds the lock.
type ErrLockActive struct {
	Content   LockContent
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("a %s run (%s) is already active, held by PID %d on host '%s', last updated %s ago",
		e.Content.Operation, e.Content.RunID, e.Content.PID, e.Content.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when two processes take over the same stale lock and this one lost.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates an empty or unparsable lock file.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Vars so tests can shorten them.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

// Lock is a held lock. Release it exactly once; extra calls are no-ops.
type Lock struct {
	path    string
	content LockContent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Acquire takes the lock in dir for owner. A fresh lock held by someone else
// yields *ErrLockActive; a stale or corrupt one is taken over.
func Acquire(ctx context.Context, dir string, owner Owner) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)

	for range 3 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := newContent(owner)
		if err != nil {
			return nil, err
		}

		err = createExclusive(path, content)
		if err == nil {
			return start(path, content), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		existing, readErr := read(path)
		var stale LockContent
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path)
		case os.IsNotExist(readErr):
			// Released between our create and read.
			continue
		case readErr != nil:
			return nil, readErr
		default:
			if age := time.Since(existing.LastUpdate); age < staleTimeout {
				return nil, &ErrLockActive{Content: existing, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", existing.PID, "operation", existing.Operation)
			stale = existing
		}

		if err := takeover(path, stale, content); err != nil {
			plog.Debug("Lock takeover failed, retrying", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return start(path, content), nil
	}
	return nil, errors.New("failed to acquire lock after 3 attempts (contention)")
}

// Inspect reads the current lock, if any, and reports whether it is live.
func Inspect(dir string) (LockContent, bool, error) {
	content, err := read(filepath.Join(dir, LockFileName))
	if os.IsNotExist(err) {
		return LockContent{}, false, nil
	}
	if err != nil {
		return LockContent{}, false, err
	}
	return content, time.Since(content.LastUpdate) < staleTimeout, nil
}

// Release stops the heartbeat and removes the lock file.
func (l *Lock) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
			return
		}
		plog.Debug("Lock released", "path", l.path)
	})
}

func newContent(owner Owner) (LockContent, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return LockContent{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		Owner:      owner,
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

// createExclusive succeeds only if no lock file exists.
func createExclusive(path string, content LockContent) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// takeover claims a stale lock by renaming it to a name only this contender
// uses, then creates a fresh lock. If the renamed file turns out not to be the
// stale lock we inspected, another contender won and its lock is put back.
func takeover(path string, stale LockContent, content LockContent) error {
	claimed := path + "." + content.Nonce + ".stale"
	if err := os.Rename(path, claimed); err != nil {
		if os.IsNotExist(err) {
			return ErrLostRace
		}
		return fmt.Errorf("failed to claim stale lock: %w", err)
	}
	got, err := read(claimed)
	if (err == nil && got.Nonce != stale.Nonce) || (err != nil && stale.Nonce != "") {
		if linkErr := os.Link(claimed, path); linkErr != nil {
			plog.Warn("Failed to restore lock taken over by mistake", "path", path, "error", linkErr)
		}
		os.Remove(claimed)
		return ErrLostRace
	}
	os.Remove(claimed)

	if err := createExclusive(path, content); err != nil {
		if os.IsExist(err) {
			return ErrLostRace
		}
		return err
	}
	return nil
}

func start(path string, content LockContent) *Lock {
	cleanupTempFiles(path)
	l := &Lock{path: path, content: content, stop: make(chan struct{}), done: make(chan struct{})}
	go l.heartbeat()
	return l
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := writeAtomic(l.path, l.content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// writeAtomic writes to a temp file in the same directory and renames it over path.
func writeAtomic(path string, content LockContent) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// cleanupTempFiles removes temp and claim files left by crashed runs. Only
// files older than the stale timeout are touched so live writers are not disturbed.
func cleanupTempFiles(path string) {
	tmps, _ := filepath.Glob(path + ".*.tmp")
	claims, _ := filepath.Glob(path + ".*.stale")
	matches := append(tmps, claims...)
	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

// read parses the lock file, retrying briefly over transient empty or partial states.
func read(path string) (LockContent, error) {
	var lastErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if err != nil {
			return LockContent{}, err
		}
		var content LockContent
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
		} else if lastErr = json.Unmarshal(data, &content); lastErr == nil {
			return content, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}
