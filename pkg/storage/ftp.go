package storage

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

type FTPOptions struct {
	// Host is "host" or "host:port". Port 21 is assumed when missing.
	Host     string
	Username string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTPBackend keeps one logged-in control connection for its lifetime.
type FTPBackend struct {
	conn *ftp.ServerConn
	dir  string
}

// OpenFTP connects, logs in and makes sure the target directory exists.
func OpenFTP(ctx context.Context, opts FTPOptions) (*FTPBackend, error) {
	addr := ftpAddress(opts.Host)
	dialOpts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if opts.Timeout > 0 {
		dialOpts = append(dialOpts, ftp.DialWithTimeout(opts.Timeout))
	}
	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if err := conn.Login(opts.Username, opts.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login failed: %w", err)
	}
	b := &FTPBackend{conn: conn, dir: ftpDir(opts.Dir)}
	if err := b.ensureDir(); err != nil {
		conn.Quit()
		return nil, err
	}
	return b, nil
}

func ftpAddress(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "21")
}

// ftpDir normalises a configured directory to an absolute slash path.
func ftpDir(dir string) string {
	dir = strings.TrimSpace(filepath.ToSlash(dir))
	if dir == "" {
		return "/"
	}
	return path.Clean("/" + dir)
}

// ensureDir creates every missing segment of the target directory. Servers
// report an error for directories that already exist, so MakeDir failures
// are only fatal if the directory cannot be entered afterwards.
func (b *FTPBackend) ensureDir() error {
	current := ""
	for _, segment := range strings.Split(strings.Trim(b.dir, "/"), "/") {
		if segment == "" {
			continue
		}
		current += "/" + segment
		if err := b.conn.ChangeDir(current); err == nil {
			continue
		}
		if err := b.conn.MakeDir(current); err != nil {
			plog.Debug("ftp mkdir failed", "dir", current, "error", err)
		}
		if err := b.conn.ChangeDir(current); err != nil {
			return fmt.Errorf("failed to enter ftp directory %s: %w", current, err)
		}
	}
	return nil
}

func (b *FTPBackend) Kind() Kind { return FTP }

func (b *FTPBackend) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ftpEntries, err := b.conn.List(b.dir)
	if err != nil {
		return nil, fmt.Errorf("ftp list failed: %w", err)
	}
	var entries []Entry
	for _, e := range ftpEntries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		entries = append(entries, Entry{
			Name:    e.Name,
			Path:    path.Join(b.dir, e.Name),
			Size:    int64(e.Size),
			ModTime: e.Time,
		})
	}
	return entries, nil
}

func (b *FTPBackend) Upload(ctx context.Context, absLocalPath string) error {
	f, err := os.Open(absLocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	remote := path.Join(b.dir, filepath.Base(absLocalPath))
	plog.Info("Uploading via FTP", "file", filepath.Base(absLocalPath), "target", remote)
	if err := b.conn.Stor(remote, readerWithContext(ctx, f)); err != nil {
		return fmt.Errorf("ftp upload of %s failed: %w", filepath.Base(absLocalPath), err)
	}
	return nil
}

func (b *FTPBackend) Download(ctx context.Context, remotePath, absLocalPath string) error {
	resp, err := b.conn.Retr(remotePath)
	if err != nil {
		return fmt.Errorf("ftp download of %s failed: %w", remotePath, err)
	}
	defer resp.Close()
	return writeStream(ctx, resp, absLocalPath)
}

func (b *FTPBackend) Close() error {
	return b.conn.Quit()
}
