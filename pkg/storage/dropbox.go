package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

const (
	defaultDropboxAPIURL     = "https://api.dropboxapi.com"
	defaultDropboxContentURL = "https://content.dropboxapi.com"
)

// Files above this size go through an upload session. Dropbox rejects
// single request uploads larger than 150 MiB.
var dropboxSessionThreshold int64 = 150 << 20

var dropboxChunkSize int64 = 8 << 20

type DropboxOptions struct {
	AccessToken string
	Dir         string
	// APIURL and ContentURL override the public endpoints.
	APIURL     string
	ContentURL string
	Client     *http.Client
}

// DropboxBackend talks to the Dropbox HTTP API v2.
type DropboxBackend struct {
	opts DropboxOptions
	dir  string
}

func NewDropbox(opts DropboxOptions) *DropboxBackend {
	if opts.APIURL == "" {
		opts.APIURL = defaultDropboxAPIURL
	}
	if opts.ContentURL == "" {
		opts.ContentURL = defaultDropboxContentURL
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	opts.ContentURL = strings.TrimRight(opts.ContentURL, "/")

	dir := strings.Trim(filepath.ToSlash(opts.Dir), "/")
	if dir != "" {
		dir = "/" + dir
	}
	return &DropboxBackend{opts: opts, dir: dir}
}

func (b *DropboxBackend) Kind() Kind { return Dropbox }

type dropboxEntry struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

type dropboxListResult struct {
	Entries []dropboxEntry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

func (b *DropboxBackend) List(ctx context.Context) ([]Entry, error) {
	var result dropboxListResult
	if err := b.rpc(ctx, "/2/files/list_folder", map[string]any{"path": b.dir}, &result); err != nil {
		return nil, err
	}
	var entries []Entry
	for {
		for _, e := range result.Entries {
			if e.Tag != "file" {
				continue
			}
			entries = append(entries, Entry{Name: e.Name, Path: e.PathDisplay, Size: e.Size, ModTime: e.ServerModified})
		}
		if !result.HasMore {
			return entries, nil
		}
		cursor := result.Cursor
		result = dropboxListResult{}
		if err := b.rpc(ctx, "/2/files/list_folder/continue", map[string]any{"cursor": cursor}, &result); err != nil {
			return nil, err
		}
	}
}

func (b *DropboxBackend) Upload(ctx context.Context, absLocalPath string) error {
	f, err := os.Open(absLocalPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	target := b.dir + "/" + filepath.Base(absLocalPath)
	commit := map[string]any{"path": target, "mode": "overwrite", "mute": true}
	plog.Info("Uploading to dropbox", "file", filepath.Base(absLocalPath), "target", target)

	if info.Size() <= dropboxSessionThreshold {
		return b.content(ctx, "/2/files/upload", commit, f, nil)
	}
	return b.uploadSession(ctx, f, info.Size(), commit)
}

func (b *DropboxBackend) uploadSession(ctx context.Context, f io.Reader, size int64, commit map[string]any) error {
	var start struct {
		SessionID string `json:"session_id"`
	}
	if err := b.content(ctx, "/2/files/upload_session/start", map[string]any{"close": false}, bytes.NewReader(nil), &start); err != nil {
		return err
	}

	var offset int64
	for offset < size {
		n := min(dropboxChunkSize, size-offset)
		cursor := map[string]any{"session_id": start.SessionID, "offset": offset}
		if offset+n == size {
			arg := map[string]any{"cursor": cursor, "commit": commit}
			if err := b.content(ctx, "/2/files/upload_session/finish", arg, io.LimitReader(f, n), nil); err != nil {
				return err
			}
			return nil
		}
		arg := map[string]any{"cursor": cursor, "close": false}
		if err := b.content(ctx, "/2/files/upload_session/append_v2", arg, io.LimitReader(f, n), nil); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

func (b *DropboxBackend) Download(ctx context.Context, remotePath, absLocalPath string) error {
	arg, err := json.Marshal(map[string]any{"path": remotePath})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.ContentURL+"/2/files/download", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.opts.AccessToken)
	req.Header.Set("Dropbox-API-Arg", string(arg))
	resp, err := b.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := dropboxStatus(resp, "/2/files/download"); err != nil {
		return err
	}
	return writeStream(ctx, resp.Body, absLocalPath)
}

func (b *DropboxBackend) Close() error { return nil }

// rpc calls an endpoint that takes and returns JSON.
func (b *DropboxBackend) rpc(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.APIURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.opts.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, endpoint, out)
}

// content calls an endpoint that takes its argument in the Dropbox-API-Arg
// header and the file data as body.
func (b *DropboxBackend) content(ctx context.Context, endpoint string, arg any, body io.Reader, out any) error {
	data, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.ContentURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.opts.AccessToken)
	req.Header.Set("Dropbox-API-Arg", string(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	return b.do(req, endpoint, out)
}

func (b *DropboxBackend) do(req *http.Request, endpoint string, out any) error {
	resp, err := b.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := dropboxStatus(resp, endpoint); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dropbox %s: invalid response: %w", path.Base(endpoint), err)
	}
	return nil
}

func dropboxStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("dropbox %s failed with status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
