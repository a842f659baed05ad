package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/webdav"
	"google.golang.org/api/option"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// TestHelperProcess stands in for mount and umount.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	f, err := os.OpenFile(os.Getenv("HELPER_LOG"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		os.Exit(3)
	}
	fmt.Fprintf(f, "%s PASSWD=%s\n", strings.Join(args, " "), os.Getenv("PASSWD"))
	f.Close()
	os.Exit(0)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func names(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := NewLocal(dir)

	inPlace := writeFile(t, dir, "iobroker_2024_03_05-09_07_backupiobroker.tar.gz", "a")
	if err := b.Upload(ctx, inPlace); err != nil {
		t.Fatalf("upload of a file already in place failed: %v", err)
	}
	elsewhere := writeFile(t, t.TempDir(), "grafana_2024_03_05-09_07_backupiobroker.tar.gz", "b")
	if err := b.Upload(ctx, elsewhere); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "grafana_tmp"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := names(entries)
	if len(got) != 2 || got[0] != "grafana_2024_03_05-09_07_backupiobroker.tar.gz" {
		t.Errorf("expected two files and no directories, got %v", got)
	}

	dst := filepath.Join(t.TempDir(), "restore_tmp", "x.tar.gz")
	if err := b.Download(ctx, "grafana_2024_03_05-09_07_backupiobroker.tar.gz", dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if readFile(t, dst) != "b" {
		t.Error("downloaded content mismatch")
	}
}

func TestCopyFile_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := writeFile(t, t.TempDir(), "a", "data")
	dst := filepath.Join(t.TempDir(), "a")
	if err := copyFile(ctx, src, dst); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("no file must be left behind")
	}
}

func TestCIFSBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("Plain directory", func(t *testing.T) {
		mnt := t.TempDir()
		b, err := OpenCIFS(ctx, CIFSOptions{MountPoint: mnt, Dir: "backups/iobroker"}, command.NewRunner(nil))
		if err != nil {
			t.Fatalf("OpenCIFS failed: %v", err)
		}
		defer b.Close()
		src := writeFile(t, t.TempDir(), "mysql_2024_03_05-09_07_backupiobroker.tar.gz", "sql")
		if err := b.Upload(ctx, src); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
		if readFile(t, filepath.Join(mnt, "backups", "iobroker", filepath.Base(src))) != "sql" {
			t.Error("file not copied into the share directory")
		}
		entries, err := b.List(ctx)
		if err != nil || len(entries) != 1 {
			t.Errorf("expected one entry, got %v (err %v)", entries, err)
		}
	})

	t.Run("Mount and unmount", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "calls.log")
		helper := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
			cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
			cmd := exec.CommandContext(ctx, os.Args[0], cs...)
			cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_LOG=" + logPath}
			return cmd
		}
		mnt := filepath.Join(t.TempDir(), "mnt")
		b, err := OpenCIFS(ctx, CIFSOptions{
			Mount:      true,
			Source:     "//nas/backup",
			MountPoint: mnt,
			Username:   "admin",
			Password:   "s3cret",
			Options:    "vers=3.0",
		}, command.NewRunner(helper))
		if err != nil {
			t.Fatalf("OpenCIFS failed: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(readFile(t, logPath)), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected mount and umount calls, got %q", lines)
		}
		wantMount := "mount -t cifs //nas/backup " + mnt + " -o vers=3.0,username=admin PASSWD=s3cret"
		if lines[0] != wantMount {
			t.Errorf("unexpected mount call:\n got %q\nwant %q", lines[0], wantMount)
		}
		if !strings.HasPrefix(lines[1], "umount "+mnt) {
			t.Errorf("unexpected umount call: %q", lines[1])
		}
	})
}

func TestFTPHelpers(t *testing.T) {
	testCases := []struct {
		in, addr string
	}{
		{"nas.local", "nas.local:21"},
		{"nas.local:2121", "nas.local:2121"},
		{"10.0.0.5", "10.0.0.5:21"},
	}
	for _, tc := range testCases {
		if got := ftpAddress(tc.in); got != tc.addr {
			t.Errorf("ftpAddress(%q) = %q, want %q", tc.in, got, tc.addr)
		}
	}
	for in, want := range map[string]string{"": "/", "backup": "/backup", "/backup/iobroker/": "/backup/iobroker", " /a//b ": "/a/b"} {
		if got := ftpDir(in); got != want {
			t.Errorf("ftpDir(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeDropbox struct {
	mu       sync.Mutex
	files    map[string][]byte
	sessions map[string]*bytes.Buffer
	calls    []string
}

func newFakeDropbox(t *testing.T) (*fakeDropbox, *httptest.Server) {
	fd := &fakeDropbox{files: map[string][]byte{}, sessions: map[string]*bytes.Buffer{}}
	srv := httptest.NewServer(http.HandlerFunc(fd.serve))
	t.Cleanup(srv.Close)
	return fd, srv
}

func (fd *fakeDropbox) serve(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.calls = append(fd.calls, r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, `{"error_summary":"invalid_access_token/"}`, http.StatusUnauthorized)
		return
	}
	var arg map[string]any
	if h := r.Header.Get("Dropbox-API-Arg"); h != "" {
		json.Unmarshal([]byte(h), &arg)
	}
	body, _ := io.ReadAll(r.Body)

	switch r.URL.Path {
	case "/2/files/upload":
		fd.files[arg["path"].(string)] = body
		w.Write([]byte(`{}`))
	case "/2/files/upload_session/start":
		id := fmt.Sprintf("s%d", len(fd.sessions))
		fd.sessions[id] = bytes.NewBuffer(body)
		json.NewEncoder(w).Encode(map[string]string{"session_id": id})
	case "/2/files/upload_session/append_v2", "/2/files/upload_session/finish":
		cursor := arg["cursor"].(map[string]any)
		buf := fd.sessions[cursor["session_id"].(string)]
		if int(cursor["offset"].(float64)) != buf.Len() {
			http.Error(w, `{"error_summary":"incorrect_offset/"}`, http.StatusConflict)
			return
		}
		buf.Write(body)
		if r.URL.Path == "/2/files/upload_session/finish" {
			commit := arg["commit"].(map[string]any)
			fd.files[commit["path"].(string)] = buf.Bytes()
		}
		w.Write([]byte(`{}`))
	case "/2/files/list_folder", "/2/files/list_folder/continue":
		var keys []string
		for k := range fd.files {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// One file per page to exercise the cursor.
		page := 0
		var req map[string]any
		json.Unmarshal(body, &req)
		if c, ok := req["cursor"].(string); ok {
			fmt.Sscanf(c, "%d", &page)
		}
		res := map[string]any{"entries": []any{map[string]any{".tag": "folder", "name": "sub", "path_display": "/sub"}}, "has_more": false}
		if page < len(keys) {
			k := keys[page]
			res["entries"] = []any{map[string]any{".tag": "file", "name": filepath.Base(k), "path_display": k, "size": len(fd.files[k]), "server_modified": "2024-03-05T09:07:00Z"}}
			res["has_more"] = page+1 < len(keys)
			res["cursor"] = fmt.Sprint(page + 1)
		}
		json.NewEncoder(w).Encode(res)
	case "/2/files/download":
		data, ok := fd.files[arg["path"].(string)]
		if !ok {
			http.Error(w, `{"error_summary":"path/not_found/"}`, http.StatusConflict)
			return
		}
		w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

func TestDropboxBackend(t *testing.T) {
	ctx := context.Background()
	fd, srv := newFakeDropbox(t)
	b := NewDropbox(DropboxOptions{AccessToken: "tok", Dir: "backitup/", APIURL: srv.URL, ContentURL: srv.URL + "/", Client: srv.Client()})

	small := writeFile(t, t.TempDir(), "iobroker_2024_03_05-09_07_backupiobroker.tar.gz", "small")
	if err := b.Upload(ctx, small); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	oldThreshold, oldChunk := dropboxSessionThreshold, dropboxChunkSize
	dropboxSessionThreshold, dropboxChunkSize = 4, 3
	t.Cleanup(func() { dropboxSessionThreshold, dropboxChunkSize = oldThreshold, oldChunk })
	large := writeFile(t, t.TempDir(), "redis_2024_03_05-09_07_backupiobroker.tar.gz", "0123456789")
	if err := b.Upload(ctx, large); err != nil {
		t.Fatalf("session upload failed: %v", err)
	}
	if got := string(fd.files["/backitup/redis_2024_03_05-09_07_backupiobroker.tar.gz"]); got != "0123456789" {
		t.Errorf("session upload reassembled %q", got)
	}

	entries, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := names(entries); len(got) != 2 {
		t.Fatalf("expected two files across pages, got %v", got)
	}
	if entries[0].ModTime.IsZero() || entries[0].Path == "" {
		t.Errorf("expected path and modification time, got %+v", entries[0])
	}

	dst := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := b.Download(ctx, "/backitup/iobroker_2024_03_05-09_07_backupiobroker.tar.gz", dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if readFile(t, dst) != "small" {
		t.Error("downloaded content mismatch")
	}
	if err := b.Download(ctx, "/backitup/missing.tar.gz", filepath.Join(t.TempDir(), "m")); err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("expected status error for missing file, got %v", err)
	}

	bad := NewDropbox(DropboxOptions{AccessToken: "wrong", APIURL: srv.URL, ContentURL: srv.URL})
	if _, err := bad.List(ctx); err == nil {
		t.Error("expected auth error")
	}
}

func TestGoogleDriveBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files" && r.Method == http.MethodGet:
			if q := r.URL.Query().Get("q"); q != "'folder123' in parents and trashed = false" {
				http.Error(w, "bad query "+q, http.StatusBadRequest)
				return
			}
			if r.URL.Query().Get("pageToken") == "" {
				w.Write([]byte(`{"nextPageToken":"p2","files":[{"id":"f1","name":"iobroker_2024_03_05-09_07_backupiobroker.tar.gz","size":"42","modifiedTime":"2024-03-05T09:07:00Z"},{"id":"d1","name":"old","mimeType":"application/vnd.google-apps.folder"}]}`))
				return
			}
			w.Write([]byte(`{"files":[{"id":"f2","name":"grafana_2024_03_05-09_07_backupiobroker.tar.gz","size":"7"}]}`))
		case r.URL.Path == "/files/f1" && r.URL.Query().Get("alt") == "media":
			w.Write([]byte("archive"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	b, err := OpenGoogleDrive(ctx, GoogleDriveOptions{
		FolderID:      "folder123",
		Endpoint:      srv.URL + "/",
		ClientOptions: []option.ClientOption{option.WithoutAuthentication(), option.WithHTTPClient(srv.Client())},
	})
	if err != nil {
		t.Fatalf("OpenGoogleDrive failed: %v", err)
	}

	entries, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two files without the folder, got %+v", entries)
	}
	if entries[0].Path != "f1" || entries[0].Size != 42 || entries[0].ModTime.IsZero() {
		t.Errorf("unexpected first entry %+v", entries[0])
	}

	dst := filepath.Join(t.TempDir(), "f1.tar.gz")
	if err := b.Download(ctx, "f1", dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if readFile(t, dst) != "archive" {
		t.Error("downloaded content mismatch")
	}
}

func TestWebDAVBackend(t *testing.T) {
	handler := &webdav.Handler{FileSystem: webdav.NewMemFS(), LockSystem: webdav.NewMemLS()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "dav" || pass != "pw" {
			w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ctx := context.Background()
	b, err := OpenWebDAV(ctx, WebDAVOptions{URL: srv.URL, Username: "dav", Password: "pw", Dir: "backups/iobroker"})
	if err != nil {
		t.Fatalf("OpenWebDAV failed: %v", err)
	}
	defer b.Close()

	src := writeFile(t, t.TempDir(), "zigbee_2024_03_05-09_07_backupiobroker.tar.gz", "zigbee data")
	if err := b.Upload(ctx, src); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	entries, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != filepath.Base(src) || entries[0].Size != int64(len("zigbee data")) {
		t.Fatalf("unexpected listing %+v", entries)
	}

	dst := filepath.Join(t.TempDir(), "z.tar.gz")
	if err := b.Download(ctx, entries[0].Path, dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if readFile(t, dst) != "zigbee data" {
		t.Error("downloaded content mismatch")
	}

	if _, err := OpenWebDAV(ctx, WebDAVOptions{URL: srv.URL, Username: "dav", Password: "nope"}); err == nil {
		t.Error("expected wrong credentials to fail")
	}
}
