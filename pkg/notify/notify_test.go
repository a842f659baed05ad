package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var started = time.Date(2024, 3, 15, 10, 42, 0, 0, time.Local)

func TestCompose_Success(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *config.Config, n *config.NoticeConfig)
		report Report
		want   string
	}{
		{
			name:   "Short",
			report: Report{Type: "iobroker", Started: started},
			want:   "PGL-Backitup:\nNew iobroker backup created on 15.03.2024 10:42.",
		},
		{
			name:   "Hostname decorates the platform run",
			mutate: func(cfg *config.Config, _ *config.NoticeConfig) { cfg.Platform.Hostname = "pi4" },
			report: Report{Type: "iobroker", Started: started},
			want:   "PGL-Backitup:\nNew iobroker (pi4) backup created on 15.03.2024 10:42.",
		},
		{
			name:   "Hostname is not added to other run types",
			mutate: func(cfg *config.Config, _ *config.NoticeConfig) { cfg.Platform.Hostname = "pi4" },
			report: Report{Type: "ccu", Started: started},
			want:   "PGL-Backitup:\nNew ccu backup created on 15.03.2024 10:42.",
		},
		{
			name: "Long lists backends",
			mutate: func(cfg *config.Config, n *config.NoticeConfig) {
				n.NoticeType = config.NoticeLong
				cfg.Storage.FTP = config.FTPConfig{Enabled: true, Host: "nas.local", Dir: "/backup"}
				cfg.Storage.CIFS = config.CIFSConfig{Enabled: true, Source: "//nas/share", Dir: "/iob"}
				cfg.Storage.Dropbox.Enabled = true
				cfg.Storage.GoogleDrive.Enabled = true
				cfg.Storage.WebDAV.Enabled = true
			},
			report: Report{Type: "iobroker", Started: started},
			want: "PGL-Backitup:\nNew iobroker backup created on 15.03.2024 10:42" +
				", and copied / moved via FTP to nas.local/backup, and stored under //nas/share/iob" +
				", and stored in dropbox, and stored in google drive, and stored in webdav.",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefault()
			notice := cfg.Notifications.Signal.NoticeConfig
			if tc.mutate != nil {
				tc.mutate(&cfg, &notice)
			}
			got, ok := Compose(&cfg, notice, tc.report, nil)
			if !ok {
				t.Fatal("expected a message")
			}
			if got != tc.want {
				t.Errorf("unexpected message:\n got: %q\nwant: %q", got, tc.want)
			}
		})
	}
}

func TestCompose_OnlyError(t *testing.T) {
	cfg := config.NewDefault()
	notice := config.NoticeConfig{OnlyError: true}

	if _, ok := Compose(&cfg, notice, Report{Type: "iobroker", Started: started}, nil); ok {
		t.Error("expected no message for a successful run with onlyError")
	}
	if _, ok := Compose(&cfg, notice, Report{Type: "iobroker", Errors: map[string]string{"mysql": "x"}}, nil); !ok {
		t.Error("expected a message for a failed run with onlyError")
	}
}

func TestCompose_FailureOrderAndRedaction(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Services.MySQL.Password = "s3cr3t"
	cfg.Storage.FTP.Password = "p.a*ss"

	report := Report{Type: "iobroker", Errors: map[string]string{
		"ftp":   "login p.a*ss rejected",
		"mysql": "mysqldump: access denied for root using s3cr3t",
		"hooks": "pre-backup hook failed",
		"alpha": "unknown module",
	}}
	got, _ := Compose(&cfg, cfg.Notifications.Signal.NoticeConfig, report, []string{"iobroker", "mysql", "ftp"})

	want := "PGL-Backitup:\nYour backup was not completely created. Please check the errors!!\n" +
		"\nmysql: mysqldump: access denied for root using ****" +
		"\nftp: login **** rejected" +
		"\nalpha: unknown module" +
		"\nhooks: pre-backup hook failed"
	if got != want {
		t.Errorf("unexpected message:\n got: %q\nwant: %q", got, want)
	}
}

func TestRedact(t *testing.T) {
	testCases := []struct {
		name    string
		text    string
		secrets []string
		want    string
	}{
		{"Every occurrence", "a secret and a secret", []string{"secret"}, "a **** and a ****"},
		{"Regex metacharacters", "pass (a+b)* used", []string{"(a+b)*"}, "pass **** used"},
		{"Longest first", "token abc123", []string{"abc", "abc123"}, "token ****"},
		{"Empty secret ignored", "nothing", []string{""}, "nothing"},
		{"Replacement with dollar", "x$1y", []string{"x"}, "****$1y"},
		{"Secret inside the mask ignored", "pw ** and secret", []string{"**", "secret"}, "pw ** and ****"},
		{"Adjacent secrets", "user=adminadmin2", []string{"admin", "admin2"}, "user=********"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Redact(tc.text, tc.secrets)
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
			if again := Redact(got, tc.secrets); again != got {
				t.Errorf("redaction is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestModule_SendsThroughChannels(t *testing.T) {
	var signalBody, telegramPath string
	var telegramBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		switch {
		case r.URL.Path == "/v2/send":
			signalBody = string(data)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			telegramPath = r.URL.Path
			json.Unmarshal(data, &telegramBody)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := config.NewDefault()
	cfg.Notifications.Signal = config.SignalConfig{
		NoticeConfig: config.NoticeConfig{Enabled: true, NoticeType: config.NoticeShort},
		URL:          srv.URL, Number: "+4912345",
	}
	cfg.Notifications.Telegram = config.TelegramConfig{
		NoticeConfig: config.NoticeConfig{Enabled: true, NoticeType: config.NoticeShort},
		APIURL:       srv.URL, Token: "123:abc", ChatID: "42",
	}

	rc := runctx.New("iobroker", t.TempDir(), started)
	rc.Fail("grafana", "search failed for key 123:abc")

	for _, m := range []*Module{NewSignalModule(srv.Client(), nil), NewTelegramModule(srv.Client(), nil)} {
		if !m.Enabled(&cfg) {
			t.Fatalf("expected %s to be enabled", m.name)
		}
		if !m.Descriptor().AfterBackup || !m.Descriptor().IgnoreErrors {
			t.Errorf("expected %s to be an ignoring after-backup module", m.name)
		}
		if err := m.Execute(context.Background(), &cfg, rc); err != nil {
			t.Fatalf("%s failed: %v", m.name, err)
		}
	}

	if !strings.Contains(signalBody, `"number":"+4912345"`) || !strings.Contains(signalBody, "grafana: search failed for key ****") {
		t.Errorf("unexpected signal body: %s", signalBody)
	}
	if telegramPath != "/bot123:abc/sendMessage" || telegramBody["chat_id"] != "42" {
		t.Errorf("unexpected telegram request: %s %v", telegramPath, telegramBody)
	}
}

func TestModule_DeliveryFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.NewDefault()
	cfg.Notifications.Signal = config.SignalConfig{NoticeConfig: config.NoticeConfig{Enabled: true}, URL: srv.URL, Number: "+1"}

	m := NewSignalModule(srv.Client(), nil)
	if err := m.Execute(context.Background(), &cfg, runctx.New("iobroker", t.TempDir(), started)); err != nil {
		t.Errorf("expected delivery failure to be swallowed, got %v", err)
	}
}

func TestModule_WaitHonoursContext(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Notifications.Signal.Enabled = true
	cfg.Notifications.Signal.WaitingSeconds = 60

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewSignalModule(http.DefaultClient, nil)
	err := m.Execute(ctx, &cfg, runctx.New("iobroker", t.TempDir(), started))
	if !hints.IsHint(err) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected a cancelled wait to be a hint wrapping context.Canceled, got %v", err)
	}
}
