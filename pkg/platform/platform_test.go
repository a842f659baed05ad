package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestNew(t *testing.T) {
	testCases := []struct {
		controller string
		want       string
		wantErr    bool
	}{
		{config.ControllerSystemd, "*platform.Systemd", false},
		{config.ControllerCommand, "*platform.Command", false},
		{config.ControllerNone, "platform.None", false},
		{"init.d", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.controller, func(t *testing.T) {
			c, err := New(config.PlatformConfig{Controller: tc.controller, Unit: "iobroker.service"}, command.NewRunner(nil))
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if err == nil {
				if got := fmt.Sprintf("%T", c); got != tc.want {
					t.Errorf("expected %s, got %s", tc.want, got)
				}
			}
		})
	}
}

func TestWaitJob(t *testing.T) {
	job := func(result string, err error) unitJob {
		return func(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
			if err != nil {
				return 0, err
			}
			if name != "iobroker.service" || mode != "replace" {
				return 0, errors.New("unexpected arguments")
			}
			ch <- result
			return 1, nil
		}
	}

	if err := waitJob(context.Background(), job("done", nil), "iobroker.service", "stop"); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if err := waitJob(context.Background(), job("failed", nil), "iobroker.service", "stop"); err == nil || !strings.Contains(err.Error(), "job failed") {
		t.Errorf("expected job failure, got %v", err)
	}
	if err := waitJob(context.Background(), job("", errors.New("access denied")), "iobroker.service", "start"); err == nil {
		t.Error("expected dbus error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	never := func(ctx context.Context, name, mode string, ch chan<- string) (int, error) { return 1, nil }
	if err := waitJob(ctx, never, "iobroker.service", "start"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh redirection")
	}
	marker := filepath.Join(t.TempDir(), "state")
	c := &Command{
		Runner:       command.NewRunner(nil),
		StopCommand:  "echo stopped > " + marker,
		StartCommand: "echo started >> " + marker,
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	data, _ := os.ReadFile(marker)
	if string(data) != "stopped\nstarted\n" {
		t.Errorf("unexpected marker content %q", data)
	}
}
