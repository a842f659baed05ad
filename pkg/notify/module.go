package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

// Module sends the run summary through one channel after the backup.
type Module struct {
	name      string
	notice    func(cfg *config.Config) config.NoticeConfig
	messenger func(cfg *config.Config) Messenger
	order     func() []string
	wait      func(ctx context.Context, d time.Duration) error
}

// NewSignalModule returns the "signal" module. order supplies the module
// execution order used to list failures.
func NewSignalModule(client *http.Client, order func() []string) *Module {
	return &Module{
		name:      "signal",
		notice:    func(cfg *config.Config) config.NoticeConfig { return cfg.Notifications.Signal.NoticeConfig },
		messenger: func(cfg *config.Config) Messenger { return NewSignal(client, cfg.Notifications.Signal) },
		order:     order,
		wait:      sleep,
	}
}

// NewTelegramModule returns the "telegram" module.
func NewTelegramModule(client *http.Client, order func() []string) *Module {
	return &Module{
		name:      "telegram",
		notice:    func(cfg *config.Config) config.NoticeConfig { return cfg.Notifications.Telegram.NoticeConfig },
		messenger: func(cfg *config.Config) Messenger { return NewTelegram(client, cfg.Notifications.Telegram) },
		order:     order,
		wait:      sleep,
	}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: m.name, IgnoreErrors: true, AfterBackup: true}
}

func (m *Module) Enabled(cfg *config.Config) bool {
	return m.notice(cfg).Enabled
}

// Execute waits the configured delay, then sends once. Delivery problems are
// logged and never fail the run.
func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	notice := m.notice(cfg)
	if err := m.wait(ctx, time.Duration(notice.WaitingSeconds)*time.Second); err != nil {
		plog.Warn("Notification wait interrupted, not sending", "channel", m.name, "error", err)
		return hints.Wrap(fmt.Errorf("%s notification not sent: %w", m.name, err))
	}

	var order []string
	if m.order != nil {
		order = m.order()
	}
	text, ok := Compose(cfg, notice, Report{Type: rc.Type, Started: rc.Started, Errors: rc.Errors()}, order)
	if !ok {
		plog.Debug("Run succeeded and only errors are reported, not sending", "channel", m.name)
		return nil
	}

	if err := m.messenger(cfg).Send(ctx, text); err != nil {
		plog.Warn("Failed to deliver notification", "channel", m.name, "error", Redact(err.Error(), cfg.Secrets()))
		return nil
	}
	plog.Info("Notification sent", "channel", m.name)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
