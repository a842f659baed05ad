package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Messenger delivers one plain text message.
type Messenger interface {
	Send(ctx context.Context, text string) error
}

// Signal sends through the REST API of signal-cli.
type Signal struct {
	client *http.Client
	cfg    config.SignalConfig
}

func NewSignal(client *http.Client, cfg config.SignalConfig) *Signal {
	return &Signal{client: client, cfg: cfg}
}

func (s *Signal) Send(ctx context.Context, text string) error {
	body := struct {
		Message    string   `json:"message"`
		Number     string   `json:"number"`
		Recipients []string `json:"recipients"`
	}{Message: text, Number: s.cfg.Number, Recipients: s.cfg.Recipients}
	if len(body.Recipients) == 0 {
		body.Recipients = []string{s.cfg.Number}
	}
	return postJSON(ctx, s.client, strings.TrimRight(s.cfg.URL, "/")+"/v2/send", body)
}

// Telegram sends through the bot API.
type Telegram struct {
	client *http.Client
	cfg    config.TelegramConfig
}

func NewTelegram(client *http.Client, cfg config.TelegramConfig) *Telegram {
	return &Telegram{client: client, cfg: cfg}
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	api := t.cfg.APIURL
	if api == "" {
		api = defaultTelegramAPI
	}
	body := struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}{ChatID: t.cfg.ChatID, Text: text}
	return postJSON(ctx, t.client, strings.TrimRight(api, "/")+"/bot"+t.cfg.Token+"/sendMessage", body)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
