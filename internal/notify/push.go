package notify

// This file provides the HTTP push channels, Pushover and Pushbullet. Both
// send one request per message, honour the caller's context and report
// non-2xx answers as *ProviderError so the poll loop can log the provider's
// reason.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/slot-hunter/internal/sysutil"
)

const (
	defaultPushoverURL   = "https://api.pushover.net/1/messages.json"
	defaultPushbulletURL = "https://api.pushbullet.com/v2/pushes"
	defaultTimeout       = 15 * time.Second
)

// PushConfig configures the HTTP push providers.
type PushConfig struct {
	Token      string // application token (Pushover) or access token (Pushbullet)
	User       string // Pushover user key
	Endpoint   string // override for tests and self-hosted relays
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c PushConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	t := c.Timeout
	if t <= 0 {
		t = defaultTimeout
	}
	return &http.Client{Timeout: t}
}

// PushoverSender posts messages to the Pushover API.
type PushoverSender struct {
	token    string
	user     string
	endpoint string
	http     *http.Client
}

// NewPushoverSender validates cfg and builds a Pushover sender. Token is the
// application token and User the recipient's user key; both are required.
func NewPushoverSender(cfg PushConfig) (*PushoverSender, error) {
	if strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.User) == "" {
		return nil, errors.New("notify: pushover token and user key are required")
	}
	return &PushoverSender{
		token:    cfg.Token,
		user:     cfg.User,
		endpoint: sysutil.FirstNonEmpty(cfg.Endpoint, defaultPushoverURL),
		http:     cfg.client(),
	}, nil
}

// Send posts msg as a form-encoded Pushover message.
//
// Behavior:
//   - An empty title falls back to DefaultTitle.
//   - msg.Priority is sent as Pushover's priority field.
//   - A non-2xx answer is returned as *ProviderError carrying the status.
func (s *PushoverSender) Send(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("token", s.token)
	form.Set("user", s.user)
	form.Set("title", titleOr(msg.Title))
	form.Set("message", msg.Body)
	form.Set("priority", strconv.Itoa(int(msg.Priority)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return post(s.http, req, "pushover")
}

// PushbulletSender creates "note" pushes through the Pushbullet API.
type PushbulletSender struct {
	token    string
	endpoint string
	http     *http.Client
}

// NewPushbulletSender validates cfg and builds a Pushbullet sender. Token is
// the account access token.
func NewPushbulletSender(cfg PushConfig) (*PushbulletSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: pushbullet access token is required")
	}
	return &PushbulletSender{
		token:    cfg.Token,
		endpoint: sysutil.FirstNonEmpty(cfg.Endpoint, defaultPushbulletURL),
		http:     cfg.client(),
	}, nil
}

// Send creates a Pushbullet "note" push with msg's title and body.
// Pushbullet has no priority, so msg.Priority is ignored.
func (s *PushbulletSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(struct {
		Type  string `json:"type"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}{"note", titleOr(msg.Title), msg.Body})
	if err != nil {
		return fmt.Errorf("notify: pushbullet marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: pushbullet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", s.token)
	return post(s.http, req, "pushbullet")
}

// post executes req and maps any non-2xx answer to a *ProviderError.
func post(c *http.Client, req *http.Request, provider string) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s: %w", provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &ProviderError{Provider: provider, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
