package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	To        []string
	Host      string // API host override, e.g. a test server
}

// SendGridSender e-mails notifications through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   *mail.Email
	to     []*mail.Email
}

// NewSendGridSender creates a SendGrid sender.
func NewSendGridSender(cfg SendGridConfig) (*SendGridSender, error) {
	if cfg.APIKey == "" || cfg.FromEmail == "" || len(cfg.To) == 0 {
		return nil, errors.New("notify: sendgrid api key, sender and recipients are required")
	}
	if cfg.FromName == "" {
		cfg.FromName = DefaultTitle
	}
	client := sendgrid.NewSendClient(cfg.APIKey)
	if cfg.Host != "" {
		req := sendgrid.GetRequest(cfg.APIKey, "/v3/mail/send", strings.TrimRight(cfg.Host, "/"))
		req.Method = "POST"
		client = &sendgrid.Client{Request: req}
	}
	to := make([]*mail.Email, 0, len(cfg.To))
	for _, addr := range cfg.To {
		to = append(to, mail.NewEmail("", addr))
	}
	return &SendGridSender{
		client: client,
		from:   mail.NewEmail(cfg.FromName, cfg.FromEmail),
		to:     to,
	}, nil
}

// Send sends one e-mail to every recipient, with the slot lines as the plain
// text body and a minimal HTML rendering.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewV3Mail()
	m.SetFrom(s.from)
	m.Subject = titleOr(msg.Title)

	p := mail.NewPersonalization()
	p.AddTos(s.to...)
	m.AddPersonalizations(p)
	m.AddContent(
		mail.NewContent("text/plain", msg.Body),
		mail.NewContent("text/html", htmlBody(msg.Body)),
	)

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &ProviderError{Provider: "sendgrid", Status: resp.StatusCode, Body: strings.TrimSpace(resp.Body)}
	}
	return nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")

func htmlBody(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = htmlEscaper.Replace(l)
	}
	return "<p>" + strings.Join(lines, "<br>") + "</p>"
}
