package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/sahajm/courier/internal/settings"
)

// MailSettings resolves relay configuration. Satisfied by *settings.Store.
type MailSettings interface {
	MailConfig(ctx context.Context) (*settings.MailConfig, error)
}

// MailAdapter sends transactional email through the configured SMTP
// relay. Credentials are resolved from the settings store on every send,
// so rotated credentials apply immediately.
type MailAdapter struct {
	settings MailSettings
	renderer Renderer
	logger   *zap.Logger

	// dial is swappable for tests; production uses gomail.
	dial func(cfg *settings.MailConfig, m *gomail.Message) error
}

// NewMailAdapter creates a mail adapter. A nil renderer falls back to
// PlainRenderer.
func NewMailAdapter(st MailSettings, renderer Renderer, logger *zap.Logger) *MailAdapter {
	if renderer == nil {
		renderer = PlainRenderer{}
	}
	return &MailAdapter{
		settings: st,
		renderer: renderer,
		logger:   logger,
		dial:     dialAndSend,
	}
}

func dialAndSend(cfg *settings.MailConfig, m *gomail.Message) error {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	switch cfg.Encryption {
	case "tls", "ssl":
		d.SSL = true
	case "starttls":
		d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	return d.DialAndSend(m)
}

// Send renders the body to HTML, derives a plain-text fallback, and
// performs one relay call. Missing configuration is a skip outcome, not
// an error worth a FAILED ledger row.
func (a *MailAdapter) Send(ctx context.Context, to, subject, title, body string) SendResult {
	cfg, err := a.settings.MailConfig(ctx)
	if err != nil {
		if errors.Is(err, settings.ErrConfigurationMissing) {
			a.logger.Info("mail relay not configured, skipping send",
				zap.String("recipient", to),
			)
			return failure(err)
		}
		return failure(fmt.Errorf("%w: resolve mail config: %v", ErrTransport, err))
	}

	htmlBody := a.renderer.Render(title, body)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", cfg.FromAddress, cfg.FromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", htmlToText(htmlBody))
	m.AddAlternative("text/html", htmlBody)

	if err := a.dial(cfg, m); err != nil {
		a.logger.Error("mail relay send failed",
			zap.Error(err),
			zap.String("recipient", to),
			zap.String("relay", cfg.Host),
		)
		return failure(fmt.Errorf("%w: %v", ErrTransport, err))
	}

	a.logger.Info("email sent",
		zap.String("recipient", to),
		zap.String("subject", subject),
	)

	return SendResult{Success: true}
}
