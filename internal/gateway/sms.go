package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/settings"
)

// maxSnippet bounds how much of a malformed provider response is carried
// into error messages and ledger rows.
const maxSnippet = 200

// SMSSettings resolves aggregator configuration. Satisfied by *settings.Store.
type SMSSettings interface {
	SMSConfig(ctx context.Context) (*settings.SMSConfig, error)
}

// SMSAdapter sends messages through the third-party SMS aggregator: a
// form-encoded POST whose response body is JSON with a `code` field,
// 0 meaning accepted. Aggregator outages tend to answer with HTML error
// pages, so a body that fails to parse is an expected failure mode.
type SMSAdapter struct {
	settings SMSSettings
	client   *http.Client
	logger   *zap.Logger
}

// NewSMSAdapter creates an SMS adapter.
func NewSMSAdapter(st SMSSettings, logger *zap.Logger) *SMSAdapter {
	return &SMSAdapter{
		settings: st,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Code is a pointer so an absent field is distinguishable from a
// literal 0; only an explicit 0 means accepted.
type smsResponse struct {
	Code      *int     `json:"code"`
	Message   string   `json:"message"`
	MessageID string   `json:"messageId"`
	ID        string   `json:"id"`
	Cost      *float64 `json:"cost"`
}

// bodySnippet bounds a provider response body for logs and ledger rows,
// trimming any rune cut in half at the boundary.
func bodySnippet(body []byte) string {
	snippet := string(body)
	if len(snippet) > maxSnippet {
		snippet = strings.ToValidUTF8(snippet[:maxSnippet], "")
	}
	return snippet
}

// Send performs one aggregator call.
func (a *SMSAdapter) Send(ctx context.Context, phoneNumber, message string) SendResult {
	cfg, err := a.settings.SMSConfig(ctx)
	if err != nil {
		if errors.Is(err, settings.ErrConfigurationMissing) {
			a.logger.Info("sms gateway not configured, skipping send",
				zap.String("recipient", phoneNumber),
			)
			return failure(err)
		}
		return failure(fmt.Errorf("%w: resolve sms config: %v", ErrTransport, err))
	}

	form := url.Values{}
	form.Set("username", cfg.Username)
	form.Set("password", cfg.Password)
	form.Set("destination", phoneNumber)
	form.Set("source", cfg.SenderID)
	form.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return failure(fmt.Errorf("%w: build request: %v", ErrTransport, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("sms gateway request failed",
			zap.Error(err),
			zap.String("recipient", phoneNumber),
		)
		return failure(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return failure(fmt.Errorf("%w: read response: %v", ErrTransport, err))
	}

	var parsed smsResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		snippet := bodySnippet(bodyBytes)
		a.logger.Error("sms gateway returned non-JSON response",
			zap.Int("http_status", resp.StatusCode),
			zap.String("body_snippet", snippet),
			zap.String("recipient", phoneNumber),
		)
		return failure(fmt.Errorf("%w: http %d, unparseable body: %q",
			ErrProtocol, resp.StatusCode, snippet))
	}

	if parsed.Code == nil {
		snippet := bodySnippet(bodyBytes)
		a.logger.Error("sms gateway response has no status code",
			zap.Int("http_status", resp.StatusCode),
			zap.String("body_snippet", snippet),
			zap.String("recipient", phoneNumber),
		)
		return failure(fmt.Errorf("%w: http %d, no status code in body: %q",
			ErrProtocol, resp.StatusCode, snippet))
	}

	if *parsed.Code != 0 {
		msg := parsed.Message
		if msg == "" {
			msg = fmt.Sprintf("provider code %d", *parsed.Code)
		}
		a.logger.Warn("sms rejected by gateway",
			zap.Int("provider_code", *parsed.Code),
			zap.String("provider_message", parsed.Message),
			zap.String("recipient", phoneNumber),
		)
		return failure(fmt.Errorf("%w: %s", ErrTransport, msg))
	}

	messageID := parsed.MessageID
	if messageID == "" {
		messageID = parsed.ID
	}

	a.logger.Info("sms sent",
		zap.String("recipient", phoneNumber),
		zap.String("provider_message_id", messageID),
	)

	return SendResult{
		Success:           true,
		ProviderMessageID: messageID,
		Cost:              parsed.Cost,
	}
}
