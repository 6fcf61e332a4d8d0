// Package gateway holds the thin clients for external delivery providers:
// the SMTP mail relay and the HTTP SMS aggregator. Adapters never panic
// and never throw past the SendResult — every failure mode, including a
// provider returning garbage, comes back as a value the caller can log
// and persist.
package gateway

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Failure taxonomy. Transport errors are network/HTTP-level failures;
// protocol errors mean the provider answered but with something we could
// not interpret. Both are handled identically downstream (FAILED ledger
// row), the split exists for operator diagnostics.
var (
	ErrTransport = errors.New("gateway transport error")
	ErrProtocol  = errors.New("gateway protocol error")
)

// SendResult is the outcome of one physical provider call.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Cost              *float64
	Err               error
}

func failure(err error) SendResult {
	return SendResult{Err: err}
}

// Renderer decorates a plain message body into branded HTML. The real
// implementation lives with the template/branding module; the dispatcher
// consumes it as an opaque capability.
type Renderer interface {
	Render(title, body string) string
}

// PlainRenderer is the fallback when no branding renderer is wired in.
type PlainRenderer struct{}

func (PlainRenderer) Render(title, body string) string {
	return fmt.Sprintf("<html><body><h2>%s</h2><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(body))
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// htmlToText derives the plain-text alternative for multipart mail.
// Good enough for transactional bodies; not a general HTML parser.
func htmlToText(s string) string {
	text := tagPattern.ReplaceAllString(s, " ")
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
