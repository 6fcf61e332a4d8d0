package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/gateway"
	"github.com/sahajm/courier/internal/settings"
)

// MailSender mirrors the dispatch-side mail interface to avoid a
// circular import.
type MailSender interface {
	Send(ctx context.Context, to, subject, title, body string) gateway.SendResult
}

// SMSSender mirrors the dispatch-side SMS interface.
type SMSSender interface {
	Send(ctx context.Context, phoneNumber, message string) gateway.SendResult
}

// ProtectedMailSender wraps a mail adapter with a circuit breaker.
// A missing-configuration skip is neither success nor failure; it must
// not trip a breaker guarding a provider that was never called.
type ProtectedMailSender struct {
	inner   MailSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedMailSender wraps a mail sender with breaker protection.
func NewProtectedMailSender(inner MailSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedMailSender {
	return &ProtectedMailSender{inner: inner, breaker: breaker, logger: logger}
}

func (p *ProtectedMailSender) Send(ctx context.Context, to, subject, title, body string) gateway.SendResult {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected mail send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("recipient", to),
			zap.String("state", p.breaker.GetState().String()),
		)
		return gateway.SendResult{Err: fmt.Errorf("%w: mail relay unavailable", ErrCircuitOpen)}
	}

	result := p.inner.Send(ctx, to, subject, title, body)
	record(p.breaker, result)
	return result
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedMailSender) Breaker() *CircuitBreaker {
	return p.breaker
}

// ProtectedSMSSender wraps an SMS adapter with a circuit breaker.
type ProtectedSMSSender struct {
	inner   SMSSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSMSSender wraps an SMS sender with breaker protection.
func NewProtectedSMSSender(inner SMSSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSMSSender {
	return &ProtectedSMSSender{inner: inner, breaker: breaker, logger: logger}
}

func (p *ProtectedSMSSender) Send(ctx context.Context, phoneNumber, message string) gateway.SendResult {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected sms send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("recipient", phoneNumber),
			zap.String("state", p.breaker.GetState().String()),
		)
		return gateway.SendResult{Err: fmt.Errorf("%w: sms gateway unavailable", ErrCircuitOpen)}
	}

	result := p.inner.Send(ctx, phoneNumber, message)
	record(p.breaker, result)
	return result
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedSMSSender) Breaker() *CircuitBreaker {
	return p.breaker
}

func record(breaker *CircuitBreaker, result gateway.SendResult) {
	switch {
	case result.Success:
		breaker.RecordSuccess()
	case errors.Is(result.Err, settings.ErrConfigurationMissing):
		// no provider call happened
	default:
		breaker.RecordFailure()
	}
}
