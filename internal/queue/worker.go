package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/gateway"
	"github.com/sahajm/courier/internal/metrics"
	"github.com/sahajm/courier/internal/ratelimit"
	"github.com/sahajm/courier/internal/settings"
)

// Repository is the persistence surface the workers need.
type Repository interface {
	ClaimJob(ctx context.Context, channel db.Channel) (*db.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, attempt int) error
	RetryJob(ctx context.Context, id uuid.UUID, attempt int, lastError string, nextRetryAt time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, attempt int, lastError string) error
	RecordEmailDelivery(ctx context.Context, msg *db.EmailMessage) error
	RecordSMSDelivery(ctx context.Context, msg *db.SMSMessage) error
}

// MailSender sends one email. Mirrors the coordinator-side interface so
// the worker pool can take the same breaker-wrapped adapter.
type MailSender interface {
	Send(ctx context.Context, to, subject, title, body string) gateway.SendResult
}

// SMSSender sends one SMS.
type SMSSender interface {
	Send(ctx context.Context, phoneNumber, message string) gateway.SendResult
}

// retrySchedule is the backoff between execution attempts. attempt 1
// retries after 1 minute, attempt 2 after 5, attempt 3 after 15.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retrySchedule) {
		attempt = len(retrySchedule)
	}
	return retrySchedule[attempt-1]
}

// PoolConfig configures one per-channel worker pool.
type PoolConfig struct {
	Channel      db.Channel
	Workers      int
	PollInterval time.Duration
	MaxRetries   int
}

// Pool is a fixed-size set of workers draining one channel's jobs. All
// workers share the channel's rate limiter, so the pacing cap holds for
// the channel as a whole, not per goroutine.
type Pool struct {
	cfg     PoolConfig
	repo    Repository
	store   QueueSettings
	mail    MailSender
	sms     SMSSender
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewPool creates a worker pool for one channel.
func NewPool(
	cfg PoolConfig,
	repo Repository,
	store QueueSettings,
	mail MailSender,
	sms SMSSender,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	return &Pool{
		cfg:     cfg,
		repo:    repo,
		store:   store,
		mail:    mail,
		sms:     sms,
		limiter: limiter,
		logger:  logger.With(zap.String("channel", string(cfg.Channel))),
	}
}

// Start launches the workers and blocks until the context is cancelled
// and every worker has finished its current job.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool starting",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.repo.ClaimJob(ctx, p.cfg.Channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim job", zap.Error(err))
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.process(ctx, job, logger)

		if delay := p.store.QueueConfig(ctx).JobDelay; delay > 0 {
			sleep(ctx, delay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process executes one claimed job. Single jobs propagate their failure
// to the queue's retry machinery; batch jobs absorb per-recipient
// failures into ledger rows and always complete.
func (p *Pool) process(ctx context.Context, job *db.Job, logger *zap.Logger) {
	metrics.WorkerBusy(string(p.cfg.Channel), 1)
	defer metrics.WorkerBusy(string(p.cfg.Channel), -1)

	attempt := job.Attempt + 1
	logger = logger.With(
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", attempt),
	)

	var err error
	switch job.Channel {
	case db.ChannelEmail:
		err = p.processEmail(ctx, job, logger)
	case db.ChannelSMS:
		err = p.processSMS(ctx, job, logger)
	default:
		err = terminalError{fmt.Errorf("unroutable channel %q", job.Channel)}
	}

	if err == nil {
		if err := p.repo.CompleteJob(ctx, job.ID, attempt); err != nil {
			logger.Error("failed to mark job completed", zap.Error(err))
		}
		metrics.RecordJobProcessed(string(p.cfg.Channel), "completed")
		return
	}

	var terminal terminalError
	if errors.As(err, &terminal) || attempt >= p.cfg.MaxRetries {
		if failErr := p.repo.FailJob(ctx, job.ID, attempt, err.Error()); failErr != nil {
			logger.Error("failed to mark job failed", zap.Error(failErr))
		}
		metrics.RecordJobProcessed(string(p.cfg.Channel), "failed")
		return
	}

	nextRetry := time.Now().Add(backoffDelay(attempt))
	logger.Warn("job failed, scheduling retry",
		zap.Error(err),
		zap.Time("next_retry_at", nextRetry),
	)
	if retryErr := p.repo.RetryJob(ctx, job.ID, attempt, err.Error(), nextRetry); retryErr != nil {
		logger.Error("failed to schedule retry", zap.Error(retryErr))
	}
	metrics.RecordJobProcessed(string(p.cfg.Channel), "retried")
}

// terminalError marks failures that retrying cannot fix.
type terminalError struct{ err error }

func (t terminalError) Error() string { return t.err.Error() }
func (t terminalError) Unwrap() error { return t.err }

func (p *Pool) processEmail(ctx context.Context, job *db.Job, logger *zap.Logger) error {
	var payload EmailJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return terminalError{fmt.Errorf("decode email payload: %w", err)}
	}
	if len(payload.Recipients) == 0 {
		return terminalError{errors.New("email job has no recipients")}
	}

	var sent, failed, skipped int
	var firstErr error

	for _, to := range payload.Recipients {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		result := p.mail.Send(ctx, to, payload.Subject, payload.Subject, payload.Body)

		if errors.Is(result.Err, settings.ErrConfigurationMissing) {
			skipped++
			continue
		}

		msg := &db.EmailMessage{
			Recipient:         to,
			Subject:           payload.Subject,
			ProviderMessageID: optional(result.ProviderMessageID),
			CampaignID:        payload.CampaignID,
			IsBulk:            payload.batch(),
		}
		stamp(msg, result)
		if err := p.repo.RecordEmailDelivery(ctx, msg); err != nil {
			logger.Error("failed to record email delivery", zap.Error(err))
		}
		metrics.RecordDelivery(string(db.ChannelEmail), statusLabel(result), time.Since(start))

		if result.Success {
			sent++
		} else {
			failed++
			if firstErr == nil {
				firstErr = result.Err
			}
		}
	}

	return finish(payload.batch(), payload.BatchNumber, payload.TotalBatches, sent, failed, skipped, firstErr, logger)
}

func (p *Pool) processSMS(ctx context.Context, job *db.Job, logger *zap.Logger) error {
	var payload SMSJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return terminalError{fmt.Errorf("decode sms payload: %w", err)}
	}
	if len(payload.Recipients) == 0 {
		return terminalError{errors.New("sms job has no recipients")}
	}

	var sent, failed, skipped int
	var firstErr error

	for _, phone := range payload.Recipients {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		result := p.sms.Send(ctx, phone, payload.Message)

		if errors.Is(result.Err, settings.ErrConfigurationMissing) {
			skipped++
			continue
		}

		msg := &db.SMSMessage{
			Recipient:         phone,
			Message:           payload.Message,
			ProviderMessageID: optional(result.ProviderMessageID),
			Cost:              result.Cost,
			CampaignID:        payload.CampaignID,
			IsBulk:            payload.batch(),
		}
		stampSMS(msg, result)
		if err := p.repo.RecordSMSDelivery(ctx, msg); err != nil {
			logger.Error("failed to record sms delivery", zap.Error(err))
		}
		metrics.RecordDelivery(string(db.ChannelSMS), statusLabel(result), time.Since(start))

		if result.Success {
			sent++
		} else {
			failed++
			if firstErr == nil {
				firstErr = result.Err
			}
		}
	}

	return finish(payload.batch(), payload.BatchNumber, payload.TotalBatches, sent, failed, skipped, firstErr, logger)
}

// finish decides the job's fate. A batch job is done once every
// recipient got its turn, whatever the outcomes; a single job surfaces
// its failure so the queue can retry it.
func finish(batch bool, batchNumber, totalBatches, sent, failed, skipped int, firstErr error, logger *zap.Logger) error {
	if batch {
		logger.Info("batch processed",
			zap.Int("batch", batchNumber),
			zap.Int("total_batches", totalBatches),
			zap.Int("sent", sent),
			zap.Int("failed", failed),
			zap.Int("skipped", skipped),
		)
		return nil
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

func statusLabel(result gateway.SendResult) string {
	if result.Success {
		return "sent"
	}
	return "failed"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stamp(msg *db.EmailMessage, result gateway.SendResult) {
	now := time.Now()
	if result.Success {
		msg.Status = db.DeliverySent
		msg.SentAt = &now
		return
	}
	msg.Status = db.DeliveryFailed
	msg.FailedAt = &now
	if result.Err != nil {
		text := result.Err.Error()
		msg.ErrorMessage = &text
	}
}

func stampSMS(msg *db.SMSMessage, result gateway.SendResult) {
	now := time.Now()
	if result.Success {
		msg.Status = db.DeliverySent
		msg.SentAt = &now
		return
	}
	msg.Status = db.DeliveryFailed
	msg.FailedAt = &now
	if result.Err != nil {
		text := result.Err.Error()
		msg.ErrorMessage = &text
	}
}
