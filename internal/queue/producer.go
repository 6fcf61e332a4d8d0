// Package queue implements the durable Postgres-backed job queue: a
// producer that enqueues single sends and batched campaigns, and
// per-channel worker pools that drain them. Jobs survive restarts; a
// crashed worker's job goes stale and is claimed again by a live worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/metrics"
	"github.com/sahajm/courier/internal/settings"
)

// ErrQueueDisabled is returned when the operator has switched the queue
// off in the settings store.
var ErrQueueDisabled = errors.New("queue disabled")

// EmailJob is the payload of an email queue job. Single sends carry one
// recipient and no batch fields; campaign batches carry many recipients
// plus their position in the campaign.
type EmailJob struct {
	Recipients   []string   `json:"recipients"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	CampaignID   *uuid.UUID `json:"campaign_id,omitempty"`
	BatchNumber  int        `json:"batch_number,omitempty"`
	TotalBatches int        `json:"total_batches,omitempty"`
}

// SMSJob is the payload of an SMS queue job.
type SMSJob struct {
	Recipients   []string   `json:"recipients"`
	Message      string     `json:"message"`
	CampaignID   *uuid.UUID `json:"campaign_id,omitempty"`
	BatchNumber  int        `json:"batch_number,omitempty"`
	TotalBatches int        `json:"total_batches,omitempty"`
}

func (j EmailJob) batch() bool { return j.BatchNumber > 0 }
func (j SMSJob) batch() bool   { return j.BatchNumber > 0 }

// Enqueuer is the persistence surface the producer needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *db.Job) error
}

// QueueSettings reads queue tuning from the settings store.
type QueueSettings interface {
	QueueConfig(ctx context.Context) settings.QueueConfig
}

// Producer enqueues delivery jobs.
type Producer struct {
	repo   Enqueuer
	store  QueueSettings
	logger *zap.Logger
}

// NewProducer creates a producer.
func NewProducer(repo Enqueuer, store QueueSettings, logger *zap.Logger) *Producer {
	return &Producer{repo: repo, store: store, logger: logger}
}

// EnqueueEmail enqueues one email as a single job.
func (p *Producer) EnqueueEmail(ctx context.Context, to, subject, body string) (*db.Job, error) {
	return p.enqueue(ctx, db.ChannelEmail, EmailJob{
		Recipients: []string{to},
		Subject:    subject,
		Body:       body,
	})
}

// EnqueueSMS enqueues one SMS as a single job.
func (p *Producer) EnqueueSMS(ctx context.Context, phone, message string) (*db.Job, error) {
	return p.enqueue(ctx, db.ChannelSMS, SMSJob{
		Recipients: []string{phone},
		Message:    message,
	})
}

// EnqueueEmailCampaign splits a recipient list into batch jobs sized by
// the store's QUEUE_BATCH_SIZE and enqueues them all. Returns the number
// of jobs created.
func (p *Producer) EnqueueEmailCampaign(ctx context.Context, campaignID uuid.UUID, recipients []string, subject, body string) (int, error) {
	cfg := p.store.QueueConfig(ctx)
	if !cfg.Enabled {
		return 0, ErrQueueDisabled
	}

	batches := splitBatches(recipients, cfg.BatchSize)
	for i, batch := range batches {
		_, err := p.enqueue(ctx, db.ChannelEmail, EmailJob{
			Recipients:   batch,
			Subject:      subject,
			Body:         body,
			CampaignID:   &campaignID,
			BatchNumber:  i + 1,
			TotalBatches: len(batches),
		})
		if err != nil {
			return i, fmt.Errorf("enqueue batch %d/%d: %w", i+1, len(batches), err)
		}
	}

	p.logger.Info("email campaign enqueued",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("recipients", len(recipients)),
		zap.Int("batches", len(batches)),
	)
	return len(batches), nil
}

// EnqueueSMSCampaign is the SMS twin of EnqueueEmailCampaign.
func (p *Producer) EnqueueSMSCampaign(ctx context.Context, campaignID uuid.UUID, recipients []string, message string) (int, error) {
	cfg := p.store.QueueConfig(ctx)
	if !cfg.Enabled {
		return 0, ErrQueueDisabled
	}

	batches := splitBatches(recipients, cfg.BatchSize)
	for i, batch := range batches {
		_, err := p.enqueue(ctx, db.ChannelSMS, SMSJob{
			Recipients:   batch,
			Message:      message,
			CampaignID:   &campaignID,
			BatchNumber:  i + 1,
			TotalBatches: len(batches),
		})
		if err != nil {
			return i, fmt.Errorf("enqueue batch %d/%d: %w", i+1, len(batches), err)
		}
	}

	p.logger.Info("sms campaign enqueued",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("recipients", len(recipients)),
		zap.Int("batches", len(batches)),
	)
	return len(batches), nil
}

func (p *Producer) enqueue(ctx context.Context, channel db.Channel, payload any) (*db.Job, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	job := &db.Job{
		ID:      uuid.New(),
		Channel: channel,
		Payload: encoded,
		Status:  db.JobPending,
	}
	if err := p.repo.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.RecordJobEnqueued(string(channel))
	return job, nil
}

func splitBatches(recipients []string, size int) [][]string {
	if size <= 0 {
		size = 50
	}
	var batches [][]string
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end])
	}
	return batches
}
