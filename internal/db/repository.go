package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the dispatch pipeline:
// notification records, delivery ledgers, user lookups, templates, and
// the durable job queue.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification record. The channel set
// is frozen here; later status updates never touch it.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	channels, err := json.Marshal(notif.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, user_id, type, title, message, channels,
			status, data, scheduled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Type,
		notif.Title,
		notif.Message,
		channels,
		notif.Status,
		notif.Data,
		notif.ScheduledAt,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("type", notif.Type),
	)

	return nil
}

// GetNotification retrieves a notification record by ID.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT
			id, user_id, type, title, message, channels,
			status, data, scheduled_at, sent_at, read_at, created_at
		FROM notifications
		WHERE id = $1
	`

	var notif Notification
	var channels []byte
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Type,
		&notif.Title,
		&notif.Message,
		&channels,
		&notif.Status,
		&notif.Data,
		&notif.ScheduledAt,
		&notif.SentAt,
		&notif.ReadAt,
		&notif.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	if err := json.Unmarshal(channels, &notif.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}

	return &notif, nil
}

// FinalizeNotification moves a record to its terminal status after all
// channels have been attempted. sent_at is stamped regardless of outcome
// so operators can see when the attempt cycle finished.
func (r *Repository) FinalizeNotification(ctx context.Context, id uuid.UUID, status string) error {
	query := `
		UPDATE notifications
		SET status = $1, sent_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("finalize notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkNotificationRead stamps read_at once; re-reads are no-ops.
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET read_at = NOW()
		WHERE id = $1 AND read_at IS NULL
	`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// ListNotificationsByUser retrieves a user's notifications with pagination.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT
			id, user_id, type, title, message, channels,
			status, data, scheduled_at, sent_at, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		var channels []byte
		err := rows.Scan(
			&notif.ID,
			&notif.UserID,
			&notif.Type,
			&notif.Title,
			&notif.Message,
			&channels,
			&notif.Status,
			&notif.Data,
			&notif.ScheduledAt,
			&notif.SentAt,
			&notif.ReadAt,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal(channels, &notif.Channels); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// GetUser loads the profile slice the dispatcher needs.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, COALESCE(phone, ''), role, preferences
		FROM users
		WHERE id = $1
	`

	var user User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Phone,
		&user.Role,
		&user.Preferences,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// GetUsersByRole returns every user currently holding the role.
func (r *Repository) GetUsersByRole(ctx context.Context, role string) ([]*User, error) {
	query := `
		SELECT id, email, COALESCE(phone, ''), role, preferences
		FROM users
		WHERE role = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("query users by role: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Phone, &user.Role, &user.Preferences); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return users, nil
}

// GetTemplateByName returns the named template, active or not. Callers
// decide what an inactive template means.
func (r *Repository) GetTemplateByName(ctx context.Context, name string) (*Template, error) {
	query := `
		SELECT id, name, type, subject, body, channels, active
		FROM templates
		WHERE name = $1
	`

	var tmpl Template
	var channels []byte
	err := r.db.Pool().QueryRow(ctx, query, name).Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.Type,
		&tmpl.Subject,
		&tmpl.Body,
		&channels,
		&tmpl.Active,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	if err := json.Unmarshal(channels, &tmpl.Channels); err != nil {
		return nil, fmt.Errorf("decode template channels: %w", err)
	}

	return &tmpl, nil
}

// RecordEmailDelivery appends one row to the email delivery ledger.
// Campaign-linked sends go to the campaign table; everything else goes to
// the generic table. Rows are append-only and never updated.
func (r *Repository) RecordEmailDelivery(ctx context.Context, msg *EmailMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	table := "email_messages"
	if msg.CampaignID != nil {
		table = "campaign_email_messages"
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, recipient, subject, status, sent_at, failed_at,
			error_message, provider_message_id, campaign_id, is_bulk
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, table)

	err := r.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.Recipient,
		msg.Subject,
		msg.Status,
		msg.SentAt,
		msg.FailedAt,
		msg.ErrorMessage,
		msg.ProviderMessageID,
		msg.CampaignID,
		msg.IsBulk,
	).Scan(&msg.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert email delivery: %w", err)
	}

	return nil
}

// RecordSMSDelivery appends one row to the SMS delivery ledger, routing
// to the campaign table when a campaign id is present.
func (r *Repository) RecordSMSDelivery(ctx context.Context, msg *SMSMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	table := "sms_messages"
	if msg.CampaignID != nil {
		table = "campaign_sms_messages"
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, recipient, message, status, sent_at, failed_at,
			error_message, provider_message_id, cost, campaign_id, is_bulk
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, table)

	err := r.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.Recipient,
		msg.Message,
		msg.Status,
		msg.SentAt,
		msg.FailedAt,
		msg.ErrorMessage,
		msg.ProviderMessageID,
		msg.Cost,
		msg.CampaignID,
		msg.IsBulk,
	).Scan(&msg.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert sms delivery: %w", err)
	}

	return nil
}

// EnqueueJob inserts a job into the durable queue.
func (r *Repository) EnqueueJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, channel, payload, status, attempt)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.Channel,
		job.Payload,
		job.Status,
		job.Attempt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	r.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("channel", string(job.Channel)),
	)

	return nil
}

// staleClaimAfter is how long a job may sit in processing before it is
// considered abandoned. A crashed worker never updates its row again, so
// past this window the job becomes claimable by any live worker.
const staleClaimAfter = 5 * time.Minute

const claimJobQuery = `
	UPDATE jobs
	SET status = 'processing', updated_at = NOW()
	WHERE id = (
		SELECT id FROM jobs
		WHERE channel = $1
		  AND (
		      (status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
		      OR (status = 'processing' AND updated_at < NOW() - $2::interval)
		  )
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING id, channel, payload, status, attempt, last_error,
	          next_retry_at, created_at, updated_at
`

// ClaimJob atomically claims the oldest runnable job for a channel and
// marks it processing. SKIP LOCKED keeps concurrent workers from picking
// the same row; rows stuck in processing beyond staleClaimAfter are
// reclaimed so a crash never strands a job. Returns (nil, nil) when the
// queue is empty.
func (r *Repository) ClaimJob(ctx context.Context, channel Channel) (*Job, error) {
	var job Job
	err := r.db.Pool().QueryRow(ctx, claimJobQuery, channel, staleClaimAfter).Scan(
		&job.ID,
		&job.Channel,
		&job.Payload,
		&job.Status,
		&job.Attempt,
		&job.LastError,
		&job.NextRetryAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	return &job, nil
}

// CompleteJob marks a job completed.
func (r *Repository) CompleteJob(ctx context.Context, id uuid.UUID, attempt int) error {
	query := `
		UPDATE jobs
		SET status = 'completed', attempt = $1, updated_at = NOW()
		WHERE id = $2
	`

	if _, err := r.db.Pool().Exec(ctx, query, attempt, id); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RetryJob returns a failed execution to the queue with a backoff
// deadline. The queue owns retry policy; workers never loop themselves.
func (r *Repository) RetryJob(ctx context.Context, id uuid.UUID, attempt int, lastError string, nextRetryAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending', attempt = $1, last_error = $2,
		    next_retry_at = $3, updated_at = NOW()
		WHERE id = $4
	`

	if _, err := r.db.Pool().Exec(ctx, query, attempt, lastError, nextRetryAt, id); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// FailJob marks a job terminally failed after the retry budget is spent.
func (r *Repository) FailJob(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', attempt = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, attempt, lastError, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	r.logger.Warn("job terminally failed",
		zap.String("job_id", id.String()),
		zap.Int("attempts", attempt),
		zap.String("last_error", lastError),
	)

	return nil
}
