package notify

import (
	"context"
	"errors"
	"strings"
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

// Repository is the persistence surface the coordinator needs.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetUsersByRole(ctx context.Context, role string) ([]*db.User, error)
	GetTemplateByName(ctx context.Context, name string) (*db.Template, error)
	CreateNotification(ctx context.Context, notif *db.Notification) error
	FinalizeNotification(ctx context.Context, id uuid.UUID, status string) error
	RecordEmailDelivery(ctx context.Context, msg *db.EmailMessage) error
	RecordSMSDelivery(ctx context.Context, msg *db.SMSMessage) error
}

// MailSender sends one email. Implemented by gateway.MailAdapter and the
// circuit-breaker wrapper around it.
type MailSender interface {
	Send(ctx context.Context, to, subject, title, body string) gateway.SendResult
}

// SMSSender sends one SMS.
type SMSSender interface {
	Send(ctx context.Context, phoneNumber, message string) gateway.SendResult
}

// Flags is the slice of the settings store the coordinator consults:
// operator-level channel and per-type switches.
type Flags interface {
	ChannelEnabled(ctx context.Context, channel string) bool
	TypeEnabled(ctx context.Context, channel, notificationType string) bool
}

// ChannelOutcome records what happened on one channel of one dispatch.
type ChannelOutcome struct {
	Channel db.Channel
	Sent    bool
	Skipped bool
	Err     error
}

// Result is the observable outcome of a dispatch. Dispatch operations
// never fail the caller; a caller that cares inspects the Result, a
// caller that does not discards it.
type Result struct {
	UserID         uuid.UUID
	NotificationID uuid.UUID
	Suppressed     bool
	Reason         string
	Channels       []ChannelOutcome
	Err            error
}

// Coordinator turns triggers into persisted records and channel sends.
// All failure handling is containment: a dead relay, a missing phone
// number, or a storage hiccup degrades that one delivery and nothing else.
type Coordinator struct {
	repo      Repository
	mail      MailSender
	sms       SMSSender
	flags     Flags
	resolver  *Resolver
	mailLimit *ratelimit.Limiter
	smsLimit  *ratelimit.Limiter
	logger    *zap.Logger
}

// NewCoordinator wires the dispatch pipeline together. The rate limiters
// are shared with the queue workers of the same channel so the pacing
// cap holds process-wide.
func NewCoordinator(
	repo Repository,
	mail MailSender,
	sms SMSSender,
	flags Flags,
	resolver *Resolver,
	mailLimit *ratelimit.Limiter,
	smsLimit *ratelimit.Limiter,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		mail:      mail,
		sms:       sms,
		flags:     flags,
		resolver:  resolver,
		mailLimit: mailLimit,
		smsLimit:  smsLimit,
		logger:    logger,
	}
}

// SendToUser dispatches one trigger to one user: resolve preferences,
// persist the record, attempt each allowed channel, finalize. Never
// returns an error; the Result carries everything observable.
func (c *Coordinator) SendToUser(ctx context.Context, userID uuid.UUID, trig Trigger) Result {
	result := Result{UserID: userID}

	user, err := c.repo.GetUser(ctx, userID)
	if err != nil {
		c.logger.Error("dispatch aborted, user lookup failed",
			zap.String("user_id", userID.String()),
			zap.String("type", trig.Type),
			zap.Error(err),
		)
		result.Err = err
		return result
	}

	resolution := c.resolver.Resolve(DecodePreferences(user.Preferences), trig)
	if resolution.Suppressed {
		c.logger.Info("dispatch suppressed",
			zap.String("user_id", userID.String()),
			zap.String("type", trig.Type),
			zap.String("reason", resolution.Reason),
		)
		metrics.RecordSuppression(resolution.Reason)
		result.Suppressed = true
		result.Reason = resolution.Reason
		return result
	}

	notif := &db.Notification{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        trig.Type,
		Title:       trig.Title,
		Message:     trig.Message,
		Channels:    resolution.Allowed,
		Status:      db.StatusPending,
		Data:        trig.Data,
		ScheduledAt: trig.ScheduledAt,
	}
	if err := c.repo.CreateNotification(ctx, notif); err != nil {
		c.logger.Error("dispatch aborted, record creation failed",
			zap.String("user_id", userID.String()),
			zap.String("type", trig.Type),
			zap.Error(err),
		)
		result.Err = err
		return result
	}
	result.NotificationID = notif.ID

	for _, ch := range resolution.Allowed {
		result.Channels = append(result.Channels, c.attemptChannel(ctx, ch, user, trig))
	}

	status := finalStatus(result.Channels)
	if err := c.repo.FinalizeNotification(ctx, notif.ID, status); err != nil {
		c.logger.Error("failed to finalize notification",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
	}
	metrics.RecordDispatch(trig.Type, strings.ToLower(status))

	return result
}

// attemptChannel performs the physical delivery for one channel. In-app
// delivery is the record itself, already written by the caller.
func (c *Coordinator) attemptChannel(ctx context.Context, ch db.Channel, user *db.User, trig Trigger) ChannelOutcome {
	outcome := ChannelOutcome{Channel: ch}

	if ch == db.ChannelInApp {
		outcome.Sent = true
		return outcome
	}

	if !c.flags.ChannelEnabled(ctx, string(ch)) || !c.flags.TypeEnabled(ctx, string(ch), trig.Type) {
		c.logger.Debug("channel disabled by operator flag",
			zap.String("channel", string(ch)),
			zap.String("type", trig.Type),
		)
		outcome.Skipped = true
		return outcome
	}

	switch ch {
	case db.ChannelEmail:
		if user.Email == "" {
			c.logger.Warn("email channel allowed but user has no address",
				zap.String("user_id", user.ID.String()),
			)
			outcome.Skipped = true
			return outcome
		}
		return c.deliverEmail(ctx, user.Email, trig.Title, trig.Message, nil)

	case db.ChannelSMS:
		if user.Phone == "" {
			c.logger.Warn("sms channel allowed but user has no phone",
				zap.String("user_id", user.ID.String()),
			)
			outcome.Skipped = true
			return outcome
		}
		return c.deliverSMS(ctx, user.Phone, trig.Message, nil)
	}

	outcome.Skipped = true
	return outcome
}

// deliverEmail paces, sends, and appends a ledger row. A missing mail
// configuration skips silently with no row; everything else leaves an
// audit trail.
func (c *Coordinator) deliverEmail(ctx context.Context, to, subject, body string, campaignID *uuid.UUID) ChannelOutcome {
	outcome := ChannelOutcome{Channel: db.ChannelEmail}

	if err := c.mailLimit.Wait(ctx); err != nil {
		outcome.Err = err
		return outcome
	}

	start := time.Now()
	sent := c.mail.Send(ctx, to, subject, subject, body)

	if errors.Is(sent.Err, settings.ErrConfigurationMissing) {
		c.logger.Info("email skipped, relay not configured", zap.String("recipient", to))
		outcome.Skipped = true
		return outcome
	}

	msg := &db.EmailMessage{
		Recipient:         to,
		Subject:           subject,
		ProviderMessageID: optional(sent.ProviderMessageID),
		CampaignID:        campaignID,
	}
	stampDelivery(&msg.Status, &msg.SentAt, &msg.FailedAt, &msg.ErrorMessage, sent)

	if err := c.repo.RecordEmailDelivery(ctx, msg); err != nil {
		c.logger.Error("failed to record email delivery", zap.Error(err))
	}
	metrics.RecordDelivery(string(db.ChannelEmail), strings.ToLower(msg.Status), time.Since(start))

	outcome.Sent = sent.Success
	outcome.Err = sent.Err
	if sent.Err != nil {
		c.logger.Warn("email send failed",
			zap.String("recipient", to),
			zap.Error(sent.Err),
		)
	}
	return outcome
}

// deliverSMS is the SMS twin of deliverEmail.
func (c *Coordinator) deliverSMS(ctx context.Context, phone, message string, campaignID *uuid.UUID) ChannelOutcome {
	outcome := ChannelOutcome{Channel: db.ChannelSMS}

	if err := c.smsLimit.Wait(ctx); err != nil {
		outcome.Err = err
		return outcome
	}

	start := time.Now()
	sent := c.sms.Send(ctx, phone, message)

	if errors.Is(sent.Err, settings.ErrConfigurationMissing) {
		c.logger.Info("sms skipped, gateway not configured", zap.String("recipient", phone))
		outcome.Skipped = true
		return outcome
	}

	msg := &db.SMSMessage{
		Recipient:         phone,
		Message:           message,
		ProviderMessageID: optional(sent.ProviderMessageID),
		Cost:              sent.Cost,
		CampaignID:        campaignID,
	}
	stampDelivery(&msg.Status, &msg.SentAt, &msg.FailedAt, &msg.ErrorMessage, sent)

	if err := c.repo.RecordSMSDelivery(ctx, msg); err != nil {
		c.logger.Error("failed to record sms delivery", zap.Error(err))
	}
	metrics.RecordDelivery(string(db.ChannelSMS), strings.ToLower(msg.Status), time.Since(start))

	outcome.Sent = sent.Success
	outcome.Err = sent.Err
	if sent.Err != nil {
		c.logger.Warn("sms send failed",
			zap.String("recipient", phone),
			zap.Error(sent.Err),
		)
	}
	return outcome
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// stampDelivery fills the status, timestamp, and error columns of a
// ledger row from a send result.
func stampDelivery(status *string, sentAt, failedAt **time.Time, errMsg **string, result gateway.SendResult) {
	now := time.Now()
	if result.Success {
		*status = db.DeliverySent
		*sentAt = &now
		return
	}
	*status = db.DeliveryFailed
	*failedAt = &now
	if result.Err != nil {
		text := result.Err.Error()
		*errMsg = &text
	}
}

// finalStatus decides the record's terminal status. The record is FAILED
// only when at least one channel was attempted and none succeeded;
// operator-flag skips do not count against the record.
func finalStatus(outcomes []ChannelOutcome) string {
	attempted := 0
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		attempted++
		if o.Sent {
			return db.StatusSent
		}
	}
	if attempted == 0 {
		return db.StatusSent
	}
	return db.StatusFailed
}

// SendToUsers dispatches the same trigger to many users concurrently.
// Each user is isolated; one failure never blocks the rest.
func (c *Coordinator) SendToUsers(ctx context.Context, userIDs []uuid.UUID, trig Trigger) []Result {
	results := make([]Result, len(userIDs))

	var wg sync.WaitGroup
	for i, id := range userIDs {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			results[i] = c.SendToUser(ctx, id, trig)
		}(i, id)
	}
	wg.Wait()

	return results
}

// SendToRole dispatches to every user currently holding a role.
func (c *Coordinator) SendToRole(ctx context.Context, role string, trig Trigger) []Result {
	users, err := c.repo.GetUsersByRole(ctx, role)
	if err != nil {
		c.logger.Error("role dispatch aborted, lookup failed",
			zap.String("role", role),
			zap.Error(err),
		)
		return []Result{{Err: err}}
	}
	if len(users) == 0 {
		c.logger.Info("role dispatch matched no users", zap.String("role", role))
		return nil
	}

	ids := make([]uuid.UUID, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return c.SendToUsers(ctx, ids, trig)
}

// SendToEmail sends a one-off email to a raw address. No user lookup, no
// preference resolution, no notification record; only the delivery
// ledger row.
func (c *Coordinator) SendToEmail(ctx context.Context, to, subject, body string) Result {
	outcome := c.deliverEmail(ctx, to, subject, body, nil)
	return Result{Channels: []ChannelOutcome{outcome}, Err: outcome.Err}
}

// SendFromTemplate renders a named template with {{key}} substitutions
// and dispatches it to a user. A missing or inactive template is a
// logged no-op.
func (c *Coordinator) SendFromTemplate(ctx context.Context, userID uuid.UUID, name string, vars map[string]string) Result {
	tmpl, err := c.repo.GetTemplateByName(ctx, name)
	if err != nil {
		c.logger.Warn("template dispatch skipped, template not found",
			zap.String("template", name),
			zap.Error(err),
		)
		return Result{UserID: userID, Err: err}
	}
	if !tmpl.Active {
		c.logger.Info("template dispatch skipped, template inactive",
			zap.String("template", name),
		)
		return Result{UserID: userID}
	}

	return c.SendToUser(ctx, userID, Trigger{
		Type:     tmpl.Type,
		Title:    renderTemplate(tmpl.Subject, vars),
		Message:  renderTemplate(tmpl.Body, vars),
		Channels: tmpl.Channels,
	})
}

// renderTemplate substitutes {{key}} placeholders. Unknown placeholders
// are left in place.
func renderTemplate(text string, vars map[string]string) string {
	for key, value := range vars {
		text = strings.ReplaceAll(text, "{{"+key+"}}", value)
		text = strings.ReplaceAll(text, "{{ "+key+" }}", value)
	}
	return text
}
