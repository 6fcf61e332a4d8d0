package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium. The set is closed: preference resolution
// and worker routing only understand these three values.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notification status constants. PENDING moves to a terminal SENT or
// FAILED after all channels have been attempted; there is no partial state.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Delivery ledger status constants.
const (
	DeliverySent   = "SENT"
	DeliveryFailed = "FAILED"
)

// Job status constants for the durable queue.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Notification is the persisted record created once per dispatched
// trigger that had at least one allowed channel. The channels column is
// frozen at creation time with exactly the set the preference resolver
// allowed; it is never re-evaluated.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Channels    []Channel       `json:"channels"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EmailMessage is one row of the append-only email delivery ledger.
// Rows are never mutated after insertion.
type EmailMessage struct {
	ID                uuid.UUID  `json:"id"`
	Recipient         string     `json:"recipient"`
	Subject           string     `json:"subject"`
	Status            string     `json:"status"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	CampaignID        *uuid.UUID `json:"campaign_id,omitempty"`
	IsBulk            bool       `json:"is_bulk"`
	CreatedAt         time.Time  `json:"created_at"`
}

// SMSMessage is one row of the append-only SMS delivery ledger.
type SMSMessage struct {
	ID                uuid.UUID  `json:"id"`
	Recipient         string     `json:"recipient"`
	Message           string     `json:"message"`
	Status            string     `json:"status"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	Cost              *float64   `json:"cost,omitempty"`
	CampaignID        *uuid.UUID `json:"campaign_id,omitempty"`
	IsBulk            bool       `json:"is_bulk"`
	CreatedAt         time.Time  `json:"created_at"`
}

// User is the slice of the user profile the dispatcher needs: contact
// addresses, role for fan-out queries, and the raw preference blob.
type User struct {
	ID          uuid.UUID       `json:"id"`
	Email       string          `json:"email"`
	Phone       string          `json:"phone"`
	Role        string          `json:"role"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// Template is a named, admin-managed message template. Subject and body
// may contain {{key}} placeholders substituted at dispatch time.
type Template struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Channels []Channel `json:"channels"`
	Active   bool      `json:"active"`
}

// Job is a unit of work in the durable queue. Single jobs carry one
// recipient; batch jobs carry many and are processed sequentially inside
// one execution. A retry is a fresh execution attempt of the same row;
// past delivery ledger rows are never touched.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Channel     Channel         `json:"channel"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	LastError   *string         `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
