// Package settings reads provider credentials and feature flags from the
// shared key-value configuration store. Values are resolved fresh on every
// call — there is no caching layer, so a flag flipped by an operator takes
// effect on the very next send.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrConfigurationMissing indicates a provider has no credentials
// configured. Senders treat this as a silent skip, not a failure.
var ErrConfigurationMissing = errors.New("configuration missing")

const keyPrefix = "settings:"

// Config holds connection settings for the store.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// MailConfig is the resolved SMTP relay configuration.
type MailConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Encryption  string // "tls", "starttls", or "" for plaintext
}

// SMSConfig is the resolved SMS aggregator configuration.
type SMSConfig struct {
	GatewayURL string
	Username   string
	Password   string
	SenderID   string
}

// QueueConfig holds bulk-campaign queue tuning read from the store.
type QueueConfig struct {
	Enabled   bool
	BatchSize int
	JobDelay  time.Duration
}

// Store is the settings reader. Reads are read-only and safe for
// concurrent use by every worker.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to the store and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("settings store ping failed: %w", err)
	}

	logger.Info("settings store connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Store{rdb: rdb, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks if the store is responsive.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings get %s: %w", key, err)
	}
	return val, true, nil
}

// getBool returns def for missing keys and unparseable values. A broken
// flag must never block a send.
func (s *Store) getBool(ctx context.Context, key string, def bool) bool {
	val, ok, err := s.get(ctx, key)
	if err != nil {
		s.logger.Warn("settings read failed", zap.String("key", key), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func (s *Store) getInt(ctx context.Context, key string, def int) int {
	val, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

// MailConfig resolves the SMTP relay configuration. Host and from-address
// are the minimum viable config; anything less is ErrConfigurationMissing.
func (s *Store) MailConfig(ctx context.Context) (*MailConfig, error) {
	host, _, err := s.get(ctx, "MAIL_HOST")
	if err != nil {
		return nil, err
	}
	from, _, err := s.get(ctx, "MAIL_FROM_ADDRESS")
	if err != nil {
		return nil, err
	}
	if host == "" || from == "" {
		return nil, fmt.Errorf("mail relay: %w", ErrConfigurationMissing)
	}

	username, _, _ := s.get(ctx, "MAIL_USERNAME")
	password, _, _ := s.get(ctx, "MAIL_PASSWORD")
	fromName, _, _ := s.get(ctx, "MAIL_FROM_NAME")
	encryption, _, _ := s.get(ctx, "MAIL_ENCRYPTION")

	return &MailConfig{
		Host:        host,
		Port:        s.getInt(ctx, "MAIL_PORT", 587),
		Username:    username,
		Password:    password,
		FromAddress: from,
		FromName:    fromName,
		Encryption:  strings.ToLower(encryption),
	}, nil
}

// SMSConfig resolves the SMS aggregator configuration.
func (s *Store) SMSConfig(ctx context.Context) (*SMSConfig, error) {
	url, _, err := s.get(ctx, "SMS_GATEWAY_URL")
	if err != nil {
		return nil, err
	}
	username, _, _ := s.get(ctx, "SMS_USERNAME")
	password, _, _ := s.get(ctx, "SMS_PASSWORD")
	if url == "" || username == "" || password == "" {
		return nil, fmt.Errorf("sms gateway: %w", ErrConfigurationMissing)
	}

	senderID, _, _ := s.get(ctx, "SMS_SENDER_ID")

	return &SMSConfig{
		GatewayURL: url,
		Username:   username,
		Password:   password,
		SenderID:   senderID,
	}, nil
}

// ChannelEnabled reports the global enable flag for a channel
// (EMAIL_ENABLED / SMS_ENABLED). Missing flags default to enabled.
func (s *Store) ChannelEnabled(ctx context.Context, channel string) bool {
	key := strings.ToUpper(strings.ReplaceAll(channel, "_", "")) + "_ENABLED"
	if strings.EqualFold(channel, "in_app") {
		// In-app delivery is a database write; it has no provider flag.
		return true
	}
	return s.getBool(ctx, key, true)
}

// TypeEnabled reports the per-notification-type flag for a channel,
// keyed as EMAIL_<TYPE> / SMS_<TYPE>. Missing flags default to enabled.
func (s *Store) TypeEnabled(ctx context.Context, channel, notificationType string) bool {
	prefix := strings.ToUpper(strings.ReplaceAll(channel, "_", ""))
	key := prefix + "_" + strings.ToUpper(notificationType)
	return s.getBool(ctx, key, true)
}

// QueueConfig resolves bulk-campaign queue tuning.
func (s *Store) QueueConfig(ctx context.Context) QueueConfig {
	delayMS := s.getInt(ctx, "QUEUE_JOB_DELAY_MS", 0)
	return QueueConfig{
		Enabled:   s.getBool(ctx, "QUEUE_ENABLED", true),
		BatchSize: s.getInt(ctx, "QUEUE_BATCH_SIZE", 50),
		JobDelay:  time.Duration(delayMS) * time.Millisecond,
	}
}
