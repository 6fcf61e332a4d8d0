package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis-backed settings store
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Worker pool widths per channel. SMS is deliberately lower; the
	// aggregator enforces a stricter upstream limit.
	EmailWorkers int
	SMSWorkers   int

	// Outbound pacing, sends per second per channel.
	EmailRatePerSecond int
	SMSRatePerSecond   int

	WorkerPollInterval int // seconds between queue polls when idle
	WorkerMaxRetries   int
}

// Load reads configuration from environment variables with sensible defaults.
// Provider credentials are not read here; those live in the settings store
// and are resolved fresh on every send.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EmailWorkers: 5,
		SMSWorkers:   3,

		EmailRatePerSecond: 5,
		SMSRatePerSecond:   3,

		WorkerPollInterval: 5,
		WorkerMaxRetries:   3,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if rdb := os.Getenv("REDIS_DB"); rdb != "" {
		d, err := strconv.Atoi(rdb)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if workers := os.Getenv("EMAIL_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_WORKERS: %w", err)
		}
		cfg.EmailWorkers = n
	}

	if workers := os.Getenv("SMS_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_WORKERS: %w", err)
		}
		cfg.SMSWorkers = n
	}

	if rate := os.Getenv("EMAIL_RATE_PER_SECOND"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_RATE_PER_SECOND: %w", err)
		}
		cfg.EmailRatePerSecond = n
	}

	if rate := os.Getenv("SMS_RATE_PER_SECOND"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_RATE_PER_SECOND: %w", err)
		}
		cfg.SMSRatePerSecond = n
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		n, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %w", err)
		}
		cfg.WorkerPollInterval = n
	}

	if retries := os.Getenv("WORKER_MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_MAX_RETRIES: %w", err)
		}
		cfg.WorkerMaxRetries = n
	}

	return cfg, nil
}
