package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis (daily limits + idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Circuit breakers
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMaxCalls int

	// Retry/backoff
	RetryMaxAttempts       int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryBackoffMultiplier float64
	RetryJitterFactor      float64

	// Error tracking / admin alerts
	AdminAlertThreshold    int
	CriticalErrorThreshold int
	AlertWindow            time.Duration
	AlertCooldown          time.Duration

	// Delivery coordinator
	DailyNotificationLimit int
	DeadlineCritical       time.Duration
	DeadlineHigh           time.Duration
	DeadlineNormal         time.Duration
	DeadlineLow            time.Duration

	// Escalation + ops fan-out
	EscalationEmail string // supervisor/admin mailbox for escalation notices
	AlertTopicARN   string // SNS topic for admin alerts, empty disables publishing

	// Transports
	AWSRegion      string
	SESFromEmail   string
	SNSRegion      string // AWS region for SNS (SMS)
	PushGatewayURL string
	PushTimeout    time.Duration

	// Content encryption key (hex-encoded 32 bytes); empty stores plaintext
	ContentKey []byte
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "sitepulse",
		DBPassword: "",
		DBName:     "sitepulse",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  60 * time.Second,
		BreakerHalfOpenMaxCalls: 3,

		RetryMaxAttempts:       3,
		RetryBaseDelay:         1000 * time.Millisecond,
		RetryMaxDelay:          30 * time.Second,
		RetryBackoffMultiplier: 2.0,
		RetryJitterFactor:      0.1,

		AdminAlertThreshold:    10,
		CriticalErrorThreshold: 5,
		AlertWindow:            5 * time.Minute,
		AlertCooldown:          5 * time.Minute,

		DailyNotificationLimit: 10,
		DeadlineCritical:       30 * time.Second,
		DeadlineHigh:           120 * time.Second,
		DeadlineNormal:         300 * time.Second,
		DeadlineLow:            600 * time.Second,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@sitepulse.local",
		PushTimeout:  30 * time.Second,
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

	// Database config
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

	// Redis config
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

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Circuit breaker tunables
	if err := loadInt("BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold); err != nil {
		return nil, err
	}
	if err := loadDuration("BREAKER_RECOVERY_TIMEOUT", &cfg.BreakerRecoveryTimeout); err != nil {
		return nil, err
	}
	if err := loadInt("BREAKER_HALF_OPEN_MAX_CALLS", &cfg.BreakerHalfOpenMaxCalls); err != nil {
		return nil, err
	}

	// Retry tunables
	if err := loadInt("RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts); err != nil {
		return nil, err
	}
	if err := loadDuration("RETRY_BASE_DELAY", &cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if err := loadDuration("RETRY_MAX_DELAY", &cfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if err := loadFloat("RETRY_BACKOFF_MULTIPLIER", &cfg.RetryBackoffMultiplier); err != nil {
		return nil, err
	}
	if err := loadFloat("RETRY_JITTER_FACTOR", &cfg.RetryJitterFactor); err != nil {
		return nil, err
	}

	// Alerting tunables
	if err := loadInt("ADMIN_ALERT_THRESHOLD", &cfg.AdminAlertThreshold); err != nil {
		return nil, err
	}
	if err := loadInt("CRITICAL_ERROR_THRESHOLD", &cfg.CriticalErrorThreshold); err != nil {
		return nil, err
	}
	if err := loadDuration("ALERT_WINDOW", &cfg.AlertWindow); err != nil {
		return nil, err
	}
	if err := loadDuration("ALERT_COOLDOWN", &cfg.AlertCooldown); err != nil {
		return nil, err
	}

	// Delivery tunables
	if err := loadInt("DAILY_NOTIFICATION_LIMIT", &cfg.DailyNotificationLimit); err != nil {
		return nil, err
	}
	if err := loadDuration("DEADLINE_CRITICAL", &cfg.DeadlineCritical); err != nil {
		return nil, err
	}
	if err := loadDuration("DEADLINE_HIGH", &cfg.DeadlineHigh); err != nil {
		return nil, err
	}
	if err := loadDuration("DEADLINE_NORMAL", &cfg.DeadlineNormal); err != nil {
		return nil, err
	}
	if err := loadDuration("DEADLINE_LOW", &cfg.DeadlineLow); err != nil {
		return nil, err
	}

	if email := os.Getenv("ESCALATION_EMAIL"); email != "" {
		cfg.EscalationEmail = email
	}

	if arn := os.Getenv("ALERT_TOPIC_ARN"); arn != "" {
		cfg.AlertTopicARN = arn
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("PUSH_GATEWAY_URL"); url != "" {
		cfg.PushGatewayURL = url
	}
	if err := loadDuration("PUSH_TIMEOUT", &cfg.PushTimeout); err != nil {
		return nil, err
	}

	if key := os.Getenv("CONTENT_KEY"); key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid CONTENT_KEY: %w", err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("invalid CONTENT_KEY: want 32 bytes, got %d", len(raw))
		}
		cfg.ContentKey = raw
	}

	return cfg, nil
}

func loadInt(name string, dst *int) error {
	if v := os.Getenv(name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

func loadFloat(name string, dst *float64) error {
	if v := os.Getenv(name); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = f
	}
	return nil
}

// Durations accept either Go duration syntax ("30s") or plain milliseconds.
func loadDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
