package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const envPrefix = "CLUBSYNC"

// Config is decoded from CLUBSYNC_* environment variables.
type Config struct {
	Addr     string `envconfig:"ADDR" default:":8080"`
	BaseURL  string `envconfig:"BASE_URL"`
	ClubName string `envconfig:"CLUB_NAME" default:"The Dreamers Cave"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// BackendProfile fills in StoreDSN and QueueDSN when they are empty:
	// memory, durable-local (files under DataDir) or production (PostgresDSN).
	BackendProfile string `envconfig:"BACKEND_PROFILE"`
	DataDir        string `envconfig:"DATA_DIR" default:".clubsync"`
	StoreDSN       string `envconfig:"STORE_DSN"`
	QueueDSN       string `envconfig:"QUEUE_DSN"`
	QueueSize      int    `envconfig:"QUEUE_SIZE" default:"1024"`
	PostgresDSN    string `envconfig:"POSTGRES_DSN"`
	MySQLDSN       string `envconfig:"MYSQL_DSN"`
	RedisURL       string `envconfig:"REDIS_URL"`

	Workers           int           `envconfig:"WORKERS" default:"4"`
	TargetConcurrency int           `envconfig:"TARGET_CONCURRENCY" default:"2"`
	ClaimLease        time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`

	SyncMaxAttempts int           `envconfig:"SYNC_MAX_ATTEMPTS" default:"8"`
	SyncRetryBase   time.Duration `envconfig:"SYNC_RETRY_BASE" default:"30s"`
	SyncRetryCap    time.Duration `envconfig:"SYNC_RETRY_CAP" default:"1h"`

	NotifyMaxAttempts int           `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"5"`
	NotifyRetryBase   time.Duration `envconfig:"NOTIFY_RETRY_BASE" default:"1m"`
	NotifyRetryCap    time.Duration `envconfig:"NOTIFY_RETRY_CAP" default:"6h"`
	NotifyBatchSize   int           `envconfig:"NOTIFY_BATCH_SIZE" default:"50"`
	ReminderLead      time.Duration `envconfig:"REMINDER_LEAD" default:"24h"`

	CronNotificationDrain string `envconfig:"CRON_NOTIFICATION_DRAIN" default:"@every 15s"`
	CronStaleRelease      string `envconfig:"CRON_STALE_RELEASE" default:"@every 1m"`
	CronRecoverDue        string `envconfig:"CRON_RECOVER_DUE" default:"@every 30s"`
	CronDigest            string `envconfig:"CRON_DIGEST" default:"0 0 9 * * MON"`
	CronHealthCheck       string `envconfig:"CRON_HEALTH_CHECK" default:"@every 5m"`

	GoogleCredentialsFile   string  `envconfig:"GOOGLE_CALENDAR_CREDENTIALS_PATH"`
	GoogleCalendarEndpoint  string  `envconfig:"GOOGLE_CALENDAR_ENDPOINT"`
	InternalCalendarID      string  `envconfig:"GOOGLE_CALENDAR_INTERNAL_ID"`
	PublicCalendarID        string  `envconfig:"GOOGLE_CALENDAR_PUBLIC_ID"`
	FacebookGraphURL        string  `envconfig:"FACEBOOK_GRAPH_URL"`
	FacebookPageID          string  `envconfig:"FACEBOOK_PAGE_ID"`
	FacebookGroupID         string  `envconfig:"FACEBOOK_GROUP_ID"`
	FacebookPageToken       string  `envconfig:"FACEBOOK_PAGE_ACCESS_TOKEN"`
	PatreonAPIURL           string  `envconfig:"PATREON_API_URL"`
	PatreonCampaignID       string  `envconfig:"PATREON_CAMPAIGN_ID"`
	PatreonCreatorToken     string  `envconfig:"PATREON_CREATOR_ACCESS_TOKEN"`
	PatreonWebhookSecret    string  `envconfig:"PATREON_WEBHOOK_SECRET"`
	WebhookSignatureHash    string  `envconfig:"WEBHOOK_SIGNATURE_ALGORITHM" default:"md5"`
	CredentialsFile         string  `envconfig:"CREDENTIALS_FILE"`
	TargetRequestsPerSecond float64 `envconfig:"TARGET_REQUESTS_PER_SECOND" default:"5"`

	SMTPHost     string `envconfig:"SMTP_SERVER"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPTLS      string `envconfig:"SMTP_TLS" default:"starttls"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_DEFAULT_SENDER"`

	JWTSecret          string        `envconfig:"JWT_SECRET"`
	InternalHMACSecret string        `envconfig:"INTERNAL_HMAC_SECRET"`
	InternalMaxSkew    time.Duration `envconfig:"INTERNAL_MAX_SKEW" default:"5m"`
	RateLimitMax       int           `envconfig:"RATE_LIMIT_MAX" default:"0"`
	RateLimitWindow    time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	MaxBodyBytes       int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
}

// Load reads an optional .env file and decodes the environment. Variables
// already set win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyProfile() error {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	var storeDSN, queueDSN string
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		storeDSN, queueDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		storeDSN = "sqlite://" + filepath.Join(c.DataDir, "clubsync.db")
		queueDSN = "file://" + filepath.Join(c.DataDir, "intent-queue.json")
	case "production", "prod":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%s_POSTGRES_DSN is required when %s_BACKEND_PROFILE=%s", envPrefix, envPrefix, profile)
		}
		storeDSN, queueDSN = c.PostgresDSN, c.PostgresDSN
		if strings.TrimSpace(c.RedisURL) != "" {
			queueDSN = c.RedisURL
		}
	default:
		return fmt.Errorf("unsupported %s_BACKEND_PROFILE: %s", envPrefix, profile)
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		c.StoreDSN = storeDSN
	}
	if strings.TrimSpace(c.QueueDSN) == "" {
		c.QueueDSN = queueDSN
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Workers <= 0 {
		problems = append(problems, "WORKERS must be positive")
	}
	if c.QueueSize <= 0 {
		problems = append(problems, "QUEUE_SIZE must be positive")
	}
	if c.SyncMaxAttempts <= 0 || c.NotifyMaxAttempts <= 0 {
		problems = append(problems, "max attempts must be positive")
	}
	if c.SyncRetryCap < c.SyncRetryBase || c.NotifyRetryCap < c.NotifyRetryBase {
		problems = append(problems, "retry cap must not be below the retry base")
	}
	switch strings.ToLower(c.WebhookSignatureHash) {
	case "md5", "sha256":
	default:
		problems = append(problems, "WEBHOOK_SIGNATURE_ALGORITHM must be md5 or sha256")
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		problems = append(problems, "SMTP_DEFAULT_SENDER is required when SMTP_SERVER is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the process logger. format is json or text.
func NewLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(parsed)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}
