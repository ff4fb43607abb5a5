package config

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"
)

// Common is shared by every binary.
type Common struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// BusinessTimezone decides which calendar day "today" is for aging.
	BusinessTimezone string `envconfig:"BUSINESS_TIMEZONE" default:"UTC"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

func (c Common) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		// validated at load time
		return time.UTC
	}
	return loc
}

type Redis struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (r Redis) AsynqOpts() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: r.RedisAddr, Password: r.RedisPassword, DB: r.RedisDB}
}

type Outreach struct {
	// UseDefaultWorkflow applies the built-in day 0/7/14 email cadence to
	// buckets with no configured workflow.
	UseDefaultWorkflow bool          `envconfig:"USE_DEFAULT_WORKFLOW" default:"false"`
	ClaimStaleAfter    time.Duration `envconfig:"CLAIM_STALE_AFTER" default:"15m"`
}

type APIConfig struct {
	Common
	Redis
	Outreach

	RunUniqueFor time.Duration `envconfig:"RUN_UNIQUE_FOR" default:"10m"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Webhook signature verification
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL"` // must match EXACT URL configured in Twilio
}

type WorkerConfig struct {
	Common
	Redis
	Outreach

	WorkerConcurrency   int           `envconfig:"WORKER_CONCURRENCY" default:"2"`
	CollectionsSchedule string        `envconfig:"COLLECTIONS_SCHEDULE" default:"0 9 * * *"`
	RunConcurrency      int           `envconfig:"RUN_CONCURRENCY" default:"8"`
	RunLockTTL          time.Duration `envconfig:"RUN_LOCK_TTL" default:"30m"`
	GenerateTimeout     time.Duration `envconfig:"GENERATE_TIMEOUT" default:"20s"`
	DispatchTimeout     time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s"`
	MaxPerDay           int           `envconfig:"MAX_PER_DAY" default:"1"`

	ProviderMaxAttempts int           `envconfig:"PROVIDER_MAX_ATTEMPTS" default:"3"`
	ProviderCallTimeout time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"6s"`

	// Resend (email)
	ResendAPIKey  string  `envconfig:"RESEND_API_KEY"`
	ResendFrom    string  `envconfig:"RESEND_FROM"`
	ResendReplyTo string  `envconfig:"RESEND_REPLY_TO"`
	ResendBaseURL string  `envconfig:"RESEND_BASE_URL" default:"https://api.resend.com"`
	ResendRPS     float64 `envconfig:"RESEND_RPS_PER_POD" default:"5"`
	ResendBurst   int     `envconfig:"RESEND_BURST" default:"10"`

	// Twilio (SMS)
	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioRPSPerPod           float64 `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`
	PublicWebhookURL          string  `envconfig:"PUBLIC_WEBHOOK_URL"`

	// OpenAI (AI-generated content); empty key disables AI steps.
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
}

type WebhookProcessorConfig struct {
	Common

	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	ProcessorConcurrency int `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	mustProcess(&cfg, cfg.validate)
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	mustProcess(&cfg, cfg.validate)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	mustProcess(&cfg, cfg.validate)
	return cfg
}

func mustProcess(cfg any, validate func() error) {
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
	if err := validate(); err != nil {
		panic(err)
	}
}

func (c *Common) validate() error {
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	return nil
}

func (c *APIConfig) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if (c.TwilioAuthToken == "") != (c.PublicWebhookURL == "") {
		return fmt.Errorf("TWILIO_AUTH_TOKEN and PUBLIC_WEBHOOK_URL must be set together")
	}
	return nil
}

func (c *WorkerConfig) validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.ResendAPIKey != "" && c.ResendFrom == "" {
		return fmt.Errorf("RESEND_FROM is required when RESEND_API_KEY is set")
	}
	if c.TwilioAccountSID != "" && c.TwilioMessagingServiceSID == "" && c.TwilioFromNumber == "" {
		return fmt.Errorf("TWILIO_MESSAGING_SERVICE_SID or TWILIO_FROM_NUMBER is required when TWILIO_ACCOUNT_SID is set")
	}
	if c.MaxPerDay < 0 {
		return fmt.Errorf("MAX_PER_DAY must not be negative")
	}
	if c.GenerateTimeout <= 0 || c.DispatchTimeout <= 0 {
		return fmt.Errorf("GENERATE_TIMEOUT and DISPATCH_TIMEOUT must be positive")
	}
	if minStale := c.MinClaimStaleAfter(); c.ClaimStaleAfter <= minStale {
		return fmt.Errorf("CLAIM_STALE_AFTER (%s) must exceed GENERATE_TIMEOUT + DISPATCH_TIMEOUT + %s (%s)",
			c.ClaimStaleAfter, claimSettleMargin, minStale)
	}
	return nil
}

// claimSettleMargin covers the bookkeeping retries after a dispatch returns.
const claimSettleMargin = time.Minute

// MinClaimStaleAfter is the longest a live run may hold a step claim. A shorter
// CLAIM_STALE_AFTER would let another run take over a dispatch still in flight.
func (c *WorkerConfig) MinClaimStaleAfter() time.Duration {
	return c.GenerateTimeout + c.DispatchTimeout + claimSettleMargin
}

func (c *WebhookProcessorConfig) validate() error {
	return c.Common.validate()
}
