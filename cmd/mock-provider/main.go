package main

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"collections/internal/httpserver"
	"collections/internal/logging"
)

// config drives the local stand-in for Twilio, Resend and OpenAI.
type config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	AccountSID   string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken    string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	ResendAPIKey string `envconfig:"RESEND_API_KEY" default:"mock_key"`

	// OutcomesRaw is cycled per send: ok, undelivered, rate_limited, server_error, invalid.
	OutcomesRaw string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	Delay       time.Duration `envconfig:"MOCK_DELAY" default:"0s"`

	DefaultWebhookURL string        `envconfig:"MOCK_WEBHOOK_URL"`
	WebhookDelay      time.Duration `envconfig:"MOCK_WEBHOOK_DELAY" default:"500ms"`
	WebhookRetries    int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBase  time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
}

func (c config) outcomes() []string {
	var out []string
	for _, p := range strings.Split(c.OutcomesRaw, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{outcomeOK}
	}
	return out
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	logging.Init("mock-provider", cfg.LogFormat, "info")

	s := newServer(cfg)
	router := httpserver.New().Mux
	router.Use(httpserver.Logging)
	s.register(router)

	slog.Info("mock provider listening", "port", cfg.Port, "outcomes", cfg.outcomes())
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}
