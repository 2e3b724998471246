package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Email provider
	// ----------------------------
	EmailProvider  string `envconfig:"EMAIL_PROVIDER" default:"resend"`
	ResendAPIKey   string `envconfig:"RESEND_API_KEY" default:""`
	ResendEndpoint string `envconfig:"RESEND_ENDPOINT" default:"https://api.resend.com/emails"`
	SenderEmail    string `envconfig:"SENDER_EMAIL" default:"noreply@dripflow.dev"`

	// SMTP is only used when EMAIL_PROVIDER=smtp (local development).
	SMTPHost string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"1025"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	BatchLimit      int           `envconfig:"BATCH_LIMIT" default:"50"`
	WorkerCount     int           `envconfig:"WORKER_COUNT" default:"5"`
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"10s"`
	TriggerInterval time.Duration `envconfig:"TRIGGER_INTERVAL" default:"1m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
