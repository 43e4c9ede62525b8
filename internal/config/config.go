package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DB_DSN"`
	StoreKind   string `env:"STORE" envDefault:"postgres"`

	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	ReadAttempts  uint          `env:"STORE_READ_ATTEMPTS" envDefault:"3"`
	SequenceReset string        `env:"TICKET_SEQUENCE_RESET" envDefault:"never"`
	Timezone      string        `env:"QUEUE_TIMEZONE" envDefault:"UTC"`

	NotifyQueueSize    int           `env:"NOTIFY_QUEUE_SIZE" envDefault:"1024"`
	NotifySinkTimeout  time.Duration `env:"NOTIFY_SINK_TIMEOUT" envDefault:"2s"`
	SubscriberBuffer   int           `env:"REALTIME_CLIENT_BUFFER" envDefault:"16"`
	RedisURL           string        `env:"REDIS_URL"`
	RedisChannel       string        `env:"REDIS_CHANNEL" envDefault:"walkin-queue:changes"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string        `env:"KAFKA_TOPIC" envDefault:"walkin-queue.entry-changes"`
	CustomerNotifier   string        `env:"CUSTOMER_NOTIFY_PROVIDER" envDefault:"log"`
	CustomerWebhookURL string        `env:"CUSTOMER_NOTIFY_WEBHOOK_URL"`
	CustomerWebhookKey string        `env:"CUSTOMER_NOTIFY_WEBHOOK_TOKEN"`

	RateLimitPerMinute        int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	RateLimitBurst            int `env:"RATE_LIMIT_BURST" envDefault:"30"`
	SessionRateLimitPerMinute int `env:"SESSION_RATE_LIMIT_PER_MIN" envDefault:"600"`
	SessionRateLimitBurst     int `env:"SESSION_RATE_LIMIT_BURST" envDefault:"120"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`

	MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"false"`
}

// Load reads configuration from the environment, after applying a .env file
// when one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreKind {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required when STORE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE %q", c.StoreKind)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid QUEUE_TIMEZONE: %w", err)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) Location() *time.Location {
	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}
