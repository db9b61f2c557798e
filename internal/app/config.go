package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (CAFE_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (CAFE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL for menu item images" flag:"image-base-url"`
	APIKeyPepper string `usage:"HMAC pepper for staff API key hashing (CAFE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	TaxRate      string `default:"0.06" usage:"Service tax rate applied at checkout" flag:"tax-rate"`
	Payment      PaymentConfig
	Realtime     RealtimeConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// PaymentConfig configures the payment processors.
type PaymentConfig struct {
	Currency  string `default:"USD" usage:"Fiat currency orders are charged in"`
	Card      CardConfig
	Lightning LightningConfig
}

// CardConfig configures the card intent processor.
type CardConfig struct {
	BaseURL       string        `usage:"Card processor API base URL" flag:"card-base-url"`
	SecretKey     string        `usage:"Card processor secret key" flag:"card-secret-key"`
	WebhookSecret string        `usage:"Card processor webhook signing secret" flag:"card-webhook-secret"`
	Expiry        time.Duration `default:"1h" usage:"Card payment intent lifetime" flag:"card-expiry"`
}

// LightningConfig configures the lightning invoice processor.
type LightningConfig struct {
	BaseURL      string        `usage:"Lightning processor API base URL" flag:"lightning-base-url"`
	APIKey       string        `usage:"Lightning processor API key" flag:"lightning-api-key"`
	RatesURL     string        `usage:"Spot rate API base URL" flag:"rates-url"`
	TTL          time.Duration `default:"15m" usage:"Lightning invoice lifetime" flag:"lightning-ttl"`
	PollInterval time.Duration `default:"5s" usage:"Settlement poll interval" flag:"poll-interval"`
}

// RealtimeConfig selects how order change events reach admin sessions.
type RealtimeConfig struct {
	// Driver is "postgres" (LISTEN/NOTIFY, single source of truth) or
	// "rabbit" (fanout exchange for multi-replica deployments).
	Driver    string `default:"postgres" usage:"Order event driver: postgres or rabbit" flag:"realtime-driver"`
	RabbitURL string `usage:"AMQP connection URL (required for the rabbit driver)" flag:"rabbit-url"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"true" usage:"Allow credentials (cart session cookie)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CAFE",
		Files:     []string{"config.yaml", "/etc/cafe/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set CAFE_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Realtime.Driver == "rabbit" && cfg.Realtime.RabbitURL == "" {
		return nil, errors.New("rabbit realtime driver requires CAFE_REALTIME_RABBIT_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and
// PORT to the application's CAFE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Realtime.RabbitURL == "" {
		if v := os.Getenv("RABBITMQ_URL"); v != "" {
			c.Realtime.RabbitURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
