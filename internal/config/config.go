package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr                   string   `yaml:"addr"`
		ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
		AllowedOrigins         []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Auth struct {
		JWTSecret      string `yaml:"jwt_secret"`
		AdminRole      string `yaml:"admin_role"`
		HeaderFallback bool   `yaml:"header_fallback"`
	} `yaml:"auth"`
	Processor struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"processor"`
	Webhook struct {
		Secret           string `yaml:"secret"`
		ToleranceSeconds int    `yaml:"tolerance_seconds"`
		LookupRetries    int    `yaml:"lookup_retries"`
		LookupBackoffMS  int    `yaml:"lookup_backoff_ms"`
	} `yaml:"webhook"`
	Checkout struct {
		SessionTTLMinutes int      `yaml:"session_ttl_minutes"`
		AllowedOrigins    []string `yaml:"allowed_origins"`
		SuccessPath       string   `yaml:"success_path"`
		CancelPath        string   `yaml:"cancel_path"`
	} `yaml:"checkout"`
	Pricing struct {
		DefaultFeePct string `yaml:"default_fee_pct"`
	} `yaml:"pricing"`
	Payouts struct {
		AutoCreate bool `yaml:"auto_create"`
	} `yaml:"payouts"`
	Worker struct {
		IntervalSeconds   int `yaml:"interval_seconds"`
		StaleAfterMinutes int `yaml:"stale_after_minutes"`
		BatchSize         int `yaml:"batch_size"`
	} `yaml:"worker"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"ratelimit"`
}

// Load reads the YAML file at path (or CONFIG_PATH, or configs/config.yaml),
// then a .env file if one exists, then environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	var cfg Config
	cfg.Server.ShutdownTimeoutSeconds = 5
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Auth.AdminRole = "admin"
	cfg.Processor.TimeoutSeconds = 10
	cfg.Webhook.ToleranceSeconds = 300
	cfg.Webhook.LookupRetries = 3
	cfg.Webhook.LookupBackoffMS = 200
	cfg.Checkout.SessionTTLMinutes = 30
	cfg.Checkout.SuccessPath = "/payments/success"
	cfg.Checkout.CancelPath = "/payments/cancel"
	cfg.Pricing.DefaultFeePct = "20"
	cfg.Payouts.AutoCreate = true
	cfg.Worker.IntervalSeconds = 60
	cfg.Worker.StaleAfterMinutes = 15
	cfg.Worker.BatchSize = 100
	cfg.RateLimit.RPS = 5
	cfg.RateLimit.Burst = 10
	return &cfg
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Processor.BaseURL == "" {
		return errors.New("processor.base_url is required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.HeaderFallback {
		return errors.New("auth.jwt_secret is required unless auth.header_fallback is set")
	}
	if c.Webhook.LookupRetries < 0 {
		return errors.New("webhook.lookup_retries must not be negative")
	}
	return nil
}

func (c *Config) ProcessorTimeout() time.Duration {
	return time.Duration(c.Processor.TimeoutSeconds) * time.Second
}

func (c *Config) WebhookTolerance() time.Duration {
	return time.Duration(c.Webhook.ToleranceSeconds) * time.Second
}

func (c *Config) LookupBackoff() time.Duration {
	return time.Duration(c.Webhook.LookupBackoffMS) * time.Millisecond
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Checkout.SessionTTLMinutes) * time.Minute
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterMinutes) * time.Minute
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTH_HEADER_FALLBACK"); v != "" {
		cfg.Auth.HeaderFallback = boolOr(cfg.Auth.HeaderFallback, v)
	}
	if v := os.Getenv("PROCESSOR_BASE_URL"); v != "" {
		cfg.Processor.BaseURL = v
	}
	if v := os.Getenv("PROCESSOR_API_KEY"); v != "" {
		cfg.Processor.APIKey = v
	}
	if v := os.Getenv("PROCESSOR_TIMEOUT_SECONDS"); v != "" {
		cfg.Processor.TimeoutSeconds = atoiOr(cfg.Processor.TimeoutSeconds, v)
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("WEBHOOK_TOLERANCE_SECONDS"); v != "" {
		cfg.Webhook.ToleranceSeconds = atoiOr(cfg.Webhook.ToleranceSeconds, v)
	}
	if v := os.Getenv("WEBHOOK_LOOKUP_RETRIES"); v != "" {
		cfg.Webhook.LookupRetries = atoiOr(cfg.Webhook.LookupRetries, v)
	}
	if v := os.Getenv("CHECKOUT_SESSION_TTL_MINUTES"); v != "" {
		cfg.Checkout.SessionTTLMinutes = atoiOr(cfg.Checkout.SessionTTLMinutes, v)
	}
	if v := os.Getenv("CHECKOUT_ALLOWED_ORIGINS"); v != "" {
		cfg.Checkout.AllowedOrigins = splitCommaList(v)
	}
	if v := os.Getenv("DEFAULT_FEE_PCT"); v != "" {
		cfg.Pricing.DefaultFeePct = v
	}
	if v := os.Getenv("PAYOUTS_AUTO_CREATE"); v != "" {
		cfg.Payouts.AutoCreate = boolOr(cfg.Payouts.AutoCreate, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_STALE_AFTER_MINUTES"); v != "" {
		cfg.Worker.StaleAfterMinutes = atoiOr(cfg.Worker.StaleAfterMinutes, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = atoiOr(cfg.RateLimit.Burst, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
