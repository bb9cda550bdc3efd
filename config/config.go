package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vnmchuo/llm-optimizer/internal/optimizer"
	"github.com/vnmchuo/llm-optimizer/internal/routing"
)

type Config struct {
	// Server
	Port string `validate:"required,numeric"` // default: 8080

	// Database
	PostgresDSN string `validate:"required"`

	// Cache
	RedisAddr string `validate:"required"`

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Optimizer
	OptimizerAPIKey  string        `validate:"required"`
	OptimizerBaseURL string        `validate:"required,url"`
	EnableCache      bool          // default: false
	CacheTTL         time.Duration // default: 5m
	MaxRetries       int           `validate:"gte=0"` // default: 3
	AutoFallback     bool          // default: false
	SmartRouting     bool          // default: true
	CostLimit        float64       `validate:"gte=0"` // USD per call, 0 = unbounded
	PricingFile      string        // optional YAML/TOML/JSON price table

	// Observability
	LogLevel             string `validate:"oneof=trace debug info warn error"` // default: info
	OTELExporterType     string `validate:"oneof=stdout otlp"`                 // default: stdout
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 `validate:"gt=0"` // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OptimizerAPIKey:      os.Getenv("OPTIMIZER_API_KEY"),
		OptimizerBaseURL:     getEnv("OPTIMIZER_BASE_URL", optimizer.DefaultBaseURL),
		PricingFile:          os.Getenv("PRICING_FILE"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	if cfg.EnableCache, err = strconv.ParseBool(getEnv("OPTIMIZER_ENABLE_CACHE", "false")); err != nil {
		return nil, fmt.Errorf("invalid OPTIMIZER_ENABLE_CACHE: %w", err)
	}
	if cfg.CacheTTL, err = time.ParseDuration(getEnv("OPTIMIZER_CACHE_TTL", "5m")); err != nil {
		return nil, fmt.Errorf("invalid OPTIMIZER_CACHE_TTL: %w", err)
	}
	if cfg.MaxRetries, err = strconv.Atoi(getEnv("OPTIMIZER_MAX_RETRIES", strconv.Itoa(optimizer.DefaultMaxRetries))); err != nil {
		return nil, fmt.Errorf("invalid OPTIMIZER_MAX_RETRIES: %w", err)
	}
	if cfg.AutoFallback, err = strconv.ParseBool(getEnv("OPTIMIZER_AUTO_FALLBACK", "false")); err != nil {
		return nil, fmt.Errorf("invalid OPTIMIZER_AUTO_FALLBACK: %w", err)
	}
	if cfg.SmartRouting, err = strconv.ParseBool(getEnv("OPTIMIZER_SMART_ROUTING", "true")); err != nil {
		return nil, fmt.Errorf("invalid OPTIMIZER_SMART_ROUTING: %w", err)
	}
	if cfg.CostLimit, err = strconv.ParseFloat(getEnv("OPTIMIZER_COST_LIMIT", "0"), 64); err != nil {
		return nil, fmt.Errorf("invalid OPTIMIZER_COST_LIMIT: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Optimizer maps the gateway settings onto a client configuration.
func (c *Config) Optimizer() optimizer.Config {
	oc := optimizer.DefaultConfig(c.OptimizerAPIKey)
	oc.BaseURL = c.OptimizerBaseURL
	oc.EnableCache = c.EnableCache
	oc.MaxRetries = c.MaxRetries
	oc.AutoFallback = c.AutoFallback
	oc.SmartRouting = c.SmartRouting
	oc.CostLimit = c.CostLimit
	return oc
}

// Catalog is the optional model data file: a price table plus the
// candidates used by smart calls.
type Catalog struct {
	routing.PriceTable `mapstructure:",squash"`
	Candidates         []optimizer.Candidate `mapstructure:"candidates" validate:"dive"`
}

// LoadCatalog reads path with viper; the format follows the extension.
func LoadCatalog(path string) (*Catalog, error) {
	vip := viper.New()
	vip.SetConfigFile(path)
	vip.SetDefault("default_rate", routing.DefaultPricing.DefaultRate)

	if err := vip.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var cat Catalog
	if err := vip.Unmarshal(&cat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pricing file: %w", err)
	}
	if err := validator.New().Struct(&cat); err != nil {
		return nil, fmt.Errorf("pricing file validation failed: %w", err)
	}
	if len(cat.Entries) == 0 {
		cat.Entries = routing.DefaultPricing.Entries
	}

	return &cat, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
