package optimizer

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vnmchuo/llm-optimizer/internal/middleware"
)

const (
	DefaultBaseURL    = "https://app.llmoptimizer.dev"
	DefaultMaxRetries = 3
)

// Config is copied by New and never changes afterwards.
type Config struct {
	APIKey       string                  `validate:"required"`
	BaseURL      string                  `validate:"required,url"`
	EnableCache  bool                    `validate:"-"`
	MaxRetries   int                     `validate:"gte=0"`
	Middleware   []middleware.Middleware `validate:"-"`
	AutoFallback bool                    `validate:"-"`
	SmartRouting bool                    `validate:"-"`
	CostLimit    float64                 `validate:"gte=0"` // USD per call, 0 means unbounded
}

func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:       apiKey,
		BaseURL:      DefaultBaseURL,
		MaxRetries:   DefaultMaxRetries,
		SmartRouting: true,
	}
}

var configValidator = validator.New()

func (c Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid optimizer config: %w", err)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Middleware = append([]middleware.Middleware(nil), c.Middleware...)
	return out
}
