package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
	"github.com/vnmchuo/llm-optimizer/internal/routing"
)

// defaultCompletionBudget is reserved when a request sets no max_tokens.
const defaultCompletionBudget = 1000

// Limiter is a per-owner tokens-per-minute budget backed by
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(ownerID string) string {
	return fmt.Sprintf("ratelimit:owner:%s", ownerID)
}

func (l *Limiter) Allow(ctx context.Context, ownerID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(ownerID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, ownerID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(ownerID))
}

// Reservation is the number of tokens to charge before a call: the
// estimated prompt size plus the completion budget.
func Reservation(req *provider.Request) int {
	completion := req.MaxTokens
	if completion <= 0 {
		completion = defaultCompletionBudget
	}
	return int(math.Ceil(routing.EstimateTokens(req.Messages))) + completion
}
