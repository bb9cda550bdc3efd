package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExists   = errors.New("api key already exists")
)

const keyCacheTTL = 5 * time.Minute

// APIKey authenticates gateway callers and optimizer clients reporting to
// the ingest endpoint. OwnerID scopes usage records and rate limits.
type APIKey struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, ownerID, keyID string) error
}

// KeyCache holds resolved keys by hash. A miss returns ErrKeyNotFound.
type KeyCache interface {
	Get(ctx context.Context, keyHash string) (*APIKey, error)
	Set(ctx context.Context, keyHash string, key *APIKey, ttl time.Duration) error
}

type RedisKeyCache struct {
	rdb *redis.Client
}

func NewRedisKeyCache(rdb *redis.Client) *RedisKeyCache {
	return &RedisKeyCache{rdb: rdb}
}

func (c *RedisKeyCache) Get(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := c.rdb.Get(ctx, "auth:"+keyHash).Scan(&k)
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *RedisKeyCache) Set(ctx context.Context, keyHash string, key *APIKey, ttl time.Duration) error {
	return c.rdb.Set(ctx, "auth:"+keyHash, key, ttl).Err()
}

// HashKey is the at-rest form of a raw API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	ownerIDKey   contextKey = "owner_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
)

func NewMiddleware(store Store, cache KeyCache) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			keyHash := HashKey(key)

			apiKey, err := cache.Get(ctx, keyHash)
			if err != nil {
				if !errors.Is(err, ErrKeyNotFound) {
					log.Warn().Err(err).Msg("auth: key cache lookup failed")
				}

				apiKey, err = store.GetByHash(ctx, keyHash)
				if err != nil {
					if errors.Is(err, ErrKeyNotFound) {
						http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
						return
					}
					log.Error().Err(err).Str("request_id", requestID).Msg("auth: key store lookup failed")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if err := cache.Set(ctx, keyHash, apiKey, keyCacheTTL); err != nil {
					log.Warn().Err(err).Msg("auth: failed to cache key")
				}
			}

			ctx = context.WithValue(ctx, ownerIDKey, apiKey.OwnerID)
			ctx = context.WithValue(ctx, apiKeyIDKey, apiKey.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetOwnerID(ctx context.Context) string {
	if id, ok := ctx.Value(ownerIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
