// Package cache is the optimizer's per-client response cache. Entries expire
// lazily: an expired entry is dropped by the Get that finds it, and no
// goroutine sweeps the map.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// Entry is immutable once stored; Set replaces it wholesale.
type Entry struct {
	Key       string
	Value     *provider.Response
	CreatedAt time.Time
	TTL       time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached response so callers cannot mutate the
// stored entry.
func (c *Cache) Get(key string) (*provider.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	v := *e.Value
	return &v, true
}

func (c *Cache) Set(key string, value *provider.Response, ttl time.Duration) {
	if value == nil || ttl <= 0 {
		return
	}
	v := *value

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &Entry{
		Key:       key,
		Value:     &v,
		CreatedAt: c.now(),
		TTL:       ttl,
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Len counts stored entries, including expired ones not yet read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Key derives a deterministic key from the provider name and request.
func Key(providerName string, req *provider.Request) (string, error) {
	data, err := json.Marshal(struct {
		Provider string            `json:"provider"`
		Request  *provider.Request `json:"request"`
	}{providerName, req})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
