package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache() (*Cache, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New()
	c.now = clk.now
	return c, clk
}

func TestGetSet(t *testing.T) {
	c, _ := newTestCache()

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", &provider.Response{Content: "cached"}, time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "cached", got.Content)
}

func TestLazyExpiry(t *testing.T) {
	c, clk := newTestCache()
	c.Set("k", &provider.Response{Content: "cached"}, time.Minute)

	clk.t = clk.t.Add(time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok, "age equal to ttl is still fresh")
	assert.Equal(t, 1, c.Len())

	clk.t = clk.t.Add(time.Nanosecond)
	assert.Equal(t, 1, c.Len(), "nothing sweeps in the background")
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is deleted on read")
}

func TestSetReplacesWholesale(t *testing.T) {
	c, clk := newTestCache()
	c.Set("k", &provider.Response{Content: "first"}, time.Minute)
	clk.t = clk.t.Add(50 * time.Second)
	c.Set("k", &provider.Response{Content: "second"}, time.Minute)
	clk.t = clk.t.Add(50 * time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "second", got.Content)
}

func TestStoredValueIsIsolated(t *testing.T) {
	c, _ := newTestCache()
	resp := &provider.Response{Content: "original"}
	c.Set("k", resp, time.Minute)
	resp.Content = "changed by caller"

	got, _ := c.Get("k")
	got.Content = "changed by reader"

	again, _ := c.Get("k")
	assert.Equal(t, "original", again.Content)
}

func TestSetIgnoresNonPositiveTTL(t *testing.T) {
	c, _ := newTestCache()
	c.Set("k", &provider.Response{Content: "x"}, 0)
	assert.Equal(t, 0, c.Len())
}

func TestClear(t *testing.T) {
	c, _ := newTestCache()
	c.Set("a", &provider.Response{}, time.Minute)
	c.Set("b", &provider.Response{}, time.Minute)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestKey(t *testing.T) {
	req := &provider.Request{Model: "gpt-4", Messages: []provider.Message{{Role: "user", Content: "Hi"}}}

	k1, err := Key("openai", req)
	require.NoError(t, err)
	k2, err := Key("openai", req.Clone())
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, _ := Key("claude", req)
	assert.NotEqual(t, k1, k3)

	other := req.Clone()
	other.Temperature = 0.7
	k4, _ := Key("openai", other)
	assert.NotEqual(t, k1, k4)

	withImage := req.Clone()
	withImage.Messages[0].Parts = []provider.ContentPart{{Type: provider.PartImageURL, ImageURL: "https://example.com/a.png"}}
	k5, _ := Key("openai", withImage)
	assert.NotEqual(t, k1, k5, "image parts are part of the key")
}
