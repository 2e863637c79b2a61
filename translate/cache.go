package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"minbar/etc"
)

const defaultCacheTTL = 30 * 24 * time.Hour

// CacheEntry is a stored, reusable translation. Protected entries never
// expire.
type CacheEntry struct {
	TranslatedText string
	Provider       string
	Confidence     float64
	UsageCount     int64
	LastUsedAt     time.Time
	ExpiresAt      time.Time
	Protected      bool
}

// Cache holds translations keyed by normalized source text, language pair,
// and context. Lookups bump the usage count.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	ttl     time.Duration
	clock   etc.Clock
}

func NewCache(ttl time.Duration, clock etc.Clock) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]*CacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// CacheKey hashes the normalized source text and appends the language pair
// and context, so the same phrase translated for a different context gets a
// distinct entry.
func CacheKey(text, sourceLang, targetLang, contextType string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:]) + ":" + sourceLang + ":" + targetLang + ":" + contextType
}

// normalize lowers the text and collapses runs of whitespace so trivial
// formatting differences share a cache entry.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Get returns a copy of the live entry for key and increments its usage
// count. Expired entries are dropped.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	now := c.clock.Now()
	if !e.Protected && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		delete(c.entries, key)
		return CacheEntry{}, false
	}
	e.UsageCount++
	e.LastUsedAt = now
	return *e, true
}

// Put stores a new entry under key. Protected entries (curated phrases)
// never expire.
func (c *Cache) Put(key string, e CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e.LastUsedAt = now
	if e.UsageCount == 0 {
		e.UsageCount = 1
	}
	if !e.Protected && e.ExpiresAt.IsZero() {
		e.ExpiresAt = now.Add(c.ttl)
	}
	c.entries[key] = &e
}

// Len reports the number of entries currently stored.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CachedTranslator fronts a Translator with the cache. Concurrent misses on
// one key may each call the provider; last write wins, which is harmless
// because the provider is deterministic for a given input.
type CachedTranslator struct {
	cache    *Cache
	provider Translator
	logger   *log.Logger
}

func NewCachedTranslator(cache *Cache, provider Translator, logger *log.Logger) *CachedTranslator {
	return &CachedTranslator{cache: cache, provider: provider, logger: logger}
}

func (t *CachedTranslator) Translate(ctx context.Context, text, sourceLang, targetLang, contextType string) (Translation, error) {
	key := CacheKey(text, sourceLang, targetLang, contextType)

	if e, ok := t.cache.Get(key); ok {
		return Translation{
			Text:       e.TranslatedText,
			Confidence: e.Confidence,
			Provider:   e.Provider,
			Cached:     true,
		}, nil
	}

	res, err := t.provider.Translate(ctx, text, sourceLang, targetLang, contextType)
	if err != nil {
		return Translation{}, err
	}

	t.cache.Put(key, CacheEntry{
		TranslatedText: res.Text,
		Provider:       res.Provider,
		Confidence:     res.Confidence,
	})
	return res, nil
}
