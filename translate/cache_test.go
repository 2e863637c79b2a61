package translate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

type countingTranslator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (t *countingTranslator) Translate(_ context.Context, text, sourceLang, targetLang, contextType string) (Translation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return Translation{}, t.err
	}
	return Translation{
		Text:       "[" + targetLang + "] " + text,
		Confidence: 0.9,
		Provider:   "fake",
	}, nil
}

func (t *countingTranslator) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func TestCacheKeyNormalization(t *testing.T) {
	a := CacheKey("  Hello   WORLD ", "en", "ar", "general")
	b := CacheKey("hello world", "en", "ar", "general")
	if a != b {
		t.Error("whitespace and case variants should share a key")
	}

	if CacheKey("hello", "en", "ar", "general") == CacheKey("hello", "en", "ar", "religious") {
		t.Error("different contexts should get distinct keys")
	}
	if CacheKey("hello", "en", "ar", "general") == CacheKey("hello", "en", "fr", "general") {
		t.Error("different target languages should get distinct keys")
	}
}

func TestCacheHitBumpsUsage(t *testing.T) {
	c := NewCache(0, newFakeClock())
	key := CacheKey("بسم الله", "ar", "en", "religious")
	c.Put(key, CacheEntry{TranslatedText: "In the name of God", Provider: "deepl", Confidence: 0.95})

	e, ok := c.Get(key)
	if !ok {
		t.Fatal("expected a hit")
	}
	if e.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2 (put + one hit)", e.UsageCount)
	}

	e, _ = c.Get(key)
	if e.UsageCount != 3 {
		t.Errorf("usage count = %d, want 3", e.UsageCount)
	}
}

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Hour, clock)
	key := CacheKey("good morning", "en", "ar", "general")
	c.Put(key, CacheEntry{TranslatedText: "صباح الخير"})

	clock.Advance(59 * time.Minute)
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry expired early")
	}

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get(key); ok {
		t.Fatal("entry survived past its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0 after expiry", c.Len())
	}
}

func TestProtectedEntriesNeverExpire(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Hour, clock)
	key := CacheKey("amen", "en", "ar", "religious")
	c.Put(key, CacheEntry{TranslatedText: "آمين", Protected: true})

	clock.Advance(1000 * time.Hour)
	if _, ok := c.Get(key); !ok {
		t.Error("protected entry expired")
	}
}

func TestCachedTranslatorHitsProviderOnce(t *testing.T) {
	provider := &countingTranslator{}
	ct := NewCachedTranslator(NewCache(0, newFakeClock()), provider, log.New(io.Discard))
	ctx := context.Background()

	first, err := ct.Translate(ctx, "hello world", "en", "ar", "general")
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first call should be a miss")
	}

	second, err := ct.Translate(ctx, "  HELLO   world ", "en", "ar", "general")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("normalized repeat should be a hit")
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}

	// A different context is a separate entry.
	if _, err := ct.Translate(ctx, "hello world", "en", "ar", "religious"); err != nil {
		t.Fatal(err)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestCachedTranslatorDoesNotCacheFailures(t *testing.T) {
	provider := &countingTranslator{err: errors.New("quota exceeded")}
	cache := NewCache(0, newFakeClock())
	ct := NewCachedTranslator(cache, provider, log.New(io.Discard))

	if _, err := ct.Translate(context.Background(), "hello", "en", "ar", "general"); err == nil {
		t.Fatal("expected provider error")
	}
	if cache.Len() != 0 {
		t.Errorf("cache len = %d, want 0 after a failure", cache.Len())
	}
}
