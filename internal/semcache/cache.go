// Package semcache is the semantic response cache. It maps a normalized
// conversation fingerprint to a previously produced answer so trivially
// re-phrased repeats of the same question become free hits. Store outages
// degrade to misses; the cache is never a point of failure for the request
// path.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	keyPrefix         = "semcache"
	fingerprintWindow = 5
	minCacheableChars = 3
	maxCacheableChars = 500
	hashHexLen        = 16
)

// Words that make an answer time-sensitive and therefore unsafe to replay.
// The list mixes English with Spanish and Portuguese equivalents and is
// deliberately kept as-is; extending it is a product decision.
var timeSensitiveWords = []string{
	"now", "today", "tonight", "yesterday", "tomorrow", "latest", "current",
	"ahora", "hoy", "actualmente", "último",
	"agora", "hoje", "atualmente", "última",
}

// Phrases that reference caller-local context and must never be shared.
var contextBoundPhrases = []string{
	"my code", "this code", "mi código", "meu código",
}

// Cache is the semantic cache over an associative TTL store.
type Cache struct {
	store Store
	ttl   time.Duration
}

// Message is the role/content pair the fingerprint is computed from.
type Message struct {
	Role    string
	Content string
}

// New creates a cache with the given default TTL.
func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// IsCacheable applies the eligibility filter to the final user message.
// Ineligible requests always miss and are never stored.
func IsCacheable(messages []Message) bool {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}

	trimmed := strings.TrimSpace(last)
	if len(trimmed) < minCacheableChars || len(trimmed) > maxCacheableChars {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, word := range timeSensitiveWords {
		if containsWord(lower, word) {
			return false
		}
	}
	for _, phrase := range contextBoundPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

// Get returns the cached answer for an equivalent conversation, or miss.
// Store errors are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, model string, messages []Message, conversationID string) (string, bool) {
	if !IsCacheable(messages) {
		return "", false
	}

	key := Key(model, messages, conversationID)
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("semantic cache read failed", "error", err, "model", model)
		return "", false
	}
	return value, ok
}

// Set stores the answer for the conversation fingerprint. A zero ttl uses
// the cache default. Store errors are logged and swallowed.
func (c *Cache) Set(ctx context.Context, model string, messages []Message, text string, ttl time.Duration, conversationID string) {
	if !IsCacheable(messages) {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	key := Key(model, messages, conversationID)
	if err := c.store.Set(ctx, key, text, ttl); err != nil {
		slog.Warn("semantic cache write failed", "error", err, "model", model)
	}
}

// InvalidateByModel drops every entry for one model across all scopes.
func (c *Cache) InvalidateByModel(ctx context.Context, model string) error {
	pattern := fmt.Sprintf("%s:*:%s:*", keyPrefix, sanitizePatternSegment(model))
	return c.store.DeleteByPattern(ctx, pattern)
}

// InvalidateByConversation drops every entry scoped to one conversation.
func (c *Cache) InvalidateByConversation(ctx context.Context, conversationID string) error {
	pattern := fmt.Sprintf("%s:conversation:%s:*", keyPrefix, sanitizePatternSegment(conversationID))
	return c.store.DeleteByPattern(ctx, pattern)
}

// Key builds the deterministic cache key. With a conversation id the key is
// scoped to that conversation; without one it is shared across all tenants
// asking the same model the same normalized question.
func Key(model string, messages []Message, conversationID string) string {
	scope := "shared"
	if conversationID != "" {
		scope = "conversation:" + conversationID
	}
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, scope, model, Fingerprint(messages))
}

// Fingerprint hashes the last messages of a conversation into a fixed-width
// digest. Casing, surrounding whitespace, and trailing punctuation of each
// message do not affect it.
func Fingerprint(messages []Message) string {
	window := messages
	if len(window) > fingerprintWindow {
		window = window[len(window)-fingerprintWindow:]
	}

	parts := make([]string, 0, len(window))
	for _, m := range window {
		parts = append(parts, m.Role+":"+normalize(m.Content))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:hashHexLen]
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!?,;: ")
}

func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(s[start-1])
		afterOK := end == len(s) || !isWordChar(s[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
