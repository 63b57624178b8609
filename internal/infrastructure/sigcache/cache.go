package sigcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/pkg/safego"
)

const (
	// DefaultTTL is how long a stored signature stays valid.
	DefaultTTL = time.Hour

	// DefaultMaxEntries bounds the cache before LRU eviction kicks in.
	DefaultMaxEntries = 10000

	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = 5 * time.Minute

	minSignatureLen = 10
	maxSignatureLen = 10000
)

// SignatureCache stores upstream thought signatures keyed by the exact
// thinking text they were produced for. When a client replays a conversation,
// the request translator looks the signature up here instead of trusting
// whatever the client sent back.
//
// Entries expire after a TTL and the cache is capped with LRU eviction.
type SignatureCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	ttl        time.Duration
	maxEntries int
	sweepEvery time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

type cacheEntry struct {
	key       string
	signature string
	expiresAt time.Time
}

// NewSignatureCache creates a cache. Non-positive ttl and maxEntries fall
// back to defaults. sweepInterval == 0 disables the background sweep;
// negative values fall back to the default interval.
func NewSignatureCache(ttl time.Duration, maxEntries int, sweepInterval time.Duration, logger *zap.Logger) *SignatureCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if sweepInterval < 0 {
		sweepInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		sweepEvery: sweepInterval,
		logger:     logger,
		now:        time.Now,
	}
}

// IsValidSignature reports whether a signature is worth keeping: not blank
// and within the length bounds seen from the upstream.
func IsValidSignature(sig string) bool {
	if strings.TrimSpace(sig) == "" {
		return false
	}
	return len(sig) >= minSignatureLen && len(sig) <= maxSignatureLen
}

// Put stores a signature for the given thinking text. Invalid signatures are
// dropped silently so a bad upstream frame never poisons the cache.
func (c *SignatureCache) Put(thinkingText, signature string) {
	if !IsValidSignature(signature) {
		return
	}
	key := hashKey(thinkingText)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.signature = signature
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{
		key:       key,
		signature: signature,
		expiresAt: expiresAt,
	})
	c.entries[key] = elem

	for len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
}

// Get returns the signature stored for the given thinking text. Expired
// entries are evicted on sight and reported as misses.
func (c *SignatureCache) Get(thinkingText string) (string, bool) {
	key := hashKey(thinkingText)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)
	if !entry.expiresAt.After(c.now()) {
		c.removeElement(elem)
		return "", false
	}
	c.order.MoveToFront(elem)
	return entry.signature, true
}

// Len returns the number of live entries, expired ones included until the
// next sweep or lookup touches them.
func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties the cache.
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// StartCleanup runs the periodic expiry sweep until ctx is cancelled.
// It is a no-op when the sweep interval is zero.
func (c *SignatureCache) StartCleanup(ctx context.Context) {
	if c.sweepEvery <= 0 {
		return
	}
	safego.Loop(ctx, c.logger, "sigcache-sweep", c.sweepEvery, func() {
		if removed := c.sweepExpired(); removed > 0 {
			c.logger.Debug("swept expired signatures", zap.Int("removed", removed))
		}
	})
}

func (c *SignatureCache) sweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if !entry.expiresAt.After(now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (c *SignatureCache) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *SignatureCache) removeElement(elem *list.Element) {
	entry := c.order.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.key)
}

// SetClock overrides the time source. Tests only.
func (c *SignatureCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
