package translate

import (
	"container/list"
	"sync"
	"time"
)

// Cache defaults. Partial translations churn fast and are cheap to redo, so
// they get a short TTL and a bigger entry count; finals are authoritative and
// worth keeping around for repeated late-joining listeners.
const (
	DefaultPartialTTL = 120 * time.Second
	DefaultPartialCap = 200
	DefaultFinalTTL   = 600 * time.Second
	DefaultFinalCap   = 100

	// reuseLengthRatio guards stale reuse: a cached translation may stand in
	// for a newer, longer source only while the cached source still covers at
	// least this fraction of it.
	reuseLengthRatio = 0.9
)

type cacheEntry struct {
	key     string
	source  string
	text    string
	expires time.Time
}

// Cache is a TTL-bounded LRU of translations keyed by (source text, target
// language). Safe for concurrent use.
type Cache struct {
	ttl time.Duration
	cap int

	mu      sync.Mutex
	order   *list.List               // front = most recent
	entries map[string]*list.Element // key -> element holding *cacheEntry
	latest  map[string]*cacheEntry   // target -> most recent entry, for reuse
	now     func() time.Time
}

// NewCache creates a cache with the given TTL and entry cap.
func NewCache(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		ttl:     ttl,
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		latest:  make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(source, target string) string {
	return target + "\x00" + source
}

// Put stores a translation of source into target.
func (c *Cache) Put(source, target, translated string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(source, target)
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.text = translated
		ent.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		c.latest[target] = ent
		return
	}

	ent := &cacheEntry{
		key:     key,
		source:  source,
		text:    translated,
		expires: c.now().Add(c.ttl),
	}
	c.entries[key] = c.order.PushFront(ent)
	c.latest[target] = ent

	for len(c.entries) > c.cap {
		c.evictOldestLocked()
	}
}

// Get returns the cached translation of source into target, if present and
// fresh.
func (c *Cache) Get(source, target string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[cacheKey(source, target)]
	if !ok {
		return "", false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expires) {
		c.removeLocked(el)
		return "", false
	}
	c.order.MoveToFront(el)
	return ent.text, true
}

// Reusable returns the most recent cached translation for target that may
// stand in for newSource while a fresh translation is in flight. The cached
// source must still cover at least 90% of the new text's length; shorter
// entries are invalidated rather than shown, since a visibly lagging caption
// is worse than none.
func (c *Cache) Reusable(newSource, target string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.latest[target]
	if !ok {
		return "", false
	}
	if c.now().After(ent.expires) {
		return "", false
	}
	if float64(len(ent.source)) < float64(len(newSource))*reuseLengthRatio {
		delete(c.latest, target)
		return "", false
	}
	return ent.text, true
}

// Len returns the number of live entries (including any not yet expired-swept).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	el := c.order.Back()
	if el != nil {
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
	for target, latest := range c.latest {
		if latest == ent {
			delete(c.latest, target)
		}
	}
}
