package llm

import (
	"math/rand"
	"strings"
	"sync"
)

// Category names a family of short canned phrases.
type Category string

const (
	CategoryFirework Category = "firework"
	CategoryKongming Category = "kongming"
)

// Cache holds phrases per category. A category is filled once and never
// changed afterwards.
type Cache struct {
	mu      sync.Mutex
	entries map[Category][]string
	rng     *rand.Rand
}

// NewCache creates an empty cache. seed drives Pick.
func NewCache(seed int64) *Cache {
	return &Cache{
		entries: make(map[Category][]string),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Seed fills a category if it is still empty. Blank values are dropped. It
// reports whether the category was filled by this call.
func (c *Cache) Seed(cat Category, values []string) bool {
	var clean []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries[cat]) > 0 {
		return false
	}
	c.entries[cat] = clean
	return true
}

// Pick returns a random phrase from the category.
func (c *Cache) Pick(cat Category) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := c.entries[cat]
	if len(vals) == 0 {
		return "", false
	}
	return vals[c.rng.Intn(len(vals))], true
}

// Values returns a copy of the category's phrases.
func (c *Cache) Values(cat Category) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries[cat]...)
}

// Len returns the number of phrases in the category.
func (c *Cache) Len(cat Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[cat])
}
