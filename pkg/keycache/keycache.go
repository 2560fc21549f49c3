package keycache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/internal/crypto"
)

const DefaultCapacity = 100

type entry struct {
	policyID   string
	key        *crypto.Buffer
	insertedAt time.Time
}

// Cache holds recovered data keys by policy id. When full it drops the
// entry that was inserted first; reads do not change the order.
type Cache struct {
	mu       sync.Mutex
	capacity int
	clock    clockwork.Clock
	order    *list.List
	entries  map[string]*list.Element
}

type Option func(*Cache)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

func New(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		clock:    clockwork.NewRealClock(),
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached key. The caller owns the buffer and
// should wipe it when done.
func (c *Cache) Get(policyID string) *crypto.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[policyID]
	if !ok {
		return nil
	}
	return crypto.NewBuffer(el.Value.(*entry).key.Copy())
}

// Set stores a copy of key. Replacing an existing entry wipes the old bytes
// and moves the entry to the back of the eviction order.
func (c *Cache) Set(policyID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[policyID]; ok {
		c.remove(el)
	}
	el := c.order.PushBack(&entry{
		policyID:   policyID,
		key:        crypto.CopyBuffer(key),
		insertedAt: c.clock.Now(),
	})
	c.entries[policyID] = el
	c.evict()
}

// Evict drops entries beyond capacity and reports how many were removed.
func (c *Cache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evict()
}

func (c *Cache) Delete(policyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[policyID]; ok {
		c.remove(el)
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.Len() > 0 {
		c.remove(c.order.Front())
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// InsertedAt reports when policyID was cached.
func (c *Cache) InsertedAt(policyID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[policyID]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*entry).insertedAt, true
}

func (c *Cache) evict() int {
	n := 0
	for c.order.Len() > c.capacity {
		c.remove(c.order.Front())
		n++
	}
	return n
}

func (c *Cache) remove(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	e.key.Wipe()
	delete(c.entries, e.policyID)
}
