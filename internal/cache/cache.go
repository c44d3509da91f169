package cache

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
)

// Key identifies one cached board view.
type Key struct {
	PipelineID string
	Filter     string
	Variant    string
}

// String renders the storage key. The pipeline id leads so invalidation can
// match by prefix.
func (k Key) String() string {
	return k.PipelineID + "|" + k.Filter + "|" + k.Variant
}

// Row is one board row: an item placed in a stage.
type Row struct {
	Item      domain.ItemRef `json:"item"`
	StageID   string         `json:"stage_id"`
	StageName string         `json:"stage_name"`
	Title     string         `json:"title"`
	EnteredAt string         `json:"entered_at" format:"date-time"`
}

// Entry is a cached board view. Never authoritative; always reconstructable
// from the store.
type Entry struct {
	Rows      []Row     `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable second layer.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key, pipelineID string, e Entry, ttl time.Duration) error
	DeletePipeline(ctx context.Context, pipelineID string) error
	DeleteAll(ctx context.Context) error
}

// RefreshFunc rebuilds an entry from the item store.
type RefreshFunc func(ctx context.Context, key Key) (Entry, error)

// Cache is the two-layer read cache: a short-TTL in-process LRU in front of
// a longer-TTL durable store. The memory layer is process-local and must
// never be treated as a source of truth by another process.
type Cache struct {
	cfg    *config.Config
	mem    *expirable.LRU[string, Entry]
	store  Store
	Now    func() time.Time
	Logger *log.Logger

	// Refresh, when set, is called in the background after a layer-2 hit
	// whose age exceeds the memory TTL.
	Refresh RefreshFunc

	mu         sync.Mutex
	refreshing map[string]bool
	// gens count invalidations per pipeline; genAll counts full purges. A
	// background refresh that observed an older generation must drop its
	// result instead of resurrecting a pre-invalidation view.
	gens   map[string]uint64
	genAll uint64
}

func New(cfg *config.Config, store Store) *Cache {
	return &Cache{
		cfg:        cfg,
		mem:        expirable.NewLRU[string, Entry](cfg.Cache.MemoryEntries, nil, cfg.Cache.MemoryTTL),
		store:      store,
		Now:        time.Now,
		refreshing: make(map[string]bool),
		gens:       make(map[string]uint64),
	}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get checks the memory layer then the durable layer. A durable hit is
// promoted to memory and returned immediately; a stale-ish one may schedule
// an asynchronous refresh.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	ks := key.String()
	if e, ok := c.mem.Get(ks); ok {
		return e, true
	}
	if c.store == nil {
		return Entry{}, false
	}
	e, ok, err := c.store.Get(ctx, ks)
	if err != nil {
		c.logf("cache: store get %s: %v", ks, err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	c.mem.Add(ks, e)
	if c.Refresh != nil && c.now().Sub(e.CreatedAt) > c.cfg.Cache.MemoryTTL {
		c.scheduleRefresh(key)
	}
	return e, true
}

// Put writes both layers. Entries beyond the size ceiling skip the durable
// layer only; memory always accepts.
func (c *Cache) Put(ctx context.Context, key Key, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	ks := key.String()
	c.mem.Add(ks, e)
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, ks, key.PipelineID, e, c.cfg.StoreTTLFor(key.Variant)); err != nil {
		c.logf("cache: store put %s: %v", ks, err)
	}
}

// Invalidate removes every entry of the pipeline from both layers. The
// generation is bumped before the layers are cleared so an in-flight
// refresh cannot slip its result in between the clear and the bump.
func (c *Cache) Invalidate(ctx context.Context, pipelineID string) {
	c.mu.Lock()
	c.gens[pipelineID]++
	c.mu.Unlock()
	prefix := pipelineID + "|"
	for _, k := range c.mem.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.mem.Remove(k)
		}
	}
	if c.store == nil {
		return
	}
	if err := c.store.DeletePipeline(ctx, pipelineID); err != nil {
		c.logf("cache: invalidate pipeline %s: %v", pipelineID, err)
	}
}

// InvalidateAll clears everything. Used after destructive pipeline-level
// operations.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.genAll++
	c.mu.Unlock()
	c.mem.Purge()
	if c.store == nil {
		return
	}
	if err := c.store.DeleteAll(ctx); err != nil {
		c.logf("cache: invalidate all: %v", err)
	}
}

func (c *Cache) scheduleRefresh(key Key) {
	ks := key.String()
	c.mu.Lock()
	if c.refreshing[ks] {
		c.mu.Unlock()
		return
	}
	c.refreshing[ks] = true
	pipeGen, allGen := c.gens[key.PipelineID], c.genAll
	c.mu.Unlock()
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, ks)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e, err := c.Refresh(ctx, key)
		if err != nil {
			c.logf("cache: refresh %s: %v", ks, err)
			return
		}
		c.mu.Lock()
		invalidated := c.gens[key.PipelineID] != pipeGen || c.genAll != allGen
		c.mu.Unlock()
		if invalidated {
			c.logf("cache: refresh %s dropped, pipeline invalidated mid-rebuild", ks)
			return
		}
		c.Put(ctx, key, e)
	}()
}

func (c *Cache) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
