package taskdeck

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ============================================================================
// Fetch Executor boundary
// ============================================================================

// Executor performs a single request/response exchange for a query or
// mutation descriptor. Any returned error is treated as a transport failure.
type Executor interface {
	Execute(ctx context.Context, descriptor string, variables map[string]any, includeCredentials bool) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, descriptor string, variables map[string]any, includeCredentials bool) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, descriptor string, variables map[string]any, includeCredentials bool) (json.RawMessage, error) {
	return f(ctx, descriptor, variables, includeCredentials)
}

// ============================================================================
// Configuration
// ============================================================================

// DefaultCacheTTL is the validity window used when a caller does not supply one.
const DefaultCacheTTL = 5 * time.Minute

// DefaultCacheRetention bounds how long an entry is kept at all, valid or not.
const DefaultCacheRetention = time.Hour

// ExecOptions controls a single Execute call. A nil *ExecOptions means
// UseCache=true, TTL=DefaultCacheTTL, IncludeCredentials=true. A TTL longer
// than the cache's Retention is effectively capped by it.
type ExecOptions struct {
	UseCache           bool
	TTL                time.Duration
	IncludeCredentials bool
}

// CacheConfig configures a ResultCache.
type CacheConfig struct {
	// DefaultTTL applies to Peek and to Execute calls with a zero TTL.
	DefaultTTL time.Duration
	// Retention is how long entries stay in memory and in the mirror before
	// they are dropped. Never shorter than DefaultTTL.
	Retention time.Duration
	// Capacity caps the number of entries; 0 means unbounded. The least
	// recently stored entry is evicted first.
	Capacity uint64
	// Families maps a mutation name to the query families it invalidates.
	// Mutations not listed fall back to the <verb><Resource> naming convention.
	Families map[string][]string
	Logger   *slog.Logger
	Metrics  *Metrics
	// Now is the clock; tests override it.
	Now func() time.Time
}

func (c *CacheConfig) defaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultCacheTTL
	}
	if c.Retention == 0 {
		c.Retention = DefaultCacheRetention
	}
	if c.Retention < c.DefaultTTL {
		c.Retention = c.DefaultTTL
	}
	if c.Families == nil {
		c.Families = DefaultFamilies
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// DefaultFamilies declares which cached query families each known mutation affects.
var DefaultFamilies = map[string][]string{
	"createProject":    {"GetProjects", "GetProject"},
	"updateProject":    {"GetProjects", "GetProject"},
	"deleteProject":    {"GetProjects", "GetProject", "GetTasks"},
	"createTask":       {"GetTasks", "GetTask", "GetProject"},
	"updateTask":       {"GetTasks", "GetTask", "GetProject"},
	"deleteTask":       {"GetTasks", "GetTask", "GetProject"},
	"sendMessage":      {"GetMessages"},
	"markMessagesRead": {"GetMessages", "GetUnreadCounts"},
}

// mutation verbs recognised by the naming-convention fallback
var mutationVerbs = []string{"create", "update", "delete", "add", "remove", "assign", "unassign", "complete", "archive", "send", "mark"}

// ============================================================================
// Descriptor classification
// ============================================================================

var (
	operationPattern  = regexp.MustCompile(`^\s*(query|mutation|subscription)\b\s*([A-Za-z_][A-Za-z0-9_]*)?`)
	firstFieldPattern = regexp.MustCompile(`\{\s*([A-Za-z_][A-Za-z0-9_]*)`)
)

// IsMutation reports whether descriptor is a GraphQL mutation, judged by its
// leading operation keyword.
func IsMutation(descriptor string) bool {
	m := operationPattern.FindStringSubmatch(descriptor)
	return m != nil && m[1] == "mutation"
}

// MutationName returns the operation name of a mutation descriptor with a
// lower-case first letter, or the first selected field when the operation is
// anonymous. It returns "" for non-mutations.
func MutationName(descriptor string) string {
	m := operationPattern.FindStringSubmatch(descriptor)
	if m == nil || m[1] != "mutation" {
		return ""
	}
	name := m[2]
	if name == "" {
		if f := firstFieldPattern.FindStringSubmatch(descriptor); f != nil {
			name = f[1]
		}
	}
	return lowerFirst(name)
}

// CacheKey derives the deterministic cache key for a descriptor and its
// variables. Variables are serialized with sorted keys; nil and empty
// variables produce the same key.
func CacheKey(descriptor string, variables map[string]any) string {
	if variables == nil {
		variables = map[string]any{}
	}
	b, err := json.Marshal(variables)
	if err != nil {
		// unserializable variables cannot collide with a real key
		return descriptor + "#" + err.Error()
	}
	return descriptor + string(b)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ============================================================================
// ResultCache
// ============================================================================

// CacheEntry is one stored query result.
type CacheEntry struct {
	Key      string
	Value    json.RawMessage
	StoredAt time.Time
}

func (e CacheEntry) validAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.StoredAt) <= ttl
}

// ResultCache wraps an Executor with a TTL cache, mutation-driven family
// invalidation and a durable mirror in a SlotStore.
//
// Concurrent misses for the same key are not coalesced: each one fetches and
// the last result to arrive wins.
type ResultCache struct {
	exec  Executor
	slots SlotStore
	cfg   CacheConfig
	log   *slog.Logger

	// entries expire on the wall clock after Retention; validity for a
	// lookup is still decided by StoredAt against the configured clock.
	entries *ttlcache.Cache[string, CacheEntry]

	persistMu sync.Mutex
	loading   atomic.Int32
}

// NewResultCache creates a cache in front of exec. slots may be nil, in
// which case nothing is mirrored.
func NewResultCache(exec Executor, slots SlotStore, cfg *CacheConfig) *ResultCache {
	var c CacheConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	opts := []ttlcache.Option[string, CacheEntry]{
		ttlcache.WithTTL[string, CacheEntry](c.Retention),
		ttlcache.WithDisableTouchOnHit[string, CacheEntry](),
	}
	if c.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, CacheEntry](c.Capacity))
	}
	return &ResultCache{
		exec:    exec,
		slots:   slots,
		cfg:     c,
		log:     c.Logger,
		entries: ttlcache.New[string, CacheEntry](opts...),
	}
}

// Open loads the durable mirror. Missing or malformed slots leave the cache
// empty; Open only fails if the slot store itself cannot be read.
func (c *ResultCache) Open(ctx context.Context) error {
	if c.slots == nil {
		return nil
	}
	values, err := readSlot[map[string]json.RawMessage](ctx, c.slots, SlotCacheStore, c.log)
	if err != nil {
		return err
	}
	stamps, err := readSlot[map[string]int64](ctx, c.slots, SlotCacheTimestamps, c.log)
	if err != nil {
		return err
	}

	now := c.cfg.Now()
	c.entries.DeleteAll()
	loaded := 0
	for key, v := range values {
		ms, ok := stamps[key]
		if !ok {
			continue
		}
		storedAt := time.UnixMilli(ms)
		left := c.cfg.Retention - now.Sub(storedAt)
		if left <= 0 {
			continue
		}
		c.entries.Set(key, CacheEntry{Key: key, Value: v, StoredAt: storedAt}, left)
		loaded++
	}

	c.log.Debug("cache.open", "entries", loaded, "stored", len(values))
	return nil
}

// Close writes the final mirror and drops the in-memory store.
func (c *ResultCache) Close(ctx context.Context) error {
	err := c.persist(ctx)
	c.entries.DeleteAll()
	return err
}

// Loading reports whether any fetch issued through the cache is in flight.
func (c *ResultCache) Loading() bool {
	return c.loading.Load() > 0
}

// Len returns the number of retained entries. Entries past their TTL but
// inside the retention window are counted.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// Keys returns the stored keys in sorted order.
func (c *ResultCache) Keys() []string {
	keys := c.entries.Keys()
	sort.Strings(keys)
	return keys
}

func (c *ResultCache) resolve(opts *ExecOptions) ExecOptions {
	if opts == nil {
		return ExecOptions{UseCache: true, TTL: c.cfg.DefaultTTL, IncludeCredentials: true}
	}
	o := *opts
	if o.TTL <= 0 {
		o.TTL = c.cfg.DefaultTTL
	}
	return o
}

// Execute serves descriptor from the cache when allowed and valid, otherwise
// delegates to the executor. Mutations never read the cache and, on success,
// invalidate every cached family they declare before returning.
func (c *ResultCache) Execute(ctx context.Context, descriptor string, variables map[string]any, opts *ExecOptions) (json.RawMessage, error) {
	o := c.resolve(opts)
	key := CacheKey(descriptor, variables)
	mutation := IsMutation(descriptor)
	useCache := o.UseCache && !mutation

	if useCache {
		if v, ok := c.lookup(key, o.TTL); ok {
			c.cfg.Metrics.cacheRequest("hit")
			c.log.Debug("cache.hit", "key", key)
			return v, nil
		}
		c.cfg.Metrics.cacheRequest("miss")
	} else {
		c.cfg.Metrics.cacheRequest("bypass")
	}

	c.loading.Add(1)
	defer c.loading.Add(-1)

	result, err := c.exec.Execute(ctx, descriptor, variables, o.IncludeCredentials)
	if err != nil {
		c.cfg.Metrics.cacheRequest("error")
		c.log.Warn("cache.fetch.fail", "key", key, "err", err)
		return nil, err
	}

	switch {
	case mutation:
		c.invalidateFamilies(ctx, MutationName(descriptor))
	case useCache:
		c.store(ctx, key, result)
	}
	return result, nil
}

// Peek returns a cached value only if it is present and unexpired under the
// default TTL. It never fetches.
func (c *ResultCache) Peek(descriptor string, variables map[string]any) (json.RawMessage, bool) {
	return c.lookup(CacheKey(descriptor, variables), c.cfg.DefaultTTL)
}

// Invalidate removes a single key.
func (c *ResultCache) Invalidate(ctx context.Context, key string) {
	ok := c.entries.Has(key)
	c.entries.Delete(key)
	if ok {
		c.persistLogged(ctx)
	}
}

// InvalidateAll empties the store.
func (c *ResultCache) InvalidateAll(ctx context.Context) {
	c.entries.DeleteAll()
	c.persistLogged(ctx)
}

// Families returns the query families invalidated by the named mutation.
func (c *ResultCache) Families(mutation string) []string {
	name := lowerFirst(mutation)
	if fams, ok := c.cfg.Families[name]; ok {
		return fams
	}
	for _, verb := range mutationVerbs {
		if strings.HasPrefix(name, verb) && len(name) > len(verb) {
			resource := upperFirst(name[len(verb):])
			return []string{"Get" + resource + "s", "Get" + resource}
		}
	}
	return nil
}

func (c *ResultCache) lookup(key string, ttl time.Duration) (json.RawMessage, bool) {
	item := c.entries.Get(key)
	if item == nil {
		return nil, false
	}
	e := item.Value()
	if !e.validAt(c.cfg.Now(), ttl) {
		return nil, false
	}
	return e.Value, true
}

func (c *ResultCache) store(ctx context.Context, key string, value json.RawMessage) {
	c.entries.Set(key, CacheEntry{Key: key, Value: value, StoredAt: c.cfg.Now()}, ttlcache.DefaultTTL)
	c.persistLogged(ctx)
}

func (c *ResultCache) invalidateFamilies(ctx context.Context, mutation string) {
	families := c.Families(mutation)
	if len(families) == 0 {
		return
	}

	removed := 0
	for _, key := range c.entries.Keys() {
		for _, fam := range families {
			if strings.Contains(key, fam) {
				c.entries.Delete(key)
				removed++
				break
			}
		}
	}

	c.cfg.Metrics.cacheInvalidated(removed)
	c.log.Debug("cache.invalidate", "mutation", mutation, "families", families, "removed", removed)
	if removed > 0 {
		c.persistLogged(ctx)
	}
}

// persist mirrors the whole store. persistMu orders the snapshots so the
// last write always reflects the newest state.
func (c *ResultCache) persist(ctx context.Context) error {
	if n := c.prune(); n > 0 {
		c.log.Debug("cache.prune", "removed", n)
	}
	if c.slots == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	items := c.entries.Items()
	values := make(map[string]json.RawMessage, len(items))
	stamps := make(map[string]int64, len(items))
	for k, item := range items {
		e := item.Value()
		values[k] = e.Value
		stamps[k] = e.StoredAt.UnixMilli()
	}

	if err := writeSlot(ctx, c.slots, SlotCacheStore, values); err != nil {
		return err
	}
	return writeSlot(ctx, c.slots, SlotCacheTimestamps, stamps)
}

// prune drops entries older than Retention by the configured clock, then
// whatever the wall-clock TTL has already expired.
func (c *ResultCache) prune() int {
	now := c.cfg.Now()
	removed := 0
	for key, item := range c.entries.Items() {
		if now.Sub(item.Value().StoredAt) > c.cfg.Retention {
			c.entries.Delete(key)
			removed++
		}
	}
	c.entries.DeleteExpired()
	return removed
}

func (c *ResultCache) persistLogged(ctx context.Context) {
	if err := c.persist(ctx); err != nil {
		c.log.Warn("cache.persist.fail", "err", err)
	}
}

// ============================================================================
// Slot helpers
// ============================================================================

// readSlot decodes a JSON slot. Malformed content is logged and reported as
// absent; only store failures are returned.
func readSlot[T any](ctx context.Context, slots SlotStore, slot string, log *slog.Logger) (T, error) {
	var zero T
	data, ok, err := slots.Get(ctx, slot)
	if err != nil || !ok {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		log.Warn("slot.corrupt", "slot", slot, "err", err)
		return zero, nil
	}
	return v, nil
}

func writeSlot(ctx context.Context, slots SlotStore, slot string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return slots.Put(ctx, slot, data)
}
