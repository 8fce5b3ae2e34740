package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/mapinfo/internal/metrics"
)

// Namespace names one persisted collection. Each namespace is stored as a
// single JSON object keyed by item key.
type Namespace string

const (
	MapsetsNamespace  Namespace = "beatmapsetsCache"
	BeatmapsNamespace Namespace = "beatmapsCache"

	MapsetItemType  = "beatmapset"
	BeatmapItemType = "beatmap"
)

// SchemaVersion is stamped on every entry. Entries carrying another version
// are treated as absent.
const SchemaVersion = 1

// Entry is one cached item. Payload holds the item record as JSON.
type Entry struct {
	ID      string          `json:"id"`
	Date    string          `json:"date"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Policy bounds a namespace. When it holds Limit or more entries, Evict of
// the oldest are dropped before the next write.
type Policy struct {
	Limit int
	Evict int
}

// DefaultPolicies mirrors the quota the listing page runs with.
func DefaultPolicies() map[Namespace]Policy {
	return map[Namespace]Policy{
		MapsetsNamespace:  {Limit: 600, Evict: 300},
		BeatmapsNamespace: {Limit: 50, Evict: 40},
	}
}

// Backend persists one blob per namespace. Load returns nil, nil when the
// namespace has never been written.
type Backend interface {
	Load(ctx context.Context, namespace string) ([]byte, error)
	Save(ctx context.Context, namespace string, blob []byte) error
	Close(ctx context.Context) error
}

type Options struct {
	Backend  Backend
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Policies map[Namespace]Policy
	Now      func() time.Time
}

// Store is the namespaced key/value cache. Read failures surface as misses
// and write failures are logged, never returned.
type Store struct {
	backend  Backend
	logger   *slog.Logger
	metrics  *metrics.Recorder
	policies map[Namespace]Policy
	now      func() time.Time

	mu sync.Mutex
}

func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewMemory(0)
	}
	policies := opts.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:  backend,
		logger:   logger.With(slog.String("agent", "local_store")),
		metrics:  opts.Metrics,
		policies: policies,
		now:      now,
	}
}

// ItemKey builds the key an item is stored under.
func ItemKey(itemType, id string) string {
	return itemType + "_" + id
}

// Get returns the entry for itemType/id. Missing, corrupt or version-stale
// entries are reported as absent.
func (s *Store) Get(ctx context.Context, ns Namespace, itemType, id string) (Entry, bool) {
	start := time.Now()
	s.mu.Lock()
	items, err := s.load(ctx, ns)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("cache read failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		s.metrics.ObserveCacheLookup(string(ns), metrics.CacheLookupError, time.Since(start))
		return Entry{}, false
	}
	raw, ok := items[ItemKey(itemType, id)]
	if !ok {
		s.metrics.ObserveCacheLookup(string(ns), metrics.CacheLookupMiss, time.Since(start))
		return Entry{}, false
	}
	entry, ok := s.decode(ns, raw)
	if !ok {
		s.metrics.ObserveCacheLookup(string(ns), metrics.CacheLookupMiss, time.Since(start))
		return Entry{}, false
	}
	s.metrics.ObserveCacheLookup(string(ns), metrics.CacheLookupHit, time.Since(start))
	return entry, true
}

// Set writes entry under itemType/id after enforcing the namespace policy.
// A missing date is filled with the current time.
func (s *Store) Set(ctx context.Context, ns Namespace, itemType, id string, entry Entry) {
	start := time.Now()
	if entry.ID == "" {
		entry.ID = id
	}
	if entry.Date == "" {
		entry.Date = s.now().UTC().Format(time.RFC3339)
	}
	entry.Version = SchemaVersion
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("cache encode failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		s.metrics.ObserveCacheStore(string(ns), metrics.CacheStoreError, time.Since(start))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load(ctx, ns)
	if err != nil {
		s.logger.Warn("discarding unreadable namespace", slog.String("namespace", string(ns)), slog.Any("error", err))
		items = make(map[string]json.RawMessage)
	}
	if policy, ok := s.policies[ns]; ok {
		if removed := evict(items, policy.Limit, policy.Evict); removed > 0 {
			s.logger.Info("cache evicted", slog.String("namespace", string(ns)), slog.Int("removed", removed))
			s.metrics.ObserveCacheEviction(string(ns), removed)
		}
	}
	items[ItemKey(itemType, id)] = raw
	if err := s.save(ctx, ns, items); err != nil {
		s.logger.Error("cache write failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		s.metrics.ObserveCacheStore(string(ns), metrics.CacheStoreError, time.Since(start))
		return
	}
	s.metrics.ObserveCacheStore(string(ns), metrics.CacheStoreStored, time.Since(start))
}

// ClearIfNeeded drops the evict oldest entries when the namespace holds limit
// or more. It returns how many were removed.
func (s *Store) ClearIfNeeded(ctx context.Context, ns Namespace, limit, evictCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load(ctx, ns)
	if err != nil {
		s.logger.Error("cache read failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		return 0
	}
	removed := evict(items, limit, evictCount)
	if removed == 0 {
		return 0
	}
	if err := s.save(ctx, ns, items); err != nil {
		s.logger.Error("cache write failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		return 0
	}
	s.metrics.ObserveCacheEviction(string(ns), removed)
	return removed
}

// Delete removes one item and reports whether it existed.
func (s *Store) Delete(ctx context.Context, ns Namespace, itemType, id string) bool {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load(ctx, ns)
	if err != nil {
		s.logger.Error("cache read failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		return false
	}
	key := ItemKey(itemType, id)
	if _, ok := items[key]; !ok {
		s.metrics.ObserveCacheDelete(string(ns), false, time.Since(start))
		return false
	}
	delete(items, key)
	if err := s.save(ctx, ns, items); err != nil {
		s.logger.Error("cache write failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		return false
	}
	s.metrics.ObserveCacheDelete(string(ns), true, time.Since(start))
	return true
}

// Count returns the number of items stored in ns.
func (s *Store) Count(ctx context.Context, ns Namespace) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load(ctx, ns)
	if err != nil {
		return 0
	}
	return len(items)
}

// Clear empties a namespace.
func (s *Store) Clear(ctx context.Context, ns Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, ns, map[string]json.RawMessage{}); err != nil {
		s.logger.Error("cache clear failed", slog.String("namespace", string(ns)), slog.Any("error", err))
	}
}

// FindByNestedID scans itemType entries of ns for one whose payload holds a
// field array containing an object with the given id. It returns the owning
// item id and the matching nested object.
func (s *Store) FindByNestedID(ctx context.Context, ns Namespace, itemType, field string, nestedID int64) (string, json.RawMessage, bool) {
	s.mu.Lock()
	items, err := s.load(ctx, ns)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("cache read failed", slog.String("namespace", string(ns)), slog.Any("error", err))
		return "", nil, false
	}
	prefix := itemType + "_"
	keys := make([]string, 0, len(items))
	for key := range items {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		entry, ok := s.decode(ns, items[key])
		if !ok {
			continue
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			continue
		}
		var nested []json.RawMessage
		if err := json.Unmarshal(payload[field], &nested); err != nil {
			continue
		}
		for _, candidate := range nested {
			var item struct {
				ID json.Number `json:"id"`
			}
			if err := json.Unmarshal(candidate, &item); err != nil {
				continue
			}
			if id, err := strconv.ParseInt(item.ID.String(), 10, 64); err == nil && id == nestedID {
				return entry.ID, candidate, true
			}
		}
	}
	return "", nil, false
}

// Close releases the backend.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}

func (s *Store) load(ctx context.Context, ns Namespace) (map[string]json.RawMessage, error) {
	blob, err := s.backend.Load(ctx, string(ns))
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", ns, err)
	}
	items := make(map[string]json.RawMessage)
	if len(blob) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(blob, &items); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", ns, err)
	}
	return items, nil
}

func (s *Store) save(ctx context.Context, ns Namespace, items map[string]json.RawMessage) error {
	blob, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", ns, err)
	}
	if err := s.backend.Save(ctx, string(ns), blob); err != nil {
		return fmt.Errorf("store: save %s: %w", ns, err)
	}
	return nil
}

func (s *Store) decode(ns Namespace, raw json.RawMessage) (Entry, bool) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Debug("skipping corrupt entry", slog.String("namespace", string(ns)), slog.Any("error", err))
		return Entry{}, false
	}
	if entry.Version != SchemaVersion {
		return Entry{}, false
	}
	return entry, true
}

// evict removes the evictCount oldest items when items holds limit or more.
// Unparsable dates sort first; ties break on key.
func evict(items map[string]json.RawMessage, limit, evictCount int) int {
	if limit <= 0 || len(items) < limit {
		return 0
	}
	if evictCount < 1 {
		evictCount = 1
	}
	type aged struct {
		key  string
		date time.Time
	}
	ordered := make([]aged, 0, len(items))
	for key, raw := range items {
		var dated struct {
			Date string `json:"date"`
		}
		var date time.Time
		if err := json.Unmarshal(raw, &dated); err == nil {
			if parsed, err := time.Parse(time.RFC3339, dated.Date); err == nil {
				date = parsed
			}
		}
		ordered = append(ordered, aged{key: key, date: date})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].date.Equal(ordered[j].date) {
			return ordered[i].date.Before(ordered[j].date)
		}
		return ordered[i].key < ordered[j].key
	})
	if evictCount > len(ordered) {
		evictCount = len(ordered)
	}
	for _, item := range ordered[:evictCount] {
		delete(items, item.key)
	}
	return evictCount
}
