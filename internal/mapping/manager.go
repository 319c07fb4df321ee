package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tgmirror/internal/metrics"
	"tgmirror/pkg/mirror"
)

const (
	// DefaultCapacity bounds the in-memory cache.
	DefaultCapacity = 10000
	// DefaultPreloadLimit bounds LoadAll hydration.
	DefaultPreloadLimit = 10000
)

// Persistence is the durable mapping table the Manager writes through.
type Persistence interface {
	UpsertMessageMapping(ctx context.Context, mapping mirror.MessageMapping) error
	TargetMessageID(ctx context.Context, workerID, sourceChatID int64, sourceMessageID int) (int, bool, error)
	DeleteMessageMapping(ctx context.Context, workerID, sourceChatID int64, sourceMessageID int) error
	RecentMessageMappings(ctx context.Context, workerID, sourceChatID int64, limit int) ([]mirror.MessageMapping, error)
	MessageMappingCount(ctx context.Context, workerID, sourceChatID int64) (int, time.Time, error)
}

// Option mutates Manager configuration.
type Option func(*Manager)

// WithCapacity sets the cache capacity.
func WithCapacity(capacity int) Option {
	return func(m *Manager) {
		if capacity > 0 {
			m.capacity = capacity
		}
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics publishes cache size and store failures.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// Stats describes cache and store state for one source chat.
type Stats struct {
	CacheSize       int       `json:"cache_size"`
	CacheCapacity   int       `json:"cache_capacity"`
	StoredMappings  int       `json:"stored_mappings"`
	LatestMappingAt time.Time `json:"latest_mapping_at,omitempty"`
}

// Manager is the Mapping Store used by the copy engine and the live pipeline.
//
// Store failures are logged and reported as false/absent results; they are
// never propagated as errors because "no mapping" is a normal outcome for
// callers.
type Manager struct {
	store    Persistence
	worker   mirror.Worker
	capacity int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// writeMu pairs each store call with the cache update that follows it,
	// so a concurrent Delete cannot be undone by a stale Save or Get fill.
	writeMu sync.Mutex
	mu      sync.Mutex
	cache   *lru
}

// New creates a Manager scoped to one worker identity.
func New(store Persistence, worker mirror.Worker, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("new mapping manager: nil store")
	}

	manager := &Manager{
		store:    store,
		worker:   worker,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(manager)
	}
	manager.cache = newLRU(manager.capacity)

	return manager, nil
}

// Save persists source→target and caches it only after the write succeeded.
func (m *Manager) Save(ctx context.Context, source, target mirror.ChatRef, sourceMessageID, targetMessageID int) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := m.store.UpsertMessageMapping(ctx, mirror.MessageMapping{
		WorkerID:        m.worker.ID,
		SourceChatID:    source.ID,
		TargetChatID:    target.ID,
		SourceMessageID: sourceMessageID,
		TargetMessageID: targetMessageID,
	})
	if err != nil {
		m.metrics.StoreFailed("save")
		m.logger.ErrorContext(ctx, "save message mapping failed",
			"worker_id", m.worker.ID,
			"source_chat_id", source.ID,
			"source_message_id", sourceMessageID,
			"target_message_id", targetMessageID,
			"error", err,
		)
		return false
	}

	m.mu.Lock()
	m.cache.put(cacheKey{sourceChatID: source.ID, sourceMessageID: sourceMessageID}, targetMessageID)
	size := m.cache.len()
	m.mu.Unlock()
	m.metrics.SetCacheEntries(size)

	return true
}

// Get resolves the target id for a source message, cache first.
func (m *Manager) Get(ctx context.Context, source mirror.ChatRef, sourceMessageID int) (int, bool) {
	key := cacheKey{sourceChatID: source.ID, sourceMessageID: sourceMessageID}

	m.mu.Lock()
	targetID, cached := m.cache.get(key)
	m.mu.Unlock()
	if cached {
		return targetID, true
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	targetID, found, err := m.store.TargetMessageID(ctx, m.worker.ID, source.ID, sourceMessageID)
	if err != nil {
		m.metrics.StoreFailed("get")
		m.logger.ErrorContext(ctx, "lookup message mapping failed",
			"worker_id", m.worker.ID,
			"source_chat_id", source.ID,
			"source_message_id", sourceMessageID,
			"error", err,
		)
		return 0, false
	}
	if !found {
		return 0, false
	}

	m.mu.Lock()
	m.cache.put(key, targetID)
	size := m.cache.len()
	m.mu.Unlock()
	m.metrics.SetCacheEntries(size)

	return targetID, true
}

// Delete removes the mapping from the store, then from the cache.
// When the store delete fails nothing is touched so the caller can retry.
func (m *Manager) Delete(ctx context.Context, source mirror.ChatRef, sourceMessageID int) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.DeleteMessageMapping(ctx, m.worker.ID, source.ID, sourceMessageID); err != nil {
		m.metrics.StoreFailed("delete")
		m.logger.ErrorContext(ctx, "delete message mapping failed",
			"worker_id", m.worker.ID,
			"source_chat_id", source.ID,
			"source_message_id", sourceMessageID,
			"error", err,
		)
		return false
	}

	m.mu.Lock()
	m.cache.remove(cacheKey{sourceChatID: source.ID, sourceMessageID: sourceMessageID})
	size := m.cache.len()
	m.mu.Unlock()
	m.metrics.SetCacheEntries(size)

	return true
}

// LoadAll hydrates the cache with the most recent limit mappings and returns
// how many were loaded. Older mappings stay reachable through Get.
func (m *Manager) LoadAll(ctx context.Context, source mirror.ChatRef, limit int) int {
	if limit <= 0 {
		limit = DefaultPreloadLimit
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	mappings, err := m.store.RecentMessageMappings(ctx, m.worker.ID, source.ID, limit)
	if err != nil {
		m.metrics.StoreFailed("load")
		m.logger.ErrorContext(ctx, "load message mappings failed",
			"worker_id", m.worker.ID,
			"source_chat_id", source.ID,
			"error", err,
		)
		return 0
	}

	m.mu.Lock()
	// Oldest first so the newest mappings end up most recently used.
	for index := len(mappings) - 1; index >= 0; index-- {
		mapping := mappings[index]
		m.cache.put(cacheKey{sourceChatID: mapping.SourceChatID, sourceMessageID: mapping.SourceMessageID}, mapping.TargetMessageID)
	}
	size := m.cache.len()
	m.mu.Unlock()
	m.metrics.SetCacheEntries(size)

	m.logger.InfoContext(ctx, "message mappings loaded",
		"worker_id", m.worker.ID,
		"source_chat_id", source.ID,
		"loaded", len(mappings),
		"cache_size", size,
	)

	return len(mappings)
}

// CacheSize reports the number of cached mappings.
func (m *Manager) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cache.len()
}

// ClearCache drops every cached mapping. The store is untouched.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache.clear()
	m.mu.Unlock()
	m.metrics.SetCacheEntries(0)
}

// Stats reports cache usage and persisted mapping counts for source.
func (m *Manager) Stats(ctx context.Context, source mirror.ChatRef) (Stats, error) {
	count, latest, err := m.store.MessageMappingCount(ctx, m.worker.ID, source.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("mapping stats: %w", err)
	}

	return Stats{
		CacheSize:       m.CacheSize(),
		CacheCapacity:   m.capacity,
		StoredMappings:  count,
		LatestMappingAt: latest,
	}, nil
}
