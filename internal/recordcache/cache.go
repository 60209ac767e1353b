// Package recordcache keeps the budget records of connected entities in memory.
package recordcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"go.uber.org/zap"
)

// Cache maps entity ids to records, loading lazily from a Store.
// Every record has its own lock, so mutations of one entity are linearized while
// different entities proceed in parallel.
type Cache struct {
	store  budget.Store
	engine budget.EngineSource
	logger *zap.Logger

	mutex   sync.Mutex
	entries map[budget.EntityID]*cacheEntry
}

type cacheEntry struct {
	mutex   sync.Mutex
	record  budget.Record
	evicted bool
}

// New wires a Cache.
func New(store budget.Store, engine budget.EngineSource, logger *zap.Logger) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", budget.ErrInvalidSettings)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", budget.ErrInvalidSettings)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:   store,
		engine:  engine,
		logger:  logger,
		entries: make(map[budget.EntityID]*cacheEntry),
	}, nil
}

// Update runs mutate on the actor's record while holding the record lock,
// loading the record first when it is not cached.
func (cache *Cache) Update(ctx context.Context, actor budget.Actor, mutate func(record *budget.Record) error) error {
	if actor.ID.IsZero() {
		return fmt.Errorf("%w: empty value", budget.ErrInvalidEntityID)
	}
	entry := cache.acquire(ctx, actor)
	defer entry.mutex.Unlock()
	return mutate(&entry.record)
}

// Get returns a copy of the actor's record, loading it when needed.
func (cache *Cache) Get(ctx context.Context, actor budget.Actor) (budget.Record, error) {
	var snapshot budget.Record
	err := cache.Update(ctx, actor, func(record *budget.Record) error {
		snapshot = record.Clone()
		return nil
	})
	return snapshot, err
}

// Peek returns a copy of a cached record without loading.
func (cache *Cache) Peek(entityID budget.EntityID) (budget.Record, bool) {
	cache.mutex.Lock()
	entry, found := cache.entries[entityID]
	cache.mutex.Unlock()
	if !found {
		return budget.Record{}, false
	}
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if entry.evicted {
		return budget.Record{}, false
	}
	return entry.record.Clone(), true
}

// Active lists the cached entity ids.
func (cache *Cache) Active() []budget.EntityID {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entityIDs := make([]budget.EntityID, 0, len(cache.entries))
	for entityID := range cache.entries {
		entityIDs = append(entityIDs, entityID)
	}
	return entityIDs
}

// Save writes a cached record to the store. Failures are logged, never returned:
// the in-memory record stays authoritative for the rest of the session.
func (cache *Cache) Save(ctx context.Context, entityID budget.EntityID) {
	cache.mutex.Lock()
	entry, found := cache.entries[entityID]
	cache.mutex.Unlock()
	if !found {
		return
	}
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if entry.evicted {
		return
	}
	cache.persist(ctx, entry.record)
}

// Persist writes a record snapshot. Gate code calls it from inside Update, where
// Save would deadlock on the record lock.
func (cache *Cache) Persist(ctx context.Context, record budget.Record) bool {
	return cache.persist(ctx, record)
}

// SaveAll writes every cached record and returns how many were written.
func (cache *Cache) SaveAll(ctx context.Context) int {
	saved := 0
	for _, entityID := range cache.Active() {
		cache.mutex.Lock()
		entry, found := cache.entries[entityID]
		cache.mutex.Unlock()
		if !found {
			continue
		}
		entry.mutex.Lock()
		if !entry.evicted && cache.persist(ctx, entry.record) {
			saved++
		}
		entry.mutex.Unlock()
	}
	return saved
}

// Evict drops a record from memory without touching the store.
func (cache *Cache) Evict(entityID budget.EntityID) {
	cache.mutex.Lock()
	entry, found := cache.entries[entityID]
	cache.mutex.Unlock()
	if !found {
		return
	}
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	cache.removeLocked(entityID, entry)
}

// Release saves a record and then evicts it while holding the record lock, so a
// concurrent lookup can only observe the saved value.
func (cache *Cache) Release(ctx context.Context, entityID budget.EntityID) {
	cache.mutex.Lock()
	entry, found := cache.entries[entityID]
	cache.mutex.Unlock()
	if !found {
		return
	}
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if entry.evicted {
		return
	}
	cache.persist(ctx, entry.record)
	cache.removeLocked(entityID, entry)
}

func (cache *Cache) removeLocked(entityID budget.EntityID, entry *cacheEntry) {
	entry.evicted = true
	cache.mutex.Lock()
	if cache.entries[entityID] == entry {
		delete(cache.entries, entityID)
	}
	cache.mutex.Unlock()
}

// acquire returns the locked entry for the actor.
func (cache *Cache) acquire(ctx context.Context, actor budget.Actor) *cacheEntry {
	for {
		cache.mutex.Lock()
		entry, found := cache.entries[actor.ID]
		if !found {
			entry = &cacheEntry{}
			entry.mutex.Lock()
			cache.entries[actor.ID] = entry
			cache.mutex.Unlock()
			entry.record = cache.load(ctx, actor)
			return entry
		}
		cache.mutex.Unlock()
		entry.mutex.Lock()
		if !entry.evicted {
			return entry
		}
		entry.mutex.Unlock()
	}
}

func (cache *Cache) load(ctx context.Context, actor budget.Actor) budget.Record {
	engine := cache.engine()
	record, err := cache.store.Load(ctx, actor.ID)
	switch {
	case err == nil:
		record.EntityID = actor.ID
		engine.Clamp(&record)
		return record
	case errors.Is(err, budget.ErrRecordNotFound):
		return engine.DefaultRecord(actor.ID, actor.HasPriorHistory)
	default:
		cache.logger.Error("record load failed, using default",
			zap.String("entity_id", actor.ID.String()),
			zap.Bool("prior_history", actor.HasPriorHistory),
			zap.Error(err))
		return engine.DefaultRecord(actor.ID, actor.HasPriorHistory)
	}
}

func (cache *Cache) persist(ctx context.Context, record budget.Record) bool {
	if err := cache.store.Save(ctx, record.Clone()); err != nil {
		cache.logger.Error("record save failed",
			zap.String("entity_id", record.EntityID.String()),
			zap.Int64("points", record.Points.Int64()),
			zap.Error(err))
		return false
	}
	return true
}
