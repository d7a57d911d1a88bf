// Package cache provides the in-memory store of frequently-resolved platform
// entities. Slots are registered per entity type at startup, populated lazily
// on first read, and cleared through type-scoped invalidation cascades. The
// cache is a performance layer over an eventually-consistent stream, not a
// source of truth; it is rebuilt on demand and never persisted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Entity type keys for the registered cache slots.
const (
	TypeUser             = "User"
	TypeRole             = "Role"
	TypeGroup            = "Group"
	TypeConnector        = "Connector"
	TypePlaybook         = "Playbook"
	TypeTrigger          = "Trigger"
	TypeStreamCollection = "StreamCollection"
	TypePublicDashboard  = "PublicDashboard"
	TypeResolvedFilters  = "ResolvedFilters"
)

var (
	// ErrUnsupportedCacheType is returned when the requested type has no
	// registered slot. This is a configuration error, never retried.
	ErrUnsupportedCacheType = errors.New("cache type is not supported")
)

var cachedTypes = map[string]bool{
	TypeUser:             true,
	TypeRole:             true,
	TypeGroup:            true,
	TypeConnector:        true,
	TypePlaybook:         true,
	TypeTrigger:          true,
	TypeStreamCollection: true,
	TypePublicDashboard:  true,
	TypeResolvedFilters:  true,
}

// IsCachedType reports whether the entity type has a cache slot, i.e.
// mutations to it must reach the invalidation path.
func IsCachedType(entityType string) bool {
	return cachedTypes[entityType]
}

// Entity is one cached platform entity. An entity is reachable under any of
// its known identifiers depending on the slot's keying strategy.
type Entity struct {
	ID             string   `json:"id"`
	StandardID     string   `json:"standard_id"`
	AlternateIDs   []string `json:"alternate_ids,omitempty"`
	EntityType     string   `json:"entity_type"`
	Name           string   `json:"name,omitempty"`
	URIKey         string   `json:"uri_key,omitempty"`
	Representative string   `json:"representative,omitempty"`
}

// LoadFunc populates a slot with the full current list for its type. Loaders
// must be idempotent and safe to call repeatedly.
type LoadFunc func(ctx context.Context) ([]Entity, error)

// KeyStrategy selects how a slot's lookup map is keyed.
type KeyStrategy int

const (
	// KeyAllIdentifiers indexes every entity under all of its known
	// identifiers (internal id, standard id, alternates). Default.
	KeyAllIdentifiers KeyStrategy = iota
	// KeyStandardID indexes by standard id only (resolved filter targets).
	KeyStandardID
	// KeyURI indexes by the URI-safe key (public dashboard tokens).
	KeyURI
)

// slot holds one entity type's cached state. values is nil until the first
// read populates it; invalidation clears it back to nil.
type slot struct {
	mu         sync.Mutex
	loader     LoadFunc
	strategy   KeyStrategy
	populated  bool
	inProgress bool
	values     []Entity
	byKey      map[string]Entity
}

func (s *slot) index() {
	s.byKey = make(map[string]Entity, len(s.values))
	for _, e := range s.values {
		switch s.strategy {
		case KeyStandardID:
			if e.StandardID != "" {
				s.byKey[e.StandardID] = e
			}
		case KeyURI:
			if e.URIKey != "" {
				s.byKey[e.URIKey] = e
			}
		default:
			if e.ID != "" {
				s.byKey[e.ID] = e
			}
			if e.StandardID != "" {
				s.byKey[e.StandardID] = e
			}
			for _, alt := range e.AlternateIDs {
				s.byKey[alt] = e
			}
		}
	}
}

func (s *slot) clear() {
	s.populated = false
	s.values = nil
	s.byKey = nil
}

// StoreConfig configures the cache store.
type StoreConfig struct {
	// PollInterval is how long a reader waits before re-checking a slot
	// whose population another caller already started.
	PollInterval time.Duration
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		PollInterval: 100 * time.Millisecond,
	}
}

// Store is the entity cache. Construct it with New and register every slot
// before steady-state traffic; it is never a package-level singleton.
type Store struct {
	config   StoreConfig
	mu       sync.RWMutex
	slots    map[string]*slot
	cascades map[string][]string

	// Metrics
	hits        atomic.Uint64
	misses      atomic.Uint64
	populations atomic.Uint64
}

// New creates an empty cache store with the default cascade rules.
func New(cfg StoreConfig) *Store {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Store{
		config:   cfg,
		slots:    make(map[string]*slot),
		cascades: defaultCascades(),
	}
}

// Register creates the slot for an entity type. Called once per type at
// startup, before any read.
func (s *Store) Register(entityType string, loader LoadFunc, strategy KeyStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[entityType] = &slot{loader: loader, strategy: strategy}
	slog.Debug("registered cache slot", "slot_type", entityType)
}

func (s *Store) slotFor(entityType string) (*slot, error) {
	s.mu.RLock()
	sl, ok := s.slots[entityType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCacheType, entityType)
	}
	return sl, nil
}

// Get returns the cached list for the type, populating the slot on first
// read. Concurrent callers during a population wait and re-read rather than
// triggering a second load.
func (s *Store) Get(ctx context.Context, entityType string) ([]Entity, error) {
	sl, err := s.slotFor(entityType)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePopulated(ctx, entityType, sl); err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.values, nil
}

// GetAsMap returns the cached lookup map for the type, keyed per the slot's
// registered strategy. The returned map is shared and must not be mutated.
func (s *Store) GetAsMap(ctx context.Context, entityType string) (map[string]Entity, error) {
	sl, err := s.slotFor(entityType)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePopulated(ctx, entityType, sl); err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.byKey, nil
}

// ensurePopulated implements the singleflight population contract: at most
// one in-flight load per slot, waiters poll until the load settles. The
// in-progress flag is always cleared on the loader error path so the slot
// never deadlocks.
func (s *Store) ensurePopulated(ctx context.Context, entityType string, sl *slot) error {
	for {
		sl.mu.Lock()
		if sl.populated {
			sl.mu.Unlock()
			s.hits.Add(1)
			return nil
		}
		if !sl.inProgress {
			sl.inProgress = true
			loader := sl.loader
			sl.mu.Unlock()

			s.misses.Add(1)
			values, err := loader(ctx)

			sl.mu.Lock()
			sl.inProgress = false
			if err != nil {
				sl.mu.Unlock()
				return fmt.Errorf("cache population for %s: %w", entityType, err)
			}
			sl.values = values
			sl.index()
			sl.populated = true
			sl.mu.Unlock()

			s.populations.Add(1)
			slog.Debug("cache slot populated", "slot_type", entityType, "entries", len(values))
			return nil
		}
		// Another caller's population is in flight; wait and re-read.
		sl.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.PollInterval):
		}
	}
}

// Write force-sets a slot's cached value directly, bypassing the loader.
// Used by warm-start paths that populate a slot out of band.
func (s *Store) Write(entityType string, data []Entity) error {
	sl, err := s.slotFor(entityType)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.values = data
	sl.index()
	sl.populated = true
	return nil
}

// Invalidate clears the type's slot and every slot its cascade rule names.
// Types without a registered slot are skipped; the next read repopulates.
func (s *Store) Invalidate(entityType string) {
	s.mu.RLock()
	targets, ok := s.cascades[entityType]
	if !ok {
		targets = []string{entityType}
	}
	cleared := make([]string, 0, len(targets))
	for _, target := range targets {
		if sl, exists := s.slots[target]; exists {
			sl.mu.Lock()
			sl.clear()
			sl.mu.Unlock()
			cleared = append(cleared, target)
		}
	}
	s.mu.RUnlock()

	if len(cleared) > 0 {
		slog.Debug("cache invalidated", "trigger_type", entityType, "cleared", cleared)
	}
}

// DynamicUpdate overwrites a single cached resolved-filter target in place
// when its slot is already populated, avoiding a full rebuild for one entity.
// Restricted to the ResolvedFilters slot; any other state is a no-op.
func (s *Store) DynamicUpdate(instance Entity) {
	s.mu.RLock()
	sl, ok := s.slots[TypeResolvedFilters]
	s.mu.RUnlock()
	if !ok {
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.populated || sl.byKey == nil {
		return
	}
	if _, exists := sl.byKey[instance.StandardID]; !exists {
		return
	}
	sl.byKey[instance.StandardID] = instance
	for i := range sl.values {
		if sl.values[i].StandardID == instance.StandardID {
			sl.values[i] = instance
			break
		}
	}
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	populatedCount := 0
	for _, sl := range s.slots {
		sl.mu.Lock()
		if sl.populated {
			populatedCount++
		}
		sl.mu.Unlock()
	}

	return map[string]any{
		"slot_count":      len(s.slots),
		"populated_count": populatedCount,
		"hits":            s.hits.Load(),
		"misses":          s.misses.Load(),
		"populations":     s.populations.Load(),
	}
}
