package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"stix-stream/internal/access"
	"stix-stream/internal/cache"
	"stix-stream/internal/filtering"
	"stix-stream/internal/queue"
	"stix-stream/internal/schema"
)

// MatchHandler receives every event matched for a subscription.
type MatchHandler func(ctx context.Context, match Match)

// Match is one positive filter verdict delivered to a subscription handler.
type Match struct {
	SubscriptionID string
	Event          *schema.ChangeEvent
	// Side marks a match obtained through a side reference, e.g. a
	// relationship touching an entity the filter selects directly.
	Side bool
}

// Subscription is one live filter registered against the change stream.
type Subscription struct {
	ID        string
	Principal *access.Principal
	Filters   *filtering.FilterGroup
	// SideEvents additionally matches relationships, sightings and
	// containers that reference a directly-filtered entity.
	SideEvents bool
	Handler    MatchHandler
}

// InvalidationPublisher broadcasts cache invalidations to other nodes. The
// engine tolerates a nil publisher on single-node deployments.
type InvalidationPublisher interface {
	Publish(ctx context.Context, entityType string) error
}

// EngineConfig tunes the matching engine.
type EngineConfig struct {
	WorkerCount int `yaml:"worker_count"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{WorkerCount: 4}
}

// Engine pops change events off the queue and evaluates them against every
// registered subscription, invalidating cached entities as mutations to them
// pass through the stream.
type Engine struct {
	config    EngineConfig
	evaluator *filtering.Evaluator
	store     *cache.Store
	in        *queue.RingBuffer
	publisher InvalidationPublisher
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription

	wg      sync.WaitGroup
	stopCh  chan struct{}
	started atomic.Bool

	processed atomic.Int64
	matched   atomic.Int64
	evalErrs  atomic.Int64
}

// NewEngine creates a matching engine over the given collaborators.
func NewEngine(cfg EngineConfig, evaluator *filtering.Evaluator, store *cache.Store, in *queue.RingBuffer, publisher InvalidationPublisher, logger *slog.Logger) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultEngineConfig().WorkerCount
	}
	return &Engine{
		config:    cfg,
		evaluator: evaluator,
		store:     store,
		in:        in,
		publisher: publisher,
		logger:    logger,
		subs:      make(map[string]*Subscription),
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers a live filter. Replacing an existing id swaps its
// filter atomically; in-flight evaluations finish against the old tree.
func (e *Engine) Subscribe(sub *Subscription) error {
	if sub == nil || sub.ID == "" {
		return errors.New("stream: subscription id is required")
	}
	if sub.Handler == nil {
		return errors.New("stream: subscription handler is required")
	}
	if sub.Filters != nil {
		if err := sub.Filters.Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.subs[sub.ID] = sub
	e.mu.Unlock()

	e.logger.Info("subscription registered", "subscription_id", sub.ID, "side_events", sub.SideEvents)
	return nil
}

// Unsubscribe removes a live filter. Unknown ids are a no-op.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Swap(true) {
		return errors.New("stream: engine already started")
	}
	for i := 0; i < e.config.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.Info("matching engine started", "workers", e.config.WorkerCount)
	return nil
}

// Stop drains the workers and waits for them to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.in.Close()
	e.wg.Wait()
	e.logger.Info("matching engine stopped", "processed", e.processed.Load(), "matched", e.matched.Load())
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		event, err := e.in.PopBlocking()
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			continue
		}
		e.processEvent(ctx, event)
	}
}

func (e *Engine) processEvent(ctx context.Context, event *schema.ChangeEvent) {
	e.processed.Add(1)
	if event == nil || event.Data == nil {
		return
	}

	e.applyCacheEffects(ctx, event)

	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		match, side, err := e.evaluate(ctx, sub, event)
		if err != nil {
			e.evalErrs.Add(1)
			e.logger.Error("filter evaluation failed",
				"error", err,
				"subscription_id", sub.ID,
				"event_id", event.EventID,
			)
			continue
		}
		if match {
			e.matched.Add(1)
			sub.Handler(ctx, Match{SubscriptionID: sub.ID, Event: event, Side: side})
		}
	}
}

// evaluate tests the event directly first, then as a side event when the
// subscription opts in and the shape can carry side references.
func (e *Engine) evaluate(ctx context.Context, sub *Subscription, event *schema.ChangeEvent) (matched, side bool, err error) {
	matched, err = e.evaluator.IsMatch(ctx, sub.Principal, event.Data, sub.Filters, filtering.MatchOptions{})
	if err != nil || matched {
		return matched, false, err
	}
	if !sub.SideEvents || !hasSideRefs(event.Data) {
		return false, false, nil
	}
	matched, err = e.evaluator.IsMatch(ctx, sub.Principal, event.Data, sub.Filters, filtering.MatchOptions{SideEvent: true})
	return matched, matched, err
}

// hasSideRefs reports whether the object can touch other entities sideways.
func hasSideRefs(obj *schema.StixObject) bool {
	return obj.IsRelationship() || obj.IsSighting() || (obj.IsContainer() && len(obj.ContainedRefs()) > 0)
}

// applyCacheEffects reacts to mutations of entities the cache holds. Updates
// take the in-place fast path for resolved filter targets; any mutation of a
// cached platform type invalidates its slot plus its dependents and is
// broadcast to other nodes.
func (e *Engine) applyCacheEffects(ctx context.Context, event *schema.ChangeEvent) {
	if event.Operation == schema.OperationUpdate {
		// No-op for entities no stored filter references.
		if updated := resolvedTarget(event.Data); updated != nil {
			e.store.DynamicUpdate(*updated)
		}
	}

	entityType := event.Data.Extensions.EntityType
	if entityType == "" {
		entityType = event.Data.Type
	}
	if !cache.IsCachedType(entityType) {
		return
	}

	e.store.Invalidate(entityType)
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, entityType); err != nil {
			e.logger.Error("failed to publish cache invalidation",
				"error", err,
				"entity_type", entityType,
			)
		}
	}
}

// resolvedTarget maps an updated cached entity onto its resolved-filter-target
// representation, nil when the update cannot take the in-place path.
func resolvedTarget(obj *schema.StixObject) *cache.Entity {
	if obj.ID == "" || obj.Extensions.InternalID == "" {
		return nil
	}
	return &cache.Entity{
		ID:             obj.Extensions.InternalID,
		StandardID:     obj.ID,
		EntityType:     obj.Extensions.EntityType,
		Name:           obj.Name,
		Representative: obj.Name,
	}
}

// Stats returns engine counters and the current subscription count.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	subCount := len(e.subs)
	e.mu.RUnlock()
	return map[string]any{
		"subscriptions":     subCount,
		"events_processed":  e.processed.Load(),
		"events_matched":    e.matched.Load(),
		"evaluation_errors": e.evalErrs.Load(),
	}
}
