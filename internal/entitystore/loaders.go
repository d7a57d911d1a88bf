package entitystore

import (
	"context"
	"fmt"
	"log/slog"

	"stix-stream/internal/cache"
)

// Loaders builds cache load functions over the entity store. Each cached
// entity type maps to one table with a uniform identifier layout.
type Loaders struct {
	client *Client
	logger *slog.Logger
}

// NewLoaders creates the loader set for the given client.
func NewLoaders(client *Client, logger *slog.Logger) *Loaders {
	return &Loaders{client: client, logger: logger}
}

// entityTable describes one cached type's backing table.
type entityTable struct {
	entityType string
	table      string
	strategy   cache.KeyStrategy
}

// tables lists the backing table for every cached entity type. Resolved
// filter targets come from the union view the platform maintains over all
// filter-referenced entities; public dashboards key by their share URI.
var tables = []entityTable{
	{cache.TypeUser, "users", cache.KeyAllIdentifiers},
	{cache.TypeRole, "roles", cache.KeyAllIdentifiers},
	{cache.TypeGroup, "groups", cache.KeyAllIdentifiers},
	{cache.TypeConnector, "connectors", cache.KeyAllIdentifiers},
	{cache.TypePlaybook, "playbooks", cache.KeyAllIdentifiers},
	{cache.TypeTrigger, "triggers", cache.KeyAllIdentifiers},
	{cache.TypeStreamCollection, "stream_collections", cache.KeyAllIdentifiers},
	{cache.TypePublicDashboard, "public_dashboards", cache.KeyURI},
	{cache.TypeResolvedFilters, "filter_targets", cache.KeyStandardID},
}

const loadQuery = `
SELECT internal_id, standard_id, alternate_ids, entity_type, name, uri_key, representative
FROM %s
FINAL
`

// RegisterAll wires a loader for every cached entity type into the store.
func (l *Loaders) RegisterAll(store *cache.Store) {
	for _, t := range tables {
		store.Register(t.entityType, l.loadFunc(t), t.strategy)
	}
}

// LoaderFor returns the load function and key strategy for a single cached
// entity type, or false when the type has no backing table.
func (l *Loaders) LoaderFor(entityType string) (cache.LoadFunc, cache.KeyStrategy, bool) {
	for _, t := range tables {
		if t.entityType == entityType {
			return l.loadFunc(t), t.strategy, true
		}
	}
	return nil, 0, false
}

// loadFunc builds the LoadFunc for one table. Table names come from the
// static list above, never from input.
func (l *Loaders) loadFunc(t entityTable) cache.LoadFunc {
	query := fmt.Sprintf(loadQuery, t.table)
	return func(ctx context.Context) ([]cache.Entity, error) {
		rs, err := l.client.Query(ctx, query)
		if err != nil {
			return nil, wrapQueryError("Load", t.table, err)
		}
		defer rs.Close()

		var entities []cache.Entity
		for rs.Next() {
			var e cache.Entity
			if err := rs.Scan(&e.ID, &e.StandardID, &e.AlternateIDs, &e.EntityType, &e.Name, &e.URIKey, &e.Representative); err != nil {
				return nil, wrapQueryError("Scan", t.table, err)
			}
			if e.EntityType == "" {
				e.EntityType = t.entityType
			}
			entities = append(entities, e)
		}
		if err := rs.Err(); err != nil {
			return nil, wrapQueryError("Load", t.table, err)
		}

		l.logger.Debug("loaded cache slot from entity store",
			"entity_type", t.entityType,
			"table", t.table,
			"count", len(entities),
		)
		return entities, nil
	}
}
