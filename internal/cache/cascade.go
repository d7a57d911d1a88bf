package cache

// Invalidation cascade rules. Invalidating one entity type may require
// clearing other slots whose cached views embed it: resolved user permission
// views embed role and group state, and filter-bearing objects (streams,
// triggers, playbooks, connectors) embed references whose representative
// values may have changed.
//
// The table is defined once at startup and is read-only during steady-state
// request handling; modules extend it through RegisterCascade at init time.

func defaultCascades() map[string][]string {
	return map[string][]string{
		TypeRole:             {TypeRole, TypeUser},
		TypeGroup:            {TypeGroup, TypeUser},
		TypeStreamCollection: {TypeStreamCollection, TypeResolvedFilters},
		TypeTrigger:          {TypeTrigger, TypeResolvedFilters},
		TypePlaybook:         {TypePlaybook, TypeResolvedFilters},
		TypeConnector:        {TypeConnector, TypeResolvedFilters},
	}
}

// RegisterCascade sets the cascade rule for an entity type. Must be called
// during startup registration, before steady-state traffic.
func (s *Store) RegisterCascade(entityType string, targets []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascades[entityType] = targets
}

// Cascade returns the set of types cleared when the given type is
// invalidated, defaulting to the type itself.
func (s *Store) Cascade(entityType string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if targets, ok := s.cascades[entityType]; ok {
		return targets
	}
	return []string{entityType}
}
