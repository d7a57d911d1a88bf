package filtering

import (
	"context"
	"fmt"

	"stix-stream/internal/cache"
)

// ResolutionState tags the outcome of resolving one stored filter id.
// Callers branch on the state instead of sniffing sentinel strings.
type ResolutionState int

const (
	// ResolvedOK means the id resolved to a live entity.
	ResolvedOK ResolutionState = iota
	// ResolvedDeprecated means the id is no longer known; the stored filter
	// references a deleted or renamed entity.
	ResolvedDeprecated
	// ResolvedDenied means the requesting principal may not see the entity.
	ResolvedDenied
)

// String renders the state for logs and wire output.
func (s ResolutionState) String() string {
	switch s {
	case ResolvedOK:
		return "ok"
	case ResolvedDeprecated:
		return "deprecated"
	case ResolvedDenied:
		return "denied"
	}
	return "unknown"
}

// Resolution is one matchable token produced for a stored filter id.
type Resolution struct {
	ID         string          `json:"id"`
	StandardID string          `json:"standard_id,omitempty"`
	Display    string          `json:"display,omitempty"`
	State      ResolutionState `json:"state"`
}

// ResolveRepresentatives converts stored filter identifiers into matchable
// tokens with display values, backed by the resolved-filter-targets cache
// slot. A resolved id yields two tokens (the raw id and the entity's
// standard id); an unknown id yields a single token tagged deprecated.
func (e *Evaluator) ResolveRepresentatives(ctx context.Context, ids []string) ([]Resolution, error) {
	targets, err := e.store.GetAsMap(ctx, cache.TypeResolvedFilters)
	if err != nil {
		return nil, fmt.Errorf("resolving filter representatives: %w", err)
	}

	out := make([]Resolution, 0, len(ids)*2)
	for _, id := range ids {
		entity, ok := targets[id]
		if !ok {
			out = append(out, Resolution{ID: id, State: ResolvedDeprecated})
			continue
		}
		out = append(out, Resolution{
			ID:         id,
			StandardID: entity.StandardID,
			Display:    entity.Representative,
			State:      ResolvedOK,
		})
		if entity.StandardID != "" && entity.StandardID != id {
			out = append(out, Resolution{
				ID:         entity.StandardID,
				StandardID: entity.StandardID,
				Display:    entity.Representative,
				State:      ResolvedOK,
			})
		}
	}
	return out, nil
}

// DeniedResolution builds the token callers emit when the access gate hides
// an otherwise-resolved entity from the requesting principal.
func DeniedResolution(id string) Resolution {
	return Resolution{ID: id, State: ResolvedDenied}
}

// ResolveFilterGroup returns a copy of the tree with every value's display
// string refreshed from the cache. Deprecated ids keep their stored display
// value so a stale filter still renders.
func (e *Evaluator) ResolveFilterGroup(ctx context.Context, group *FilterGroup) (*FilterGroup, error) {
	targets, err := e.store.GetAsMap(ctx, cache.TypeResolvedFilters)
	if err != nil {
		return nil, fmt.Errorf("resolving filter group: %w", err)
	}

	resolved := *group
	resolved.Filters = make([]Filter, len(group.Filters))
	for i, f := range group.Filters {
		rf := f
		rf.Values = make([]FilterValue, len(f.Values))
		for j, v := range f.Values {
			if entity, ok := targets[v.ID]; ok && entity.Representative != "" {
				v.Value = entity.Representative
			}
			rf.Values[j] = v
		}
		resolved.Filters[i] = rf
	}

	resolved.FilterGroups = make([]FilterGroup, len(group.FilterGroups))
	for i := range group.FilterGroups {
		sub, err := e.ResolveFilterGroup(ctx, &group.FilterGroups[i])
		if err != nil {
			return nil, err
		}
		resolved.FilterGroups[i] = *sub
	}
	return &resolved, nil
}
