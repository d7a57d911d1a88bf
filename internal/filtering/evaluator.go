package filtering

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"stix-stream/internal/access"
	"stix-stream/internal/cache"
	"stix-stream/internal/hierarchy"
	"stix-stream/internal/schema"
)

// MatchOptions tunes a single evaluation.
type MatchOptions struct {
	// SideEvent marks the evaluation of a side effect of an event, e.g. a
	// relationship whose endpoint is the filtered entity. In this mode the
	// instance-identity key matches against the relationship's source,
	// target and containment references instead of the object's own ids,
	// and not_eq on that key never matches.
	SideEvent bool
}

// Evaluator tests normalized objects against filter trees. The access gate is
// consulted before any filter key: a denied object is never a match.
type Evaluator struct {
	gate  access.Gate
	store *cache.Store
	types *hierarchy.Resolver

	// warnedKeys tracks unrecognized filter keys already reported, so a
	// mistyped key is loud in the logs without flooding them.
	warnedKeys sync.Map
}

// NewEvaluator creates an evaluator over the given collaborators.
func NewEvaluator(gate access.Gate, store *cache.Store, types *hierarchy.Resolver) *Evaluator {
	return &Evaluator{gate: gate, store: store, types: types}
}

// IsMatch reports whether the object matches the filter tree for the given
// principal. Access is checked first, unconditionally; any error resolves to
// "no match", never to a match.
func (e *Evaluator) IsMatch(ctx context.Context, principal *access.Principal, obj *schema.StixObject, group *FilterGroup, opts MatchOptions) (bool, error) {
	if obj == nil {
		return false, nil
	}

	allowed, err := e.gate.CanAccess(ctx, principal, obj)
	if err != nil {
		return false, fmt.Errorf("access check: %w", err)
	}
	if !allowed {
		return false, nil
	}

	return e.evalGroup(obj, group, opts), nil
}

// evalGroup evaluates one tree node. A group with no constraints evaluates
// to true in both modes: a filter with nothing in it restricts nothing.
func (e *Evaluator) evalGroup(obj *schema.StixObject, group *FilterGroup, opts MatchOptions) bool {
	if group.IsEmpty() {
		return true
	}

	results := make([]bool, 0, len(group.Filters)+len(group.FilterGroups))
	for i := range group.Filters {
		results = append(results, e.evalLeaf(obj, &group.Filters[i], opts))
	}
	for i := range group.FilterGroups {
		results = append(results, e.evalGroup(obj, &group.FilterGroups[i], opts))
	}

	if group.Mode == ModeOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

// evalLeaf evaluates one leaf. Multi-key leaves pass when any of their keys
// matches. A leaf with no values restricts nothing. Unrecognized keys are
// inert (the leaf passes) but reported once per key.
func (e *Evaluator) evalLeaf(obj *schema.StixObject, f *Filter, opts MatchOptions) bool {
	if len(f.Values) == 0 {
		return true
	}

	recognized := false
	for _, key := range f.Key {
		tester, ok := testers[key]
		if !ok {
			if _, seen := e.warnedKeys.LoadOrStore(key, true); !seen {
				slog.Warn("unrecognized filter key treated as inert", "filter_key", key)
			}
			continue
		}
		recognized = true
		if tester(e, obj, f, opts) {
			return true
		}
	}
	return !recognized
}

// testerFunc computes one key's verdict including operator application.
type testerFunc func(e *Evaluator, obj *schema.StixObject, f *Filter, opts MatchOptions) bool

// testers maps each filter key to its predicate. Every membership key shares
// the same member/negate logic; only value extraction differs per key.
var testers = map[string]testerFunc{
	KeyObjectMarking: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(obj.ObjectMarkingRefs, f))
	},
	KeyCreatedBy: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(oneOf(obj.CreatedByRef), f))
	},
	KeyLabels: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberText(obj.AllLabels(), f))
	},
	KeyEntityType: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberText(e.types.Ancestors(objectType(obj)), f))
	},
	KeySeverity: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberText(oneOf(obj.Severity), f))
	},
	KeyPriority: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberText(oneOf(obj.Priority), f))
	},
	KeyPatternType: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberText(oneOf(obj.PatternType), f))
	},
	KeyMainObservableType: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberText(oneOf(obj.Extensions.MainObservableType), f))
	},
	KeyScore: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return compareNumeric(obj.Extensions.Score, f)
	},
	KeyConfidence: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return compareNumeric(obj.Confidence, f)
	},
	KeyRevoked: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return compareBool(obj.Revoked, f)
	},
	KeyDetection: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return compareBool(obj.Extensions.Detection, f)
	},
	KeyWorkflowID: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(oneOf(obj.Extensions.WorkflowID), f))
	},
	KeyCreatorID: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(obj.Extensions.CreatorIDs, f))
	},
	KeyAssignee: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(obj.Extensions.AssigneeIDs, f))
	},
	KeyParticipant: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(obj.Extensions.ParticipantIDs, f))
	},
	KeyObjects: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(obj.ContainedRefs(), f))
	},
	KeyFromID: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(endpointIDs(obj.SourceRef, obj.Extensions.SourceRef), f))
	},
	KeyToID: func(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
		return applyOperator(f, memberIDs(endpointIDs(obj.TargetRef, obj.Extensions.TargetRef), f))
	},
	KeyElementID: testElementID,
	KeyFromTypes: testFromTypes,
	KeyToTypes:   testToTypes,
}

// testElementID matches the instance identity. In side-event mode it instead
// tests whether the filtered ids appear among the relationship's source,
// target or containment references, and not_eq is defined to never match.
func testElementID(e *Evaluator, obj *schema.StixObject, f *Filter, opts MatchOptions) bool {
	if opts.SideEvent {
		if f.Operator == OpNotEq {
			return false
		}
		return memberIDs(sideRefs(obj), f)
	}
	return applyOperator(f, memberIDs(obj.IdentityIDs(), f))
}

// testFromTypes matches the source-side endpoint type. Relationship-shaped
// events compare the source type, sighting-shaped events the sighted entity
// type, each expanded to all ancestor types. Any other shape fails.
func testFromTypes(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
	var types []string
	switch {
	case obj.IsRelationship():
		types = e.types.Ancestors(obj.Extensions.SourceType)
	case obj.IsSighting():
		types = e.types.Ancestors(obj.Extensions.SightingOfType)
	default:
		return false
	}
	return applyOperator(f, memberText(types, f))
}

// testToTypes matches the target-side endpoint type; sighting-shaped events
// compare the union of the where-sighted types.
func testToTypes(e *Evaluator, obj *schema.StixObject, f *Filter, _ MatchOptions) bool {
	var types []string
	switch {
	case obj.IsRelationship():
		types = e.types.Ancestors(obj.Extensions.TargetType)
	case obj.IsSighting():
		for _, t := range obj.Extensions.WhereSightedTypes {
			types = append(types, e.types.Ancestors(t)...)
		}
	default:
		return false
	}
	return applyOperator(f, memberText(types, f))
}

// applyOperator turns a membership verdict into the leaf verdict. not_eq is
// always the exact negation of eq; there is a single membership code path.
func applyOperator(f *Filter, member bool) bool {
	if f.Operator == OpNotEq {
		return !member
	}
	return member
}

// memberIDs tests identifier membership with case-sensitive comparison. A
// leaf in "and" mode requires every value present; the default requires one.
func memberIDs(extracted []string, f *Filter) bool {
	return membership(f, func(v FilterValue) bool {
		for _, id := range extracted {
			if id == v.ID {
				return true
			}
		}
		return false
	})
}

// memberText tests representative-value membership case-insensitively,
// matching the indexing layer's lowercased keyword fields. The comparison
// uses the value's display string, falling back to the raw id.
func memberText(extracted []string, f *Filter) bool {
	lowered := make([]string, len(extracted))
	for i, s := range extracted {
		lowered[i] = strings.ToLower(s)
	}
	return membership(f, func(v FilterValue) bool {
		want := strings.ToLower(textOf(v))
		for _, s := range lowered {
			if s == want {
				return true
			}
		}
		return false
	})
}

func membership(f *Filter, present func(FilterValue) bool) bool {
	if f.Mode == ModeAnd {
		for _, v := range f.Values {
			if !present(v) {
				return false
			}
		}
		return true
	}
	for _, v := range f.Values {
		if present(v) {
			return true
		}
	}
	return false
}

// compareNumeric compares the event's numeric attribute against the first
// filter value parsed as an integer. A missing attribute or unparsable value
// never matches; malformed filters are lenient, not fatal.
func compareNumeric(actual *int, f *Filter) bool {
	if actual == nil || len(f.Values) == 0 {
		return false
	}
	threshold, err := strconv.Atoi(strings.TrimSpace(f.Values[0].ID))
	if err != nil {
		return false
	}
	switch f.Operator {
	case OpEq:
		return *actual == threshold
	case OpNotEq:
		return *actual != threshold
	case OpGt:
		return *actual > threshold
	case OpGte:
		return *actual >= threshold
	case OpLt:
		return *actual < threshold
	case OpLte:
		return *actual <= threshold
	}
	return false
}

// compareBool compares a boolean attribute; an absent attribute counts as
// false, matching how the platform defaults unset flags.
func compareBool(actual *bool, f *Filter) bool {
	if len(f.Values) == 0 {
		return false
	}
	value := false
	if actual != nil {
		value = *actual
	}
	want := strings.EqualFold(strings.TrimSpace(f.Values[0].ID), "true")
	return applyOperator(f, value == want)
}

func objectType(obj *schema.StixObject) string {
	if obj.Extensions.EntityType != "" {
		return obj.Extensions.EntityType
	}
	return obj.Type
}

// textOf returns the comparable text of a filter value, preferring the
// representative string over the raw id.
func textOf(v FilterValue) string {
	if v.Value != "" {
		return v.Value
	}
	return v.ID
}

func oneOf(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func endpointIDs(refs ...string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// sideRefs collects every reference through which an event can touch a
// filtered entity sideways: relationship endpoints, sighting endpoints and
// containment references.
func sideRefs(obj *schema.StixObject) []string {
	refs := endpointIDs(
		obj.SourceRef, obj.Extensions.SourceRef,
		obj.TargetRef, obj.Extensions.TargetRef,
		obj.SightingOfRef, obj.Extensions.SightingOfRef,
	)
	refs = append(refs, obj.WhereSightedRefs...)
	refs = append(refs, obj.Extensions.WhereSightedRefs...)
	refs = append(refs, obj.ContainedRefs()...)
	return refs
}
