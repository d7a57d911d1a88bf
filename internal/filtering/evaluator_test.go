package filtering

import (
	"context"
	"errors"
	"testing"

	"stix-stream/internal/access"
	"stix-stream/internal/cache"
	"stix-stream/internal/hierarchy"
	"stix-stream/internal/schema"
)

// stubGate lets tests force access decisions.
type stubGate struct {
	allow bool
	err   error
}

func (s stubGate) CanAccess(ctx context.Context, principal *access.Principal, obj *schema.StixObject) (bool, error) {
	return s.allow, s.err
}

func newTestEvaluator(allow bool) *Evaluator {
	return NewEvaluator(stubGate{allow: allow}, cache.New(cache.DefaultStoreConfig()), hierarchy.NewResolver())
}

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

func leafGroup(f Filter) *FilterGroup {
	return &FilterGroup{Mode: ModeAnd, Filters: []Filter{f}}
}

func TestIsMatch_AccessPrecedence(t *testing.T) {
	ctx := context.Background()
	obj := &schema.StixObject{ID: "report--1", Type: "Report"}
	principal := &access.Principal{ID: "u1"}

	// Access denial wins over any filter, including the always-true empty one.
	trees := []*FilterGroup{
		{Mode: ModeAnd},
		leafGroup(Filter{Key: []string{KeyEntityType}, Operator: OpEq, Values: []FilterValue{{ID: "Report"}}}),
	}
	denied := newTestEvaluator(false)
	for _, tree := range trees {
		match, err := denied.IsMatch(ctx, principal, obj, tree, MatchOptions{})
		if err != nil {
			t.Fatalf("IsMatch() error = %v", err)
		}
		if match {
			t.Error("access-denied object must never match")
		}
	}

	// A gate error resolves to no match, never to a match.
	failing := NewEvaluator(stubGate{err: errors.New("gate down")}, cache.New(cache.DefaultStoreConfig()), hierarchy.NewResolver())
	match, err := failing.IsMatch(ctx, principal, obj, &FilterGroup{Mode: ModeAnd}, MatchOptions{})
	if err == nil {
		t.Error("expected gate error to surface")
	}
	if match {
		t.Error("gate error must not grant a match")
	}
}

func TestIsMatch_EmptyFilterIdentity(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	obj := &schema.StixObject{ID: "report--1", Type: "Report", Labels: []string{"TrickBot"}}
	principal := &access.Principal{ID: "u1"}

	matching := leafGroup(Filter{Key: []string{KeyLabels}, Operator: OpEq, Values: []FilterValue{{ID: "l1", Value: "TrickBot"}}})

	base, err := e.IsMatch(ctx, principal, obj, matching, MatchOptions{})
	if err != nil || !base {
		t.Fatalf("baseline filter should match, got %v err %v", base, err)
	}

	// Adding an empty group must not change the verdict in either mode.
	for _, mode := range []GroupMode{ModeAnd, ModeOr} {
		withEmpty := &FilterGroup{
			Mode:         ModeAnd,
			Filters:      matching.Filters,
			FilterGroups: []FilterGroup{{Mode: mode}},
		}
		match, err := e.IsMatch(ctx, principal, obj, withEmpty, MatchOptions{})
		if err != nil {
			t.Fatalf("IsMatch() error = %v", err)
		}
		if !match {
			t.Errorf("empty %s group changed the verdict", mode)
		}
	}
}

func TestIsMatch_EqNotEqDuality(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obj := &schema.StixObject{
		ID:                "report--1",
		Type:              "Report",
		Labels:            []string{"TrickBot"},
		ObjectMarkingRefs: []string{"m1"},
		CreatedByRef:      "identity--org",
		Severity:          "high",
		ObjectRefs:        []string{"indicator--7"},
		Extensions: schema.Extensions{
			InternalID:  "internal-1",
			CreatorIDs:  []string{"u9"},
			AssigneeIDs: []string{"u2"},
		},
	}

	leaves := []Filter{
		{Key: []string{KeyObjectMarking}, Values: []FilterValue{{ID: "m1"}}},
		{Key: []string{KeyObjectMarking}, Values: []FilterValue{{ID: "m-none"}}},
		{Key: []string{KeyLabels}, Values: []FilterValue{{ID: "l1", Value: "trickbot"}}},
		{Key: []string{KeyCreatedBy}, Values: []FilterValue{{ID: "identity--org"}}},
		{Key: []string{KeySeverity}, Values: []FilterValue{{ID: "high"}}},
		{Key: []string{KeyObjects}, Values: []FilterValue{{ID: "indicator--7"}}},
		{Key: []string{KeyCreatorID}, Values: []FilterValue{{ID: "u9"}}},
		{Key: []string{KeyAssignee}, Values: []FilterValue{{ID: "u404"}}},
		{Key: []string{KeyElementID}, Values: []FilterValue{{ID: "internal-1"}}},
	}

	for _, leaf := range leaves {
		eqLeaf, neqLeaf := leaf, leaf
		eqLeaf.Operator = OpEq
		neqLeaf.Operator = OpNotEq

		eqMatch, err := e.IsMatch(ctx, principal, obj, leafGroup(eqLeaf), MatchOptions{})
		if err != nil {
			t.Fatalf("IsMatch(eq) error = %v", err)
		}
		neqMatch, err := e.IsMatch(ctx, principal, obj, leafGroup(neqLeaf), MatchOptions{})
		if err != nil {
			t.Fatalf("IsMatch(not_eq) error = %v", err)
		}
		if eqMatch == neqMatch {
			t.Errorf("key %v: eq=%v and not_eq=%v must be opposite", leaf.Key, eqMatch, neqMatch)
		}
	}
}

func TestIsMatch_SideEventElementID(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	rel := &schema.StixObject{
		ID:        "relationship--1",
		Type:      "relationship",
		SourceRef: "indicator--1",
		TargetRef: "malware--2",
	}

	t.Run("eq matches endpoint reference", func(t *testing.T) {
		f := Filter{Key: []string{KeyElementID}, Operator: OpEq, Values: []FilterValue{{ID: "indicator--1"}}}
		match, err := e.IsMatch(ctx, principal, rel, leafGroup(f), MatchOptions{SideEvent: true})
		if err != nil {
			t.Fatalf("IsMatch() error = %v", err)
		}
		if !match {
			t.Error("side-event eq should match the relationship source")
		}
	})

	t.Run("eq does not match unrelated id", func(t *testing.T) {
		f := Filter{Key: []string{KeyElementID}, Operator: OpEq, Values: []FilterValue{{ID: "campaign--9"}}}
		match, _ := e.IsMatch(ctx, principal, rel, leafGroup(f), MatchOptions{SideEvent: true})
		if match {
			t.Error("side-event eq must not match an unreferenced id")
		}
	})

	t.Run("not_eq never matches in side-event mode", func(t *testing.T) {
		// Intentional asymmetry with normal mode: a side event cannot prove
		// the absence of a reference, so not_eq is defined to never match.
		for _, id := range []string{"indicator--1", "campaign--9"} {
			f := Filter{Key: []string{KeyElementID}, Operator: OpNotEq, Values: []FilterValue{{ID: id}}}
			match, _ := e.IsMatch(ctx, principal, rel, leafGroup(f), MatchOptions{SideEvent: true})
			if match {
				t.Errorf("side-event not_eq matched for id %s", id)
			}
		}
	})

	t.Run("containment reference counts as side reference", func(t *testing.T) {
		report := &schema.StixObject{
			ID:         "report--1",
			Type:       "Report",
			ObjectRefs: []string{"indicator--1"},
		}
		f := Filter{Key: []string{KeyElementID}, Operator: OpEq, Values: []FilterValue{{ID: "indicator--1"}}}
		match, _ := e.IsMatch(ctx, principal, report, leafGroup(f), MatchOptions{SideEvent: true})
		if !match {
			t.Error("side-event eq should match a containment reference")
		}
	})
}

func TestIsMatch_NumericOperators(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	scoreObj := func(score int) *schema.StixObject {
		return &schema.StixObject{
			ID: "indicator--1", Type: "Indicator",
			Extensions: schema.Extensions{Score: intPtr(score)},
		}
	}

	gte50 := leafGroup(Filter{Key: []string{KeyScore}, Operator: OpGte, Values: []FilterValue{{ID: "50"}}})

	tests := []struct {
		score int
		want  bool
	}{
		{50, true},
		{75, true},
		{49, false},
	}
	for _, tt := range tests {
		match, err := e.IsMatch(ctx, principal, scoreObj(tt.score), gte50, MatchOptions{})
		if err != nil {
			t.Fatalf("IsMatch() error = %v", err)
		}
		if match != tt.want {
			t.Errorf("score %d gte 50 = %v, want %v", tt.score, match, tt.want)
		}
	}

	t.Run("confidence lt", func(t *testing.T) {
		obj := &schema.StixObject{ID: "report--1", Type: "Report", Confidence: intPtr(30)}
		lt60 := leafGroup(Filter{Key: []string{KeyConfidence}, Operator: OpLt, Values: []FilterValue{{ID: "60"}}})
		if match, _ := e.IsMatch(ctx, principal, obj, lt60, MatchOptions{}); !match {
			t.Error("confidence 30 should be lt 60")
		}
	})

	t.Run("missing attribute never matches", func(t *testing.T) {
		obj := &schema.StixObject{ID: "report--1", Type: "Report"}
		if match, _ := e.IsMatch(ctx, principal, obj, gte50, MatchOptions{}); match {
			t.Error("missing score must not match")
		}
	})

	t.Run("unparsable threshold never matches", func(t *testing.T) {
		bad := leafGroup(Filter{Key: []string{KeyScore}, Operator: OpGte, Values: []FilterValue{{ID: "fifty"}}})
		if match, _ := e.IsMatch(ctx, principal, scoreObj(99), bad, MatchOptions{}); match {
			t.Error("unparsable numeric value must never match")
		}
	})
}

func TestIsMatch_MarkingScenario(t *testing.T) {
	// Scenario: marked report, filter on the marking id, then the negation.
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obj := &schema.StixObject{
		ID:                "report--1",
		Type:              "Report",
		Labels:            []string{"TrickBot"},
		ObjectMarkingRefs: []string{"m1"},
	}

	eq := leafGroup(Filter{Key: []string{KeyObjectMarking}, Operator: OpEq, Values: []FilterValue{{ID: "m1"}}})
	if match, _ := e.IsMatch(ctx, principal, obj, eq, MatchOptions{}); !match {
		t.Error("marking eq m1 should match")
	}

	neq := leafGroup(Filter{Key: []string{KeyObjectMarking}, Operator: OpNotEq, Values: []FilterValue{{ID: "m1"}}})
	if match, _ := e.IsMatch(ctx, principal, obj, neq, MatchOptions{}); match {
		t.Error("marking not_eq m1 should not match")
	}
}

func TestIsMatch_RelationshipEndpoints(t *testing.T) {
	// Scenario: endpoint id filters are direction-sensitive.
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	rel := &schema.StixObject{
		ID:        "relationship--1",
		Type:      "relationship",
		SourceRef: "indicator--1",
		TargetRef: "malware--2",
	}

	fromEq := leafGroup(Filter{Key: []string{KeyFromID}, Operator: OpEq, Values: []FilterValue{{ID: "indicator--1"}}})
	if match, _ := e.IsMatch(ctx, principal, rel, fromEq, MatchOptions{}); !match {
		t.Error("fromId should match the source ref")
	}

	toEq := leafGroup(Filter{Key: []string{KeyToID}, Operator: OpEq, Values: []FilterValue{{ID: "indicator--1"}}})
	if match, _ := e.IsMatch(ctx, principal, rel, toEq, MatchOptions{}); match {
		t.Error("toId must not match the source ref")
	}
}

func TestIsMatch_EndpointTypes(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	rel := &schema.StixObject{
		ID:   "relationship--1",
		Type: "relationship",
		SourceRef: "indicator--1", TargetRef: "malware--2",
		Extensions: schema.Extensions{SourceType: "Indicator", TargetType: "Malware"},
	}
	sighting := &schema.StixObject{
		ID:            "sighting--1",
		Type:          "sighting",
		SightingOfRef: "indicator--1",
		Extensions: schema.Extensions{
			SightingOfType:    "Indicator",
			WhereSightedTypes: []string{"Organization"},
		},
	}
	report := &schema.StixObject{ID: "report--1", Type: "Report"}

	fromTypes := func(values ...string) *FilterGroup {
		vs := make([]FilterValue, len(values))
		for i, v := range values {
			vs[i] = FilterValue{ID: v, Value: v}
		}
		return leafGroup(Filter{Key: []string{KeyFromTypes}, Operator: OpEq, Values: vs})
	}
	toTypes := func(values ...string) *FilterGroup {
		vs := make([]FilterValue, len(values))
		for i, v := range values {
			vs[i] = FilterValue{ID: v, Value: v}
		}
		return leafGroup(Filter{Key: []string{KeyToTypes}, Operator: OpEq, Values: vs})
	}

	tests := []struct {
		name  string
		obj   *schema.StixObject
		group *FilterGroup
		want  bool
	}{
		{"relationship source exact", rel, fromTypes("Indicator"), true},
		{"relationship source ancestor", rel, fromTypes("Stix-Domain-Object"), true},
		{"relationship source wrong", rel, fromTypes("Campaign"), false},
		{"relationship target exact", rel, toTypes("Malware"), true},
		{"sighting sighted type", sighting, fromTypes("Indicator"), true},
		{"sighting where-sighted type", sighting, toTypes("Organization"), true},
		{"sighting where-sighted ancestor", sighting, toTypes("Identity"), true},
		{"non-relationship shape fails", report, fromTypes("Report"), false},
		{"non-relationship shape fails toTypes", report, toTypes("Report"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := e.IsMatch(ctx, principal, tt.obj, tt.group, MatchOptions{})
			if err != nil {
				t.Fatalf("IsMatch() error = %v", err)
			}
			if match != tt.want {
				t.Errorf("match = %v, want %v", match, tt.want)
			}
		})
	}
}

func TestIsMatch_EntityTypeAncestors(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obj := &schema.StixObject{ID: "report--1", Type: "Report"}

	for _, typ := range []string{"Report", "Container", "Stix-Domain-Object"} {
		g := leafGroup(Filter{Key: []string{KeyEntityType}, Operator: OpEq, Values: []FilterValue{{ID: typ, Value: typ}}})
		if match, _ := e.IsMatch(ctx, principal, obj, g, MatchOptions{}); !match {
			t.Errorf("entity_type %s should match a Report", typ)
		}
	}

	g := leafGroup(Filter{Key: []string{KeyEntityType}, Operator: OpEq, Values: []FilterValue{{ID: "Malware", Value: "Malware"}}})
	if match, _ := e.IsMatch(ctx, principal, obj, g, MatchOptions{}); match {
		t.Error("entity_type Malware must not match a Report")
	}
}

func TestIsMatch_BooleanKeys(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	revoked := &schema.StixObject{ID: "indicator--1", Type: "Indicator", Revoked: boolPtr(true)}
	active := &schema.StixObject{ID: "indicator--2", Type: "Indicator"}

	g := leafGroup(Filter{Key: []string{KeyRevoked}, Operator: OpEq, Values: []FilterValue{{ID: "true"}}})
	if match, _ := e.IsMatch(ctx, principal, revoked, g, MatchOptions{}); !match {
		t.Error("revoked=true should match")
	}
	// Absent flag counts as false.
	if match, _ := e.IsMatch(ctx, principal, active, g, MatchOptions{}); match {
		t.Error("unset revoked must not match true")
	}

	detection := &schema.StixObject{
		ID: "indicator--3", Type: "Indicator",
		Extensions: schema.Extensions{Detection: boolPtr(true)},
	}
	d := leafGroup(Filter{Key: []string{KeyDetection}, Operator: OpEq, Values: []FilterValue{{ID: "true"}}})
	if match, _ := e.IsMatch(ctx, principal, detection, d, MatchOptions{}); !match {
		t.Error("detection=true should match")
	}
}

func TestIsMatch_ObservableLabelsUnion(t *testing.T) {
	// Labels can live in the observable extension rather than top-level;
	// both locations must be checked.
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obs := &schema.StixObject{
		ID:   "file--1",
		Type: "StixFile",
		Extensions: schema.Extensions{
			Labels: []string{"dropper"},
		},
	}
	g := leafGroup(Filter{Key: []string{KeyLabels}, Operator: OpEq, Values: []FilterValue{{ID: "l1", Value: "Dropper"}}})
	if match, _ := e.IsMatch(ctx, principal, obs, g, MatchOptions{}); !match {
		t.Error("extension label should match case-insensitively")
	}
}

func TestIsMatch_UnrecognizedKeyIsInert(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}
	obj := &schema.StixObject{ID: "report--1", Type: "Report"}

	g := &FilterGroup{Mode: ModeAnd, Filters: []Filter{
		{Key: []string{"no_such_key"}, Operator: OpEq, Values: []FilterValue{{ID: "x"}}},
		{Key: []string{KeyEntityType}, Operator: OpEq, Values: []FilterValue{{ID: "Report", Value: "Report"}}},
	}}
	match, err := e.IsMatch(ctx, principal, obj, g, MatchOptions{})
	if err != nil {
		t.Fatalf("IsMatch() error = %v", err)
	}
	if !match {
		t.Error("unrecognized key must be inert, not failing")
	}
}

func TestIsMatch_MultiKeyLeaf(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obj := &schema.StixObject{
		ID: "task--1", Type: "Task",
		Extensions: schema.Extensions{AssigneeIDs: []string{"u2"}},
	}

	// Leaf matches when any of its keys matches.
	g := leafGroup(Filter{
		Key:      []string{KeyAssignee, KeyParticipant},
		Operator: OpEq,
		Values:   []FilterValue{{ID: "u2"}},
	})
	if match, _ := e.IsMatch(ctx, principal, obj, g, MatchOptions{}); !match {
		t.Error("multi-key leaf should match on the assignee key")
	}
}

func TestIsMatch_ValueModeAnd(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obj := &schema.StixObject{ID: "report--1", Type: "Report", Labels: []string{"TrickBot", "banking"}}

	both := leafGroup(Filter{
		Key: []string{KeyLabels}, Operator: OpEq, Mode: ModeAnd,
		Values: []FilterValue{{ID: "l1", Value: "trickbot"}, {ID: "l2", Value: "banking"}},
	})
	if match, _ := e.IsMatch(ctx, principal, obj, both, MatchOptions{}); !match {
		t.Error("and-mode leaf should match when all values are present")
	}

	missing := leafGroup(Filter{
		Key: []string{KeyLabels}, Operator: OpEq, Mode: ModeAnd,
		Values: []FilterValue{{ID: "l1", Value: "trickbot"}, {ID: "l3", Value: "ransomware"}},
	})
	if match, _ := e.IsMatch(ctx, principal, obj, missing, MatchOptions{}); match {
		t.Error("and-mode leaf must fail when one value is absent")
	}
}

func TestIsMatch_NestedGroups(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}

	obj := &schema.StixObject{
		ID: "report--1", Type: "Report",
		Labels:   []string{"TrickBot"},
		Severity: "low",
	}

	// (entity_type = Report) AND (labels = trickbot OR severity = critical)
	g := &FilterGroup{
		Mode: ModeAnd,
		Filters: []Filter{
			{Key: []string{KeyEntityType}, Operator: OpEq, Values: []FilterValue{{ID: "Report", Value: "Report"}}},
		},
		FilterGroups: []FilterGroup{{
			Mode: ModeOr,
			Filters: []Filter{
				{Key: []string{KeyLabels}, Operator: OpEq, Values: []FilterValue{{ID: "l1", Value: "trickbot"}}},
				{Key: []string{KeySeverity}, Operator: OpEq, Values: []FilterValue{{ID: "critical"}}},
			},
		}},
	}
	if match, _ := e.IsMatch(ctx, principal, obj, g, MatchOptions{}); !match {
		t.Error("nested or-group should satisfy the and-parent")
	}

	obj.Labels = nil
	if match, _ := e.IsMatch(ctx, principal, obj, g, MatchOptions{}); match {
		t.Error("neither or-branch holds, parent must fail")
	}
}

func TestIsMatch_LeafWithoutValues(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}
	obj := &schema.StixObject{ID: "report--1", Type: "Report"}

	g := leafGroup(Filter{Key: []string{KeyObjectMarking}, Operator: OpEq})
	if match, _ := e.IsMatch(ctx, principal, obj, g, MatchOptions{}); !match {
		t.Error("a leaf with no values is vacuously true")
	}
}

func BenchmarkIsMatch(b *testing.B) {
	ctx := context.Background()
	e := newTestEvaluator(true)
	principal := &access.Principal{ID: "u1"}
	obj := &schema.StixObject{
		ID: "report--1", Type: "Report",
		Labels:            []string{"TrickBot"},
		ObjectMarkingRefs: []string{"m1"},
	}
	g := &FilterGroup{
		Mode: ModeAnd,
		Filters: []Filter{
			{Key: []string{KeyEntityType}, Operator: OpEq, Values: []FilterValue{{ID: "Report", Value: "Report"}}},
			{Key: []string{KeyObjectMarking}, Operator: OpEq, Values: []FilterValue{{ID: "m1"}}},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.IsMatch(ctx, principal, obj, g, MatchOptions{})
	}
}
