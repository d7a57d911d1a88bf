// Package filtering implements the recursive boolean filter trees stored on
// subscriptions, and their live evaluation against normalized change-stream
// objects.
package filtering

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// GroupMode is the combinator applied over a group's children.
type GroupMode string

const (
	ModeAnd GroupMode = "and"
	ModeOr  GroupMode = "or"
)

// Operator is a filter leaf comparison operator. Membership keys support only
// eq/not_eq; the numeric keys additionally support the relational operators.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNotEq Operator = "not_eq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
)

// Filter keys understood by the evaluator.
const (
	KeyObjectMarking      = "objectMarking"
	KeyEntityType         = "entity_type"
	KeyCreatedBy          = "createdBy"
	KeyLabels             = "labels"
	KeyScore              = "x_opencti_score"
	KeyConfidence         = "confidence"
	KeyFromID             = "fromId"
	KeyToID               = "toId"
	KeyElementID          = "elementId"
	KeyFromTypes          = "fromTypes"
	KeyToTypes            = "toTypes"
	KeySeverity           = "severity"
	KeyPriority           = "priority"
	KeyRevoked            = "revoked"
	KeyDetection          = "x_opencti_detection"
	KeyPatternType        = "pattern_type"
	KeyMainObservableType = "x_opencti_main_observable_type"
	KeyObjects            = "objects"
	KeyCreatorID          = "creator_id"
	KeyAssignee           = "objectAssignee"
	KeyParticipant        = "objectParticipant"
	KeyWorkflowID         = "x_opencti_workflow_id"
)

// numericKeys are the keys supporting relational operators.
var numericKeys = map[string]bool{
	KeyScore:      true,
	KeyConfidence: true,
}

// FilterValue is one stored value on a leaf: id is the resolvable identifier
// (internal/standard id or literal), value is the human-readable
// representative string used for display and text comparison.
type FilterValue struct {
	ID    string `json:"id" validate:"required"`
	Value string `json:"value,omitempty"`
}

// Filter is a leaf predicate. A leaf may carry several keys; whichever key
// matches satisfies the leaf.
type Filter struct {
	Key      []string      `json:"key" validate:"required,min=1"`
	Operator Operator      `json:"operator" validate:"required,filter_operator"`
	Values   []FilterValue `json:"values" validate:"dive"`
	Mode     GroupMode     `json:"mode,omitempty" validate:"omitempty,oneof=and or"`
}

// FilterGroup is a node of the filter tree: a combinator over leaves and
// nested groups. A group with no leaves and no subgroups restricts nothing
// and evaluates to true.
type FilterGroup struct {
	Mode         GroupMode     `json:"mode" validate:"required,oneof=and or"`
	Filters      []Filter      `json:"filters" validate:"dive"`
	FilterGroups []FilterGroup `json:"filterGroups" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("filter_operator", func(fl validator.FieldLevel) bool {
		switch Operator(fl.Field().String()) {
		case OpEq, OpNotEq, OpGt, OpGte, OpLt, OpLte:
			return true
		}
		return false
	})
	return v
}

// ParseFilterGroup parses and validates a filter tree from its JSON wire
// format.
func ParseFilterGroup(data []byte) (*FilterGroup, error) {
	var group FilterGroup
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, fmt.Errorf("failed to parse filter group: %w", err)
	}
	if err := group.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter group: %w", err)
	}
	return &group, nil
}

// Validate validates the filter tree structure and operator usage.
func (g *FilterGroup) Validate() error {
	if err := validate.Struct(g); err != nil {
		return err
	}
	return g.validateOperators()
}

func (g *FilterGroup) validateOperators() error {
	for i, f := range g.Filters {
		if err := f.validateOperator(); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	for i := range g.FilterGroups {
		if err := g.FilterGroups[i].validateOperators(); err != nil {
			return fmt.Errorf("group %d: %w", i, err)
		}
	}
	return nil
}

func (f *Filter) validateOperator() error {
	switch f.Operator {
	case OpEq, OpNotEq:
		return nil
	case OpGt, OpGte, OpLt, OpLte:
		for _, key := range f.Key {
			if !numericKeys[key] {
				return fmt.Errorf("operator %s requires a numeric key, got %s", f.Operator, key)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown operator: %s", f.Operator)
}

// IsEmpty reports whether the group carries no constraints at all.
func (g *FilterGroup) IsEmpty() bool {
	if g == nil {
		return true
	}
	return len(g.Filters) == 0 && len(g.FilterGroups) == 0
}

// ExtractedIDs returns every value id stored anywhere in the tree, used when
// checking whether a filter references a changed entity.
func (g *FilterGroup) ExtractedIDs() []string {
	if g == nil {
		return nil
	}
	var ids []string
	for _, f := range g.Filters {
		for _, v := range f.Values {
			ids = append(ids, v.ID)
		}
	}
	for i := range g.FilterGroups {
		ids = append(ids, g.FilterGroups[i].ExtractedIDs()...)
	}
	return ids
}
