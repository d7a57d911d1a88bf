// Package schema defines the normalized STIX-like object model flowing through
// the live change-stream. All change events are normalized to this structure
// before filter evaluation.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StixObject represents a normalized change-stream object. Platform-internal
// fields live in the Extensions namespace, mirroring the wire layout.
type StixObject struct {
	// Required fields
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required,stix_type"`

	// Common optional attributes
	SpecVersion string   `json:"spec_version,omitempty"`
	Name        string   `json:"name,omitempty"`
	Confidence  *int     `json:"confidence,omitempty"`
	Revoked     *bool    `json:"revoked,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	PatternType string   `json:"pattern_type,omitempty"`
	Labels      []string `json:"labels,omitempty"`

	// References to other objects
	ObjectMarkingRefs []string `json:"object_marking_refs,omitempty"`
	CreatedByRef      string   `json:"created_by_ref,omitempty"`
	ObjectRefs        []string `json:"object_refs,omitempty"`

	// Relationship-shaped objects
	RelationshipType string `json:"relationship_type,omitempty"`
	SourceRef        string `json:"source_ref,omitempty"`
	TargetRef        string `json:"target_ref,omitempty"`

	// Sighting-shaped objects
	SightingOfRef    string   `json:"sighting_of_ref,omitempty"`
	WhereSightedRefs []string `json:"where_sighted_refs,omitempty"`

	// Platform extension namespace
	Extensions Extensions `json:"extensions"`
}

// Extensions carries the platform-internal fields attached to every streamed
// object under the platform extension namespace.
type Extensions struct {
	InternalID         string   `json:"id,omitempty"`
	EntityType         string   `json:"entity_type,omitempty"`
	CreatorIDs         []string `json:"creator_ids,omitempty"`
	AssigneeIDs        []string `json:"assignee_ids,omitempty"`
	ParticipantIDs     []string `json:"participant_ids,omitempty"`
	WorkflowID         string   `json:"workflow_id,omitempty"`
	Score              *int     `json:"score,omitempty"`
	Detection          *bool    `json:"detection,omitempty"`
	MainObservableType string   `json:"main_observable_type,omitempty"`
	ObjectRefsInferred []string `json:"object_refs_inferred,omitempty"`
	GrantedRefs        []string `json:"granted_refs,omitempty"`

	// Observable-specific labels live here rather than on the top-level
	// object, so label extraction must union both locations.
	Labels []string `json:"labels,omitempty"`

	// Resolved relationship endpoints
	SourceRef  string `json:"source_ref,omitempty"`
	TargetRef  string `json:"target_ref,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	TargetType string `json:"target_type,omitempty"`

	// Resolved sighting endpoints
	SightingOfRef     string   `json:"sighting_of_ref,omitempty"`
	SightingOfType    string   `json:"sighting_of_type,omitempty"`
	WhereSightedRefs  []string `json:"where_sighted_refs,omitempty"`
	WhereSightedTypes []string `json:"where_sighted_types,omitempty"`
}

// ChangeEvent wraps one change-stream delivery.
type ChangeEvent struct {
	EventID   uuid.UUID       `json:"event_id"`
	Operation ChangeOperation `json:"type" validate:"required,oneof=create update delete merge"`
	Timestamp time.Time       `json:"timestamp"`
	Data      *StixObject     `json:"data" validate:"required"`
}

// ChangeOperation identifies the kind of change carried by an event.
type ChangeOperation string

const (
	OperationCreate ChangeOperation = "create"
	OperationUpdate ChangeOperation = "update"
	OperationDelete ChangeOperation = "delete"
	OperationMerge  ChangeOperation = "merge"
)

// IsValid checks if the operation is a valid value.
func (o ChangeOperation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationMerge:
		return true
	}
	return false
}

// IsRelationship reports whether the object is relationship-shaped.
func (s *StixObject) IsRelationship() bool {
	return strings.EqualFold(s.Type, "relationship") || (s.SourceRef != "" && s.TargetRef != "")
}

// IsSighting reports whether the object is sighting-shaped.
func (s *StixObject) IsSighting() bool {
	return strings.EqualFold(s.Type, "sighting") || s.SightingOfRef != ""
}

// IdentityIDs returns every identifier under which this object is known:
// the standard id plus the platform internal id when present.
func (s *StixObject) IdentityIDs() []string {
	ids := make([]string, 0, 2)
	if s.ID != "" {
		ids = append(ids, s.ID)
	}
	if s.Extensions.InternalID != "" && s.Extensions.InternalID != s.ID {
		ids = append(ids, s.Extensions.InternalID)
	}
	return ids
}

// AllLabels unions the top-level labels with the observable extension labels.
func (s *StixObject) AllLabels() []string {
	if len(s.Extensions.Labels) == 0 {
		return s.Labels
	}
	out := make([]string, 0, len(s.Labels)+len(s.Extensions.Labels))
	out = append(out, s.Labels...)
	out = append(out, s.Extensions.Labels...)
	return out
}

// containerTypes are the STIX types whose object refs denote containment
// rather than plain references.
var containerTypes = map[string]struct{}{
	"report":                  {},
	"grouping":                {},
	"note":                    {},
	"opinion":                 {},
	"observed-data":           {},
	"case-incident":           {},
	"case-rfi":                {},
	"case-rft":                {},
	"feedback":                {},
	"task":                    {},
	"x-opencti-case-incident": {},
}

// IsContainer reports whether the object is container-shaped, i.e. its object
// refs count as contained side entities.
func (s *StixObject) IsContainer() bool {
	_, ok := containerTypes[strings.ToLower(s.Type)]
	return ok
}

// ContainedRefs unions direct object refs with inferred containment refs.
func (s *StixObject) ContainedRefs() []string {
	if len(s.Extensions.ObjectRefsInferred) == 0 {
		return s.ObjectRefs
	}
	out := make([]string, 0, len(s.ObjectRefs)+len(s.Extensions.ObjectRefsInferred))
	out = append(out, s.ObjectRefs...)
	out = append(out, s.Extensions.ObjectRefsInferred...)
	return out
}

// SchemaVersionCurrent is the current version of the stream schema.
const SchemaVersionCurrent = "1.0.0"
