// Package access decides whether a principal is allowed to see a streamed
// object. The gate is consulted before any filter key is evaluated: a denied
// object never reaches the filter tree.
package access

import (
	"context"

	"stix-stream/internal/schema"
)

// Principal represents an authenticated platform user or connector identity.
// It carries the resolved visibility attributes, not credentials.
type Principal struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AllowedMarkings []string `json:"allowed_markings"`
	Organizations   []string `json:"organizations"`
	BypassAccess    bool     `json:"bypass_access"`
}

// Gate is the access-control predicate consulted before filter evaluation.
// An error counts as "not visible", never as a grant.
type Gate interface {
	CanAccess(ctx context.Context, principal *Principal, obj *schema.StixObject) (bool, error)
}

// MarkingGate enforces marking-based clearance and, when the platform runs in
// segregated mode, organization sharing.
type MarkingGate struct {
	// PlatformOrgID is the platform's main organization. Members of the main
	// organization see everything organization-wise; sharing rules only apply
	// to principals outside it.
	PlatformOrgID string

	// EnforceOrganizations turns organization segregation on. When false,
	// only markings are checked.
	EnforceOrganizations bool
}

// NewMarkingGate creates a gate with the given platform organization settings.
func NewMarkingGate(platformOrgID string, enforceOrganizations bool) *MarkingGate {
	return &MarkingGate{
		PlatformOrgID:        platformOrgID,
		EnforceOrganizations: enforceOrganizations,
	}
}

// CanAccess reports whether the principal may see the object.
func (g *MarkingGate) CanAccess(ctx context.Context, principal *Principal, obj *schema.StixObject) (bool, error) {
	if principal == nil || obj == nil {
		return false, nil
	}
	if principal.BypassAccess {
		return true, nil
	}

	// Every marking on the object must be within the principal's clearance.
	for _, marking := range obj.ObjectMarkingRefs {
		if !contains(principal.AllowedMarkings, marking) {
			return false, nil
		}
	}

	if g.EnforceOrganizations && !g.isPlatformMember(principal) {
		// Outside the main organization the object must have been explicitly
		// shared with one of the principal's organizations.
		granted := obj.Extensions.GrantedRefs
		if len(granted) == 0 {
			return false, nil
		}
		if !intersects(granted, principal.Organizations) {
			return false, nil
		}
	}

	return true, nil
}

func (g *MarkingGate) isPlatformMember(principal *Principal) bool {
	return g.PlatformOrgID != "" && contains(principal.Organizations, g.PlatformOrgID)
}

func contains(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}
