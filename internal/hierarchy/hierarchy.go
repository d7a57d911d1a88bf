// Package hierarchy provides the static entity type hierarchy used when
// matching endpoint-type filters. Type comparisons against a parent type must
// also match every descendant, so lookups expand a concrete type to the full
// ancestor chain.
package hierarchy

import "strings"

// Abstract parent types.
const (
	TypeStixObject            = "Stix-Object"
	TypeStixCoreObject        = "Stix-Core-Object"
	TypeStixDomainObject      = "Stix-Domain-Object"
	TypeStixCyberObservable   = "Stix-Cyber-Observable"
	TypeStixMetaObject        = "Stix-Meta-Object"
	TypeBasicRelationship     = "basic-relationship"
	TypeStixRelationship      = "stix-relationship"
	TypeStixCoreRelationship  = "stix-core-relationship"
	TypeStixSightingRelation  = "stix-sighting-relationship"
	TypeContainer             = "Container"
	TypeCase                  = "Case"
	TypeIdentity              = "Identity"
	TypeLocation              = "Location"
	TypeThreatActor           = "Threat-Actor"
)

// parents maps each concrete or abstract type to its direct parents.
// Multiple parents are allowed (e.g. Report is both a domain object and a
// container).
var parents = map[string][]string{
	TypeStixCoreObject:       {TypeStixObject},
	TypeStixDomainObject:     {TypeStixCoreObject},
	TypeStixCyberObservable:  {TypeStixCoreObject},
	TypeStixMetaObject:       {TypeStixObject},
	TypeStixRelationship:     {TypeBasicRelationship},
	TypeStixCoreRelationship: {TypeStixRelationship},
	TypeStixSightingRelation: {TypeStixRelationship},
	TypeContainer:            {TypeStixDomainObject},
	TypeCase:                 {TypeContainer},
	TypeIdentity:             {TypeStixDomainObject},
	TypeLocation:             {TypeStixDomainObject},
	TypeThreatActor:          {TypeStixDomainObject},

	"Attack-Pattern":     {TypeStixDomainObject},
	"Campaign":           {TypeStixDomainObject},
	"Course-Of-Action":   {TypeStixDomainObject},
	"Grouping":           {TypeContainer},
	"Incident":           {TypeStixDomainObject},
	"Indicator":          {TypeStixDomainObject},
	"Infrastructure":     {TypeStixDomainObject},
	"Intrusion-Set":      {TypeStixDomainObject},
	"Malware":            {TypeStixDomainObject},
	"Malware-Analysis":   {TypeStixDomainObject},
	"Note":               {TypeContainer},
	"Observed-Data":      {TypeContainer},
	"Opinion":            {TypeContainer},
	"Report":             {TypeContainer},
	"Tool":               {TypeStixDomainObject},
	"Vulnerability":      {TypeStixDomainObject},
	"Data-Component":     {TypeStixDomainObject},
	"Data-Source":        {TypeStixDomainObject},
	"Task":               {TypeStixDomainObject},
	"Feedback":           {TypeCase},
	"Case-Incident":      {TypeCase},
	"Case-Rfi":           {TypeCase},
	"Case-Rft":           {TypeCase},
	"Channel":            {TypeStixDomainObject},
	"Event":              {TypeStixDomainObject},
	"Narrative":          {TypeStixDomainObject},

	"Individual":   {TypeIdentity},
	"Organization": {TypeIdentity},
	"Sector":       {TypeIdentity},
	"System":       {TypeIdentity},

	"City":                {TypeLocation},
	"Country":             {TypeLocation},
	"Region":              {TypeLocation},
	"Position":            {TypeLocation},
	"Administrative-Area": {TypeLocation},

	"Threat-Actor-Group":      {TypeThreatActor},
	"Threat-Actor-Individual": {TypeThreatActor},

	"IPv4-Addr":            {TypeStixCyberObservable},
	"IPv6-Addr":            {TypeStixCyberObservable},
	"Domain-Name":          {TypeStixCyberObservable},
	"Hostname":             {TypeStixCyberObservable},
	"Url":                  {TypeStixCyberObservable},
	"Email-Addr":           {TypeStixCyberObservable},
	"Email-Message":        {TypeStixCyberObservable},
	"StixFile":             {TypeStixCyberObservable},
	"Artifact":             {TypeStixCyberObservable},
	"Process":              {TypeStixCyberObservable},
	"Software":             {TypeStixCyberObservable},
	"User-Account":         {TypeStixCyberObservable},
	"Windows-Registry-Key": {TypeStixCyberObservable},
	"Autonomous-System":    {TypeStixCyberObservable},
	"Mac-Addr":             {TypeStixCyberObservable},
	"Network-Traffic":      {TypeStixCyberObservable},

	"Label":              {TypeStixMetaObject},
	"Marking-Definition": {TypeStixMetaObject},
	"External-Reference": {TypeStixMetaObject},
	"Kill-Chain-Phase":   {TypeStixMetaObject},

	"relationship": {TypeStixCoreRelationship},
	"sighting":     {TypeStixSightingRelation},
}

// Resolver answers ancestor queries over the static type table.
type Resolver struct {
	// ancestors caches the fully expanded chain per type, lowercased.
	ancestors map[string][]string
}

// NewResolver builds a resolver with every chain pre-expanded.
func NewResolver() *Resolver {
	r := &Resolver{ancestors: make(map[string][]string, len(parents))}
	for t := range parents {
		r.ancestors[strings.ToLower(t)] = expand(t)
	}
	return r
}

func expand(t string) []string {
	seen := map[string]bool{}
	out := []string{t}
	seen[t] = true

	queue := []string{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range parents[cur] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
				queue = append(queue, p)
			}
		}
	}
	return out
}

// Ancestors returns the type itself plus every ancestor type. Unknown types
// return just themselves, so a filter on an exact unknown type still matches.
func (r *Resolver) Ancestors(entityType string) []string {
	if chain, ok := r.ancestors[strings.ToLower(entityType)]; ok {
		return chain
	}
	return []string{entityType}
}

// IsSubType reports whether child equals parent or descends from it.
// Comparison is case-insensitive to match the indexing layer's keyword
// normalization.
func (r *Resolver) IsSubType(child, parent string) bool {
	target := strings.ToLower(parent)
	for _, t := range r.Ancestors(child) {
		if strings.ToLower(t) == target {
			return true
		}
	}
	return false
}
