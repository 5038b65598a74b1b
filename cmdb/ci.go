// Package cmdb defines the core data model shared by every engine: the
// Configuration Item (CI) node type and the closed set of relationship
// (edge) types that may connect two CIs.
package cmdb

import "time"

// Criticality is the qualitative importance label carried by a CI and used
// as an input to the weight calculator.
type Criticality string

const (
	CriticalityCritical Criticality = "CRITICAL"
	CriticalityHigh     Criticality = "HIGH"
	CriticalityMedium   Criticality = "MEDIUM"
	CriticalityLow      Criticality = "LOW"
	CriticalityInfo     Criticality = "INFO"
)

// Status values a CI commonly carries; arbitrary strings are also allowed
// per spec.md §3, so this is documentation rather than an enforced enum.
const (
	StatusOperational = "OPERATIONAL"
	StatusMaintenance = "MAINTENANCE"
	StatusFailed      = "FAILED"
	StatusDegraded    = "DEGRADED"
)

// CI is a Configuration Item: a node in the graph store. Type is an open
// enumeration (Server, Database, WebApplication, ...); Properties is an
// open property bag for anything not promoted to a named field.
type CI struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Criticality Criticality            `json:"criticality"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	Properties  map[string]any         `json:"properties,omitempty"`
}

// RelationshipType is the closed set of edge types the core understands.
// Query templates only ever interpolate a value from this set (never raw
// user input) into Cypher, per the REDESIGN FLAGS guidance in spec.md §9.
type RelationshipType string

const (
	DependsOn      RelationshipType = "DEPENDS_ON"
	RunsOn         RelationshipType = "RUNS_ON"
	HostedIn       RelationshipType = "HOSTED_IN"
	Supports       RelationshipType = "SUPPORTS"
	ConnectsTo     RelationshipType = "CONNECTS_TO"
	ReplicatesTo   RelationshipType = "REPLICATES_TO"
	BalancesTo     RelationshipType = "BALANCES_TO"
	RoutesTo       RelationshipType = "ROUTES_TO"
	Monitors       RelationshipType = "MONITORS"
	Uses           RelationshipType = "USES"
	IntegratesWith RelationshipType = "INTEGRATES_WITH"
	LocatedIn      RelationshipType = "LOCATED_IN"
	MustComplyWith RelationshipType = "MUST_COMPLY_WITH"
	FailsOverTo    RelationshipType = "FAILS_OVER_TO"
	ScalesTo       RelationshipType = "SCALES_TO"
	DelegatesTo    RelationshipType = "DELEGATES_TO"
)

// knownRelationshipTypes backs IsValidRelationshipType; it is the single
// allow-list consulted before any relationship type is placed into a
// Cypher query template.
var knownRelationshipTypes = map[RelationshipType]bool{
	DependsOn: true, RunsOn: true, HostedIn: true, Supports: true,
	ConnectsTo: true, ReplicatesTo: true, BalancesTo: true, RoutesTo: true,
	Monitors: true, Uses: true, IntegratesWith: true, LocatedIn: true,
	MustComplyWith: true, FailsOverTo: true, ScalesTo: true, DelegatesTo: true,
}

// IsValidRelationshipType reports whether t is in the closed allow-list.
func IsValidRelationshipType(t string) bool {
	return knownRelationshipTypes[RelationshipType(t)]
}

// TraversalAllowlist is the subset of relationship types C3's weighted
// path search is permitted to follow (spec.md §4.3).
var TraversalAllowlist = map[RelationshipType]bool{
	DependsOn: true, RunsOn: true, Supports: true, Uses: true,
}

// Event is a graph-persisted operational event, optionally linked to a CI
// by an AFFECTS edge.
type Event struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	Message          string    `json:"message"`
	Severity         string    `json:"severity"`
	EventType        string    `json:"eventType"`
	Timestamp        time.Time `json:"timestamp"`
	Status           string    `json:"status"`
	Metadata         string    `json:"metadata,omitempty"`
	CorrelationScore float64   `json:"correlationScore"`
	AffectsCIID      string    `json:"affectsCiId,omitempty"`
}
