package routing

import "github.com/haivivi/callroute/pkg/event"

// Path tells how an assignment was reached.
type Path int

const (
	// PathRule means a matching rule's target persona was available.
	PathRule Path = iota + 1
	// PathLoadBalanced means no rule applied and the least-loaded available
	// persona was chosen.
	PathLoadBalanced
	// PathDefault means nobody was available and the default persona was
	// returned.
	PathDefault
)

// String returns the string representation of the path.
func (p Path) String() string {
	switch p {
	case PathRule:
		return "rule"
	case PathLoadBalanced:
		return "load_balanced"
	case PathDefault:
		return "default"
	default:
		return "unknown"
	}
}

// ExecutiveAssigned is published for every assignment.
type ExecutiveAssigned struct {
	CallerID  string
	PersonaID string
	Context   CallContext
	RuleID    string // empty unless Path is PathRule
	Path      Path
}

// RoutingFailed is published when routing had to fall back to the default
// persona. The call itself still gets an assignment.
type RoutingFailed struct {
	CallerID string
	Err      error
}

// LoadBalanced is published whenever a persona's load changes.
type LoadBalanced struct {
	PersonaID string
	NewLoad   int
}

// AvailabilityChanged is published when a persona's availability changes.
type AvailabilityChanged struct {
	PersonaID    string
	Availability Availability
}

// Events holds the engine's typed event buses.
type Events struct {
	Assigned     event.Bus[ExecutiveAssigned]
	Failed       event.Bus[RoutingFailed]
	LoadBalanced event.Bus[LoadBalanced]
	Availability event.Bus[AvailabilityChanged]
}
