package routing

import (
	"fmt"
	"slices"
)

// Availability is the advertised state of a persona.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// Valid reports whether a is one of the known availability values.
func (a Availability) Valid() bool {
	switch a {
	case Available, Busy, Offline:
		return true
	}
	return false
}

// PersonaProfile describes a routable voice identity.
type PersonaProfile struct {
	ID                 string
	Role               string
	Priority           int // higher wins ties
	Availability       Availability
	CurrentLoad        int
	MaxConcurrentCalls int
	Specializations    []string
}

// CanTakeCall reports whether the persona is available and below capacity.
func (p *PersonaProfile) CanTakeCall() bool {
	return p.Availability == Available && p.CurrentLoad < p.MaxConcurrentCalls
}

// Shares reports whether p and other have at least one specialization in
// common.
func (p *PersonaProfile) Shares(other *PersonaProfile) bool {
	for _, s := range p.Specializations {
		if slices.Contains(other.Specializations, s) {
			return true
		}
	}
	return false
}

func (p *PersonaProfile) clone() PersonaProfile {
	v := *p
	v.Specializations = slices.Clone(p.Specializations)
	return v
}

func (p *PersonaProfile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("routing: persona id is empty")
	}
	if p.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("routing: persona %s: max concurrent calls must be positive", p.ID)
	}
	if p.CurrentLoad < 0 {
		return fmt.Errorf("routing: persona %s: negative load", p.ID)
	}
	if p.Availability == "" {
		p.Availability = Available
	}
	if !p.Availability.Valid() {
		return fmt.Errorf("routing: persona %s: invalid availability %q", p.ID, p.Availability)
	}
	return nil
}
