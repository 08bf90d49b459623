package routing

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Urgency is the caller-declared urgency of a call.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency parses an urgency name.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(s); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return u, nil
	}
	return "", fmt.Errorf("routing: invalid urgency %q", s)
}

// CallContext is everything the rules can look at for one call.
type CallContext struct {
	CallerID             string            `msgpack:"caller"`
	Metadata             map[string]string `msgpack:"meta,omitempty"`
	PreviousInteractions int               `msgpack:"prev"`
	Urgency              Urgency           `msgpack:"urgency"`
	Keywords             []string          `msgpack:"keywords,omitempty"`
	Timestamp            time.Time         `msgpack:"ts"`
}

// Clone returns a deep copy of the context.
func (cc CallContext) Clone() CallContext {
	cc.Metadata = maps.Clone(cc.Metadata)
	cc.Keywords = slices.Clone(cc.Keywords)
	return cc
}
