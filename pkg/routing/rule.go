package routing

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// Rule maps a set of conditions to a target persona. All conditions must
// hold for the rule to match; a rule without conditions matches every call.
type Rule struct {
	ID         string
	Priority   int
	Conditions []Condition
	Actions    Actions
}

// Actions is what happens when a rule is selected.
type Actions struct {
	TargetPersona   string
	Notify          []string
	Record          bool
	Transcribe      bool
	RequireApproval bool
}

// Matches reports whether every condition of r holds for cc.
func (r *Rule) Matches(cc *CallContext, loc *time.Location) bool {
	for _, c := range r.Conditions {
		if !c.Eval(cc, loc) {
			return false
		}
	}
	return true
}

func (r *Rule) clone() Rule {
	v := *r
	v.Conditions = slices.Clone(r.Conditions)
	v.Actions.Notify = slices.Clone(r.Actions.Notify)
	return v
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("routing: rule id is empty")
	}
	if r.Actions.TargetPersona == "" {
		return fmt.Errorf("routing: rule %s: target persona is empty", r.ID)
	}
	for i, c := range r.Conditions {
		switch c.Kind {
		case CondKeywords:
			if len(c.Keywords) == 0 {
				return fmt.Errorf("routing: rule %s: condition %d: no keywords", r.ID, i)
			}
		case CondCallerPattern:
			if c.Pattern == nil {
				return fmt.Errorf("routing: rule %s: condition %d: no pattern", r.ID, i)
			}
		case CondWeekdays:
			if len(c.Days) == 0 {
				return fmt.Errorf("routing: rule %s: condition %d: no weekdays", r.ID, i)
			}
			for _, d := range c.Days {
				if d < time.Sunday || d > time.Saturday {
					return fmt.Errorf("routing: rule %s: condition %d: invalid weekday %d", r.ID, i, d)
				}
			}
		case CondUrgency:
			if _, err := ParseUrgency(string(c.Urgency)); err != nil {
				return fmt.Errorf("routing: rule %s: condition %d: %w", r.ID, i, err)
			}
		case CondTimeWindow:
			if !c.Window.valid() {
				return fmt.Errorf("routing: rule %s: condition %d: invalid time window", r.ID, i)
			}
		default:
			return fmt.Errorf("routing: rule %s: condition %d: unknown kind %d", r.ID, i, c.Kind)
		}
	}
	return nil
}

// sortRules orders rules by descending priority, keeping insertion order
// among equal priorities.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
