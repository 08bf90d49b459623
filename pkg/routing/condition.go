package routing

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ConditionKind tags the variant held by a Condition.
type ConditionKind int

const (
	// CondKeywords matches when any configured keyword is a case-insensitive
	// substring of any context keyword.
	CondKeywords ConditionKind = iota + 1
	// CondCallerPattern matches the raw caller id against a regular
	// expression.
	CondCallerPattern
	// CondTimeWindow matches the call time of day against an inclusive
	// window that may wrap past midnight.
	CondTimeWindow
	// CondWeekdays matches the call weekday against a set.
	CondWeekdays
	// CondUrgency matches the context urgency exactly.
	CondUrgency
)

// String returns the string representation of the kind.
func (k ConditionKind) String() string {
	switch k {
	case CondKeywords:
		return "keywords"
	case CondCallerPattern:
		return "caller_pattern"
	case CondTimeWindow:
		return "time_window"
	case CondWeekdays:
		return "weekdays"
	case CondUrgency:
		return "urgency"
	default:
		return "unknown"
	}
}

// Condition is one predicate of a routing rule. Only the field belonging to
// Kind is meaningful. Use the Match* constructors to build one.
type Condition struct {
	Kind ConditionKind

	Keywords []string       // CondKeywords, lower-cased
	Pattern  *regexp.Regexp // CondCallerPattern
	Window   TimeWindow     // CondTimeWindow
	Days     []time.Weekday // CondWeekdays
	Urgency  Urgency        // CondUrgency
}

// MatchKeywords returns a keyword condition.
func MatchKeywords(keywords ...string) (Condition, error) {
	if len(keywords) == 0 {
		return Condition{}, fmt.Errorf("routing: keyword condition needs at least one keyword")
	}
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	if len(lower) == 0 {
		return Condition{}, fmt.Errorf("routing: keyword condition has only blank keywords")
	}
	return Condition{Kind: CondKeywords, Keywords: lower}, nil
}

// MatchCaller returns a caller-pattern condition. The pattern is searched
// anywhere in the caller id; anchor it with ^ and $ for a whole-id match.
func MatchCaller(pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Condition{}, fmt.Errorf("routing: caller pattern: %w", err)
	}
	return Condition{Kind: CondCallerPattern, Pattern: re}, nil
}

// MatchTimeWindow returns a time-of-day condition from "HH:MM" bounds.
func MatchTimeWindow(start, end string) (Condition, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Condition{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Condition{}, err
	}
	return Condition{Kind: CondTimeWindow, Window: TimeWindow{Start: s, End: e}}, nil
}

// MatchWeekdays returns a day-of-week condition.
func MatchWeekdays(days ...time.Weekday) (Condition, error) {
	if len(days) == 0 {
		return Condition{}, fmt.Errorf("routing: weekday condition needs at least one day")
	}
	return Condition{Kind: CondWeekdays, Days: slices.Clone(days)}, nil
}

// MatchUrgency returns an urgency condition.
func MatchUrgency(u Urgency) (Condition, error) {
	if _, err := ParseUrgency(string(u)); err != nil {
		return Condition{}, err
	}
	return Condition{Kind: CondUrgency, Urgency: u}, nil
}

// Eval reports whether the condition holds for cc. Time-based variants read
// cc.Timestamp in loc.
func (c Condition) Eval(cc *CallContext, loc *time.Location) bool {
	switch c.Kind {
	case CondKeywords:
		for _, want := range c.Keywords {
			for _, have := range cc.Keywords {
				if strings.Contains(strings.ToLower(have), want) {
					return true
				}
			}
		}
		return false
	case CondCallerPattern:
		return c.Pattern != nil && c.Pattern.MatchString(cc.CallerID)
	case CondTimeWindow:
		return c.Window.Contains(clockOf(cc.Timestamp.In(loc)))
	case CondWeekdays:
		return slices.Contains(c.Days, cc.Timestamp.In(loc).Weekday())
	case CondUrgency:
		return cc.Urgency == c.Urgency
	}
	return false
}

// Clock is a time of day in minutes since midnight.
type Clock int

// ParseClock parses "HH:MM" (24-hour).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("routing: invalid time of day %q: %w", s, err)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func clockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// String formats the clock as "HH:MM".
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// TimeWindow is an inclusive time-of-day range. A window whose Start is
// after its End wraps past midnight.
type TimeWindow struct {
	Start, End Clock
}

func (w TimeWindow) valid() bool {
	const day = Clock(24 * 60)
	return w.Start >= 0 && w.Start < day && w.End >= 0 && w.End < day
}

// Contains reports whether c falls inside the window.
func (w TimeWindow) Contains(c Clock) bool {
	if w.Start > w.End {
		return c >= w.Start || c <= w.End
	}
	return c >= w.Start && c <= w.End
}
