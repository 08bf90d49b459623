package routing_test

import (
	"testing"
	"time"

	"github.com/haivivi/callroute/pkg/routing"
)

func at(hour, min int) time.Time {
	// 2026-03-04 is a Wednesday.
	return time.Date(2026, 3, 4, hour, min, 0, 0, time.UTC)
}

func mustCond(t *testing.T, c routing.Condition, err error) routing.Condition {
	t.Helper()
	if err != nil {
		t.Fatalf("build condition: %v", err)
	}
	return c
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	c := mustCond(t, routing.MatchTimeWindow("18:00", "08:00"))
	tests := []struct {
		hour, min int
		want      bool
	}{
		{23, 0, true},
		{3, 0, true},
		{12, 0, false},
		{18, 0, true},
		{8, 0, true},
		{8, 1, false},
		{17, 59, false},
		{0, 0, true},
	}
	for _, tt := range tests {
		cc := &routing.CallContext{Timestamp: at(tt.hour, tt.min)}
		if got := c.Eval(cc, time.UTC); got != tt.want {
			t.Errorf("18:00-08:00 at %02d:%02d = %v, want %v", tt.hour, tt.min, got, tt.want)
		}
	}
}

func TestTimeWindowSameDay(t *testing.T) {
	c := mustCond(t, routing.MatchTimeWindow("09:00", "17:30"))
	for _, tt := range []struct {
		hour, min int
		want      bool
	}{
		{9, 0, true},
		{12, 15, true},
		{17, 30, true},
		{17, 31, false},
		{8, 59, false},
		{23, 0, false},
	} {
		cc := &routing.CallContext{Timestamp: at(tt.hour, tt.min)}
		if got := c.Eval(cc, time.UTC); got != tt.want {
			t.Errorf("09:00-17:30 at %02d:%02d = %v, want %v", tt.hour, tt.min, got, tt.want)
		}
	}
}

func TestTimeWindowUsesLocation(t *testing.T) {
	c := mustCond(t, routing.MatchTimeWindow("09:00", "10:00"))
	loc := time.FixedZone("UTC+8", 8*3600)
	// 01:30 UTC is 09:30 at UTC+8.
	cc := &routing.CallContext{Timestamp: at(1, 30)}
	if !c.Eval(cc, loc) {
		t.Error("expected match in UTC+8")
	}
	if c.Eval(cc, time.UTC) {
		t.Error("expected no match in UTC")
	}
}

func TestParseClock(t *testing.T) {
	c, err := routing.ParseClock("07:05")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if c != 7*60+5 {
		t.Errorf("ParseClock = %d, want %d", c, 7*60+5)
	}
	if c.String() != "07:05" {
		t.Errorf("String = %q", c.String())
	}
	for _, bad := range []string{"", "7", "25:00", "12:60", "noon"} {
		if _, err := routing.ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) should fail", bad)
		}
	}
}

func TestKeywordCondition(t *testing.T) {
	c := mustCond(t, routing.MatchKeywords("Budget", "forecast"))
	tests := []struct {
		keywords []string
		want     bool
	}{
		{[]string{"quarterly BUDGET review"}, true},
		{[]string{"forecasting"}, true},
		{[]string{"hiring", "culture"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		cc := &routing.CallContext{Keywords: tt.keywords}
		if got := c.Eval(cc, time.UTC); got != tt.want {
			t.Errorf("keywords %v = %v, want %v", tt.keywords, got, tt.want)
		}
	}

	if _, err := routing.MatchKeywords(); err == nil {
		t.Error("empty keyword list should fail")
	}
	if _, err := routing.MatchKeywords(" ", ""); err == nil {
		t.Error("blank keywords should fail")
	}
}

func TestCallerPatternCondition(t *testing.T) {
	c := mustCond(t, routing.MatchCaller(`^\+1415`))
	if !c.Eval(&routing.CallContext{CallerID: "+14155550100"}, time.UTC) {
		t.Error("expected +1415 caller to match")
	}
	if c.Eval(&routing.CallContext{CallerID: "+12125550100"}, time.UTC) {
		t.Error("expected +1212 caller not to match")
	}

	unanchored := mustCond(t, routing.MatchCaller(`board`))
	if !unanchored.Eval(&routing.CallContext{CallerID: "sip:board-chair@example.com"}, time.UTC) {
		t.Error("unanchored pattern should match anywhere in the caller id")
	}

	if _, err := routing.MatchCaller(`(`); err == nil {
		t.Error("invalid regex should fail")
	}
}

func TestWeekdayAndUrgencyConditions(t *testing.T) {
	weekend := mustCond(t, routing.MatchWeekdays(time.Saturday, time.Sunday))
	if weekend.Eval(&routing.CallContext{Timestamp: at(10, 0)}, time.UTC) {
		t.Error("Wednesday should not match weekend")
	}
	sat := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	if !weekend.Eval(&routing.CallContext{Timestamp: sat}, time.UTC) {
		t.Error("Saturday should match weekend")
	}

	critical := mustCond(t, routing.MatchUrgency(routing.UrgencyCritical))
	if !critical.Eval(&routing.CallContext{Urgency: routing.UrgencyCritical}, time.UTC) {
		t.Error("critical should match critical")
	}
	if critical.Eval(&routing.CallContext{Urgency: routing.UrgencyHigh}, time.UTC) {
		t.Error("high should not match critical")
	}
	if _, err := routing.MatchUrgency("extreme"); err == nil {
		t.Error("unknown urgency should fail")
	}
}

func TestRuleRequiresAllConditions(t *testing.T) {
	r := routing.Rule{
		ID: "finance-urgent",
		Conditions: []routing.Condition{
			mustCond(t, routing.MatchKeywords("budget")),
			mustCond(t, routing.MatchUrgency(routing.UrgencyHigh)),
		},
		Actions: routing.Actions{TargetPersona: "cfo"},
	}
	cc := &routing.CallContext{Keywords: []string{"budget"}, Urgency: routing.UrgencyHigh}
	if !r.Matches(cc, time.UTC) {
		t.Error("expected match when all conditions hold")
	}
	cc.Urgency = routing.UrgencyLow
	if r.Matches(cc, time.UTC) {
		t.Error("expected no match when one condition fails")
	}

	empty := routing.Rule{ID: "catch-all", Actions: routing.Actions{TargetPersona: "coo"}}
	if !empty.Matches(&routing.CallContext{}, time.UTC) {
		t.Error("rule without conditions should match every call")
	}
}
