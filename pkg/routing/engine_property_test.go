package routing_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/haivivi/callroute/pkg/routing"
)

var (
	personaIDs = []string{"cfo", "cmo", "cto", "clo", "coo"}
	topics     = []string{"budget", "brand", "cloud", "contract", "logistics"}
	urgencies  = []routing.Urgency{routing.UrgencyLow, routing.UrgencyMedium, routing.UrgencyHigh, routing.UrgencyCritical}
)

func genRoster(t *rapid.T) []routing.PersonaProfile {
	n := rapid.IntRange(0, len(personaIDs)).Draw(t, "personas")
	roster := make([]routing.PersonaProfile, n)
	for i := range roster {
		roster[i] = routing.PersonaProfile{
			ID:                 personaIDs[i],
			Priority:           rapid.IntRange(0, 10).Draw(t, "priority"),
			Availability:       rapid.SampledFrom([]routing.Availability{routing.Available, routing.Busy, routing.Offline}).Draw(t, "availability"),
			MaxConcurrentCalls: rapid.IntRange(1, 3).Draw(t, "max"),
			Specializations:    []string{rapid.SampledFrom(topics).Draw(t, "spec")},
		}
	}
	return roster
}

func genRules(t *rapid.T) []routing.Rule {
	n := rapid.IntRange(0, 4).Draw(t, "rules")
	rules := make([]routing.Rule, n)
	for i := range rules {
		var conds []routing.Condition
		if rapid.Bool().Draw(t, "hasKeyword") {
			c, err := routing.MatchKeywords(rapid.SampledFrom(topics).Draw(t, "keyword"))
			require.NoError(t, err)
			conds = append(conds, c)
		}
		if rapid.Bool().Draw(t, "hasUrgency") {
			c, err := routing.MatchUrgency(rapid.SampledFrom(urgencies).Draw(t, "urgency"))
			require.NoError(t, err)
			conds = append(conds, c)
		}
		rules[i] = routing.Rule{
			ID:         fmt.Sprintf("r%d", i),
			Priority:   rapid.IntRange(0, 5).Draw(t, "rulePriority"),
			Conditions: conds,
			// Targets may name personas outside the roster.
			Actions: routing.Actions{TargetPersona: rapid.SampledFrom(personaIDs).Draw(t, "target")},
		}
	}
	return rules
}

func genHint(t *rapid.T) *routing.CallContext {
	return &routing.CallContext{
		Urgency:   rapid.SampledFrom(urgencies).Draw(t, "hintUrgency"),
		Keywords:  rapid.SliceOfN(rapid.SampledFrom(topics), 0, 3).Draw(t, "hintKeywords"),
		Timestamp: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
	}
}

func newPropEngine(t *rapid.T, roster []routing.PersonaProfile, rules []routing.Rule) *routing.Engine {
	e, err := routing.New(roster, routing.WithRules(rules...), routing.WithLocation(time.UTC))
	require.NoError(t, err)
	return e
}

func TestPropertyAssignIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roster := genRoster(t)
		e := newPropEngine(t, roster, genRules(t))
		defer e.Close()

		calls := rapid.IntRange(1, 12).Draw(t, "calls")
		for i := 0; i < calls; i++ {
			before := e.Personas()
			a := e.Assign(context.Background(), "+1", genHint(t))
			require.NotEmpty(t, a.PersonaID)
			if a.PersonaID == e.DefaultPersona() {
				continue
			}
			var chosen *routing.PersonaProfile
			for j := range before {
				if before[j].ID == a.PersonaID {
					chosen = &before[j]
				}
			}
			require.NotNil(t, chosen, "assigned persona %s not in roster", a.PersonaID)
			require.True(t, chosen.CanTakeCall(), "assigned persona %s could not take a call", a.PersonaID)
		}
	})
}

func TestPropertyLoadNeverExceedsMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := newPropEngine(t, genRoster(t), genRules(t))
		defer e.Close()

		ops := rapid.IntRange(1, 30).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(t, "assign") {
				a := e.Assign(context.Background(), "+1", genHint(t))
				if a.Path == routing.PathDefault {
					continue
				}
			} else {
				e.Release(rapid.SampledFrom(personaIDs).Draw(t, "release"))
			}
			for _, p := range e.Personas() {
				require.LessOrEqual(t, p.CurrentLoad, p.MaxConcurrentCalls, "persona %s", p.ID)
				require.GreaterOrEqual(t, p.CurrentLoad, 0, "persona %s", p.ID)
			}
		}
	})
}

// slowHistory widens the window between choosing a persona and returning
// from Assign.
type slowHistory struct {
	*routing.MemoryHistory
}

func (h slowHistory) Append(ctx context.Context, cc routing.CallContext) (int, error) {
	time.Sleep(time.Millisecond)
	return h.MemoryHistory.Append(ctx, cc)
}

func TestConcurrentAssignRespectsCapacity(t *testing.T) {
	roster := []routing.PersonaProfile{{ID: "cfo", Priority: 8, MaxConcurrentCalls: 1}}
	e, err := routing.New(roster, routing.WithHistory(slowHistory{routing.NewMemoryHistory(0)}))
	require.NoError(t, err)
	defer e.Close()

	const calls = 8
	got := make([]routing.Assignment, calls)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = e.Assign(context.Background(), fmt.Sprintf("+%d", i), nil)
		}()
	}
	wg.Wait()

	toCFO := 0
	for _, a := range got {
		if a.PersonaID == "cfo" {
			toCFO++
		} else {
			require.Equal(t, routing.PathDefault, a.Path)
		}
	}
	require.Equal(t, 1, toCFO)
	p, _ := e.Persona("cfo")
	require.Equal(t, 1, p.CurrentLoad)
}

func TestConcurrentAssignCountsEachInteraction(t *testing.T) {
	e, err := routing.New(testRoster(), routing.WithHistory(slowHistory{routing.NewMemoryHistory(0)}))
	require.NoError(t, err)
	defer e.Close()

	const calls = 8
	seen := make([]int, calls)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen[i] = e.Assign(context.Background(), "+1", nil).Context.PreviousInteractions
		}()
	}
	wg.Wait()

	slices.Sort(seen)
	for i, n := range seen {
		require.Equal(t, i, n, "previous interaction counts %v", seen)
	}
}

func TestPropertyAssignIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roster := genRoster(t)
		rules := genRules(t)
		hint := genHint(t)

		a := newPropEngine(t, roster, rules)
		defer a.Close()
		b := newPropEngine(t, roster, rules)
		defer b.Close()

		for i := 0; i < 5; i++ {
			x := a.Assign(context.Background(), "+1", hint)
			y := b.Assign(context.Background(), "+1", hint)
			require.Equal(t, x.PersonaID, y.PersonaID)
			require.Equal(t, x.Path, y.Path)
		}
	})
}

func TestPropertyReleaseClamps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 5).Draw(t, "max")
		e := newPropEngine(t, []routing.PersonaProfile{{ID: "cfo", MaxConcurrentCalls: limit}}, nil)
		defer e.Close()

		acquired := rapid.IntRange(0, limit).Draw(t, "acquired")
		for i := 0; i < acquired; i++ {
			require.NoError(t, e.Acquire("cfo"))
		}
		releases := rapid.IntRange(0, 8).Draw(t, "releases")
		for i := 0; i < releases; i++ {
			e.Release("cfo")
		}
		p, _ := e.Persona("cfo")
		want := acquired - releases
		if want < 0 {
			want = 0
		}
		require.Equal(t, want, p.CurrentLoad)
	})
}
