package routing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haivivi/callroute/pkg/routing"
)

func historyBackends(t *testing.T) map[string]routing.History {
	t.Helper()
	bh, err := routing.NewBadgerHistory(routing.BadgerHistoryOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerHistory: %v", err)
	}
	t.Cleanup(func() { bh.Close() })
	return map[string]routing.History{
		"memory": routing.NewMemoryHistory(0),
		"badger": bh,
	}
}

func TestHistoryKeepsMostRecentTen(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for name, h := range historyBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 11; i++ {
				cc := routing.CallContext{
					CallerID:  "+1",
					Urgency:   routing.UrgencyLow,
					Keywords:  []string{fmt.Sprintf("call-%d", i)},
					Timestamp: base.Add(time.Duration(i) * time.Minute),
				}
				prev, err := h.Append(ctx, cc)
				if err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
				if want := min(i, 10); prev != want {
					t.Fatalf("Append %d returned %d previous, want %d", i, prev, want)
				}
			}
			got, err := h.Previous(ctx, "+1")
			if err != nil {
				t.Fatalf("Previous: %v", err)
			}
			if len(got) != 10 {
				t.Fatalf("len = %d, want 10", len(got))
			}
			for i, cc := range got {
				want := fmt.Sprintf("call-%d", i+1)
				if cc.Keywords[0] != want {
					t.Errorf("entry %d = %s, want %s", i, cc.Keywords[0], want)
				}
			}
			if !got[9].Timestamp.Equal(base.Add(10 * time.Minute)) {
				t.Errorf("last timestamp = %v", got[9].Timestamp)
			}
		})
	}
}

func TestHistoryUnknownCaller(t *testing.T) {
	for name, h := range historyBackends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := h.Previous(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("Previous: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("len = %d, want 0", len(got))
			}
		})
	}
}

func TestHistoryEngineRoundTrip(t *testing.T) {
	bh, err := routing.NewBadgerHistory(routing.BadgerHistoryOptions{InMemory: true, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	e, err := routing.New(testRoster(), routing.WithHistory(bh))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx := context.Background()
	var last routing.Assignment
	for i := 0; i < 5; i++ {
		last = e.Assign(ctx, "+1", &routing.CallContext{Metadata: map[string]string{"n": fmt.Sprint(i)}})
		e.Release(last.PersonaID)
	}
	if last.Context.PreviousInteractions != 3 {
		t.Fatalf("PreviousInteractions = %d, want 3", last.Context.PreviousInteractions)
	}
	prev, err := bh.Previous(ctx, "+1")
	if err != nil {
		t.Fatal(err)
	}
	if prev[2].Metadata["n"] != "4" {
		t.Fatalf("last stored metadata = %v", prev[2].Metadata)
	}
}

func TestBadgerHistoryRequiresDir(t *testing.T) {
	if _, err := routing.NewBadgerHistory(routing.BadgerHistoryOptions{}); err == nil {
		t.Fatal("expected error without Dir")
	}
}
