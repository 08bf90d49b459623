package event

import "testing"

type ping struct {
	N int
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	var bus Bus[ping]
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	bus.Publish(ping{N: 1})
	bus.Publish(ping{N: 2})

	for _, s := range []*Subscription[ping]{a, b} {
		for want := 1; want <= 2; want++ {
			got := <-s.C()
			if got.N != want {
				t.Fatalf("got %d, want %d", got.N, want)
			}
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	var bus Bus[ping]
	s := bus.Subscribe(1)
	defer s.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(ping{N: i})
	}
	if got := s.Dropped(); got != 9 {
		t.Fatalf("Dropped = %d, want 9", got)
	}
	if got := <-s.C(); got.N != 0 {
		t.Fatalf("first event = %d, want 0", got.N)
	}
}

func TestSubscriptionClose(t *testing.T) {
	var bus Bus[ping]
	s := bus.Subscribe(1)
	s.Close()
	s.Close()
	if bus.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d, want 0", bus.Subscribers())
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("channel should be closed")
	}
	bus.Publish(ping{})
}

func TestBusClose(t *testing.T) {
	var bus Bus[ping]
	s := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-s.C(); ok {
		t.Fatal("channel should be closed after bus close")
	}
	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Fatal("late subscription should be closed")
	}
	bus.Publish(ping{})
	s.Close()
}
