package bus_test

import (
	"testing"

	"github.com/accelsess/rpcsession/internal/bus"
)

func TestDispatchToRegisteredKey(t *testing.T) {
	t.Parallel()

	b := bus.New()
	var got bus.Event
	b.Register(1, bus.SubscriberFunc(func(ev bus.Event) { got = ev }))

	ev := bus.Established{Handle: 7}
	if !b.Dispatch(1, ev) {
		t.Fatal("Dispatch returned false for registered key")
	}
	if got != bus.Event(ev) {
		t.Fatalf("handler received %+v, want %+v", got, ev)
	}
}

func TestDispatchUnregisteredKeyMisses(t *testing.T) {
	t.Parallel()

	b := bus.New()
	if b.Dispatch(42, bus.Closed{}) {
		t.Fatal("Dispatch returned true for unregistered key")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	t.Parallel()

	b := bus.New()
	calls := 0
	b.Register(1, bus.SubscriberFunc(func(bus.Event) { calls++ }))
	b.Unregister(1)

	b.Dispatch(1, bus.Closed{})
	if calls != 0 {
		t.Fatalf("handler called %d times after Unregister, want 0", calls)
	}
}

func TestBroadcastReachesAllSubscribersAndToleratesMutation(t *testing.T) {
	t.Parallel()

	b := bus.New()
	calls := 0
	b.Register(1, bus.SubscriberFunc(func(bus.Event) {
		calls++
		b.Unregister(2) // mutation mid-broadcast must not corrupt iteration
	}))
	b.Register(2, bus.SubscriberFunc(func(bus.Event) { calls++ }))

	b.Broadcast(bus.Error{})

	if calls != 2 {
		t.Fatalf("broadcast delivered %d times, want 2", calls)
	}
	if b.Dispatch(2, bus.Error{}) {
		t.Fatal("key 2 still registered after mid-broadcast Unregister")
	}
}
