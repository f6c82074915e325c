package eventstore

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	q1 := b.Subscribe("global", "sub-1")
	q2 := b.Subscribe("global", "sub-1")
	if q1 != q2 {
		t.Fatalf("Subscribe(same id) returned different queues")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	q1 := b.Subscribe("global", "sub-1")
	q2 := b.Subscribe("global", "sub-2")

	b.Publish("global", Event{Kind: KindServiceRegistered, ServiceName: "svc"})

	select {
	case e := <-q1:
		if e.ServiceName != "svc" {
			t.Fatalf("sub-1 got wrong event")
		}
	case <-time.After(time.Second):
		t.Fatal("sub-1 did not receive event")
	}
	select {
	case e := <-q2:
		if e.ServiceName != "svc" {
			t.Fatalf("sub-2 got wrong event")
		}
	case <-time.After(time.Second):
		t.Fatal("sub-2 did not receive event")
	}
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := NewBus()
	q := b.Subscribe("global", "sub-1")
	b.Unsubscribe("global", "sub-1")
	_, ok := <-q
	if ok {
		t.Fatalf("expected queue to be closed after Unsubscribe")
	}
}

func TestPublishToUnknownChannelIsNoop(t *testing.T) {
	b := NewBus()
	// must not panic or block
	b.Publish("nobody-subscribed", Event{})
}

func TestDispatchInvokesRegisteredHandlers(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var got []Event
	b.RegisterHandler(KindHealthChanged, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	b.Dispatch(Event{Kind: KindHealthChanged, ServiceID: "s1"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ServiceID != "s1" {
		t.Fatalf("handler did not observe dispatched event: %+v", got)
	}
}

func TestDispatchRecoversPanickingHandler(t *testing.T) {
	b := NewBus()
	errCh := make(chan Kind, 1)
	b.OnHandlerError(func(kind Kind, r interface{}) {
		errCh <- kind
	})

	var called bool
	b.RegisterHandler(KindRouteCalled, func(e Event) {
		panic("boom")
	})
	b.RegisterHandler(KindRouteCalled, func(e Event) {
		called = true
	})

	b.Dispatch(Event{Kind: KindRouteCalled})

	select {
	case k := <-errCh:
		if k != KindRouteCalled {
			t.Fatalf("onHandlerError kind = %v, want %v", k, KindRouteCalled)
		}
	case <-time.After(time.Second):
		t.Fatal("onHandlerError was not invoked for panicking handler")
	}
	if !called {
		t.Fatalf("sibling handler did not run after a panicking handler")
	}
}

func TestPublishEvictsSlowSubscriber(t *testing.T) {
	b := NewBus()
	q := b.Subscribe("global", "slow")
	// fill the queue so the next publish cannot enqueue without blocking
	for i := 0; i < SubscriberQueueCapacity; i++ {
		q <- Event{}
	}

	evicted := make(chan string, 1)
	b.OnSubscriberEvicted(func(channel, subscriberID string) {
		evicted <- subscriberID
	})

	done := make(chan struct{})
	go func() {
		b.Publish("global", Event{})
		close(done)
	}()

	select {
	case id := <-evicted:
		if id != "slow" {
			t.Fatalf("evicted subscriber = %q, want %q", id, "slow")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("slow subscriber was never evicted")
	}
	<-done
}
