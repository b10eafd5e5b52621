package events

import (
	"testing"
	"time"

	"github.com/jobforge/appcatalog/internal/apps"
)

func publishAndWait(b *Broker, ev apps.Event) {
	b.Publish(ev)
}

func recv(t *testing.T, sub *Subscriber) apps.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return apps.Event{}
	}
}

func TestBrokerDeliversToTenantSubscribers(t *testing.T) {
	b := NewBroker(nil)
	devSub := b.Subscribe("dev")
	prodSub := b.Subscribe("prod")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(devSub)
	defer b.Unsubscribe(prodSub)
	defer b.Unsubscribe(allSub)

	publishAndWait(b, apps.Event{Tenant: "dev", AppID: "word-count", Operation: apps.OpCreate})

	if ev := recv(t, devSub); ev.AppID != "word-count" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev := recv(t, allSub); ev.Tenant != "dev" {
		t.Fatalf("wildcard subscriber missed event: %+v", ev)
	}
	select {
	case ev := <-prodSub.Events():
		t.Fatalf("cross-tenant leak: %+v", ev)
	default:
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("dev")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber still registered: %d", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestBrokerNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("dev")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must keep returning.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(apps.Event{Tenant: "dev", AppID: "spam"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
