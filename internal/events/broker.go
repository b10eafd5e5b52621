// Package events fans committed catalog mutations out to live subscribers.
package events

import (
	"sync"

	"github.com/jobforge/appcatalog/internal/apps"
	"github.com/jobforge/appcatalog/internal/logging"
)

const subscriberBuffer = 64

// Broker is an in-process pub/sub hub for catalog change events. Publish
// never blocks: a subscriber that falls behind has events dropped rather
// than stalling the mutation path.
type Broker struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
	log  *logging.Logger
}

// Subscriber is one registered event consumer.
type Subscriber struct {
	tenant string
	ch     chan apps.Event
}

// Events is the subscriber's receive channel. It closes on Unsubscribe.
func (s *Subscriber) Events() <-chan apps.Event { return s.ch }

// NewBroker creates an empty broker.
func NewBroker(log *logging.Logger) *Broker {
	if log == nil {
		log = logging.NewDefault("events")
	}
	return &Broker{subs: make(map[*Subscriber]struct{}), log: log}
}

// Subscribe registers a consumer for one tenant's events. An empty tenant
// receives all events.
func (b *Broker) Subscribe(tenant string) *Subscriber {
	sub := &Subscriber{tenant: tenant, ch: make(chan apps.Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Broker) Publish(ev apps.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.tenant != "" && sub.tenant != ev.Tenant {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.WithFields(map[string]interface{}{
				"tenant": ev.Tenant,
				"app_id": ev.AppID,
			}).Debug("slow subscriber, event dropped")
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
