package bus

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 16

// Hub is the process-local bus. It serves single-instance deployments and
// fans Redis pub/sub messages back out to local subscribers.
type Hub struct {
	subscribers sync.Map // key -> *subscriberSet
}

type subscriberSet struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	// dead is set once the set has been dropped from the map.
	dead bool
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		v, _ := h.subscribers.LoadOrStore(key, &subscriberSet{subs: make(map[*Subscription]struct{})})
		set := v.(*subscriberSet)

		set.mu.Lock()
		if set.dead {
			// lost a race with the last cancel; load the replacement
			set.mu.Unlock()
			continue
		}
		var sub *Subscription
		sub = newSubscription(key, subscriberBuffer, func() { h.remove(key, set, sub) })
		set.subs[sub] = struct{}{}
		set.mu.Unlock()
		return sub, nil
	}
}

// remove drops sub, and the key's set once its last subscriber is gone.
func (h *Hub) remove(key string, set *subscriberSet, sub *Subscription) {
	set.mu.Lock()
	defer set.mu.Unlock()
	delete(set.subs, sub)
	close(sub.events)
	if len(set.subs) == 0 {
		set.dead = true
		h.subscribers.CompareAndDelete(key, set)
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.deliver(ev)
	return nil
}

func (h *Hub) deliver(ev Event) {
	v, ok := h.subscribers.Load(ev.Key)
	if !ok {
		return
	}
	set := v.(*subscriberSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	for sub := range set.subs {
		offer(sub.events, ev)
	}
}

// Subscribers returns the number of live subscriptions for key.
func (h *Hub) Subscribers(key string) int {
	v, ok := h.subscribers.Load(key)
	if !ok {
		return 0
	}
	set := v.(*subscriberSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}
