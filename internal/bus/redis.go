package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"portal-mailbox/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes change events over a single Redis pub/sub channel and
// replays them into a local Hub, so a write on any instance reaches
// subscribers on every instance.
type RedisBus struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     logger.Logger

	startOnce sync.Once
	startErr  error
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRedisBus(client *redis.Client, prefix string, log logger.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: prefix + ":bus",
		hub:     NewHub(),
		log:     log.WithFields(map[string]interface{}{"component": "bus.redis"}),
		done:    make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode bus event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("publish bus event: %w", err)
	}
	return nil
}

// Subscribe lazily starts the channel reader on first use.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b.hub.Subscribe(ctx, key)
}

// Start subscribes to the shared channel and waits for the confirmation.
func (b *RedisBus) Start(ctx context.Context) error {
	b.startOnce.Do(func() {
		ps := b.client.Subscribe(ctx, b.channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.startErr = fmt.Errorf("subscribe %s: %w", b.channel, err)
			close(b.done)
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.run(runCtx, ps)
	})
	return b.startErr
}

func (b *RedisBus) run(ctx context.Context, ps *redis.PubSub) {
	defer close(b.done)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("Dropping undecodable bus message", map[string]interface{}{"error": err.Error()})
				continue
			}
			if ev.Key == "" {
				continue
			}
			b.hub.deliver(ev)
		}
	}
}

// Close stops the channel reader. Open subscriptions stay valid but receive
// nothing further.
func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return nil
}
