package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one frame addressed to a document room.
type Message struct {
	DocumentID string `json:"documentId"`
	// Except names a socket that must not receive the frame.
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Broker fans room messages out to every hub instance, including the one
// that published them.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Listen registers the delivery callback. It is called once, before
	// the first Join.
	Listen(deliver func(Message))
	Join(ctx context.Context, documentID string) error
	Leave(ctx context.Context, documentID string) error
	Close() error
}

// LocalBroker delivers in-process, synchronously.
type LocalBroker struct {
	mu      sync.RWMutex
	deliver func(Message)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Listen(deliver func(Message)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

func (b *LocalBroker) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(msg)
	}
	return nil
}

func (b *LocalBroker) Join(context.Context, string) error  { return nil }
func (b *LocalBroker) Leave(context.Context, string) error { return nil }
func (b *LocalBroker) Close() error                        { return nil }

const roomChannelPrefix = "collab:room:"

// RedisBroker relays room messages through Redis pub/sub, one channel per
// document with local members.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		pubsub: client.Subscribe(context.Background()),
		done:   make(chan struct{}),
	}
}

func roomChannel(documentID string) string {
	return roomChannelPrefix + documentID
}

func (b *RedisBroker) Listen(deliver func(Message)) {
	ch := b.pubsub.Channel()
	go func() {
		defer close(b.done)
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("hub: skip malformed broker message on %s: %v", m.Channel, err)
				continue
			}
			deliver(msg)
		}
	}()
}

func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broker message: %w", err)
	}
	if err := b.client.Publish(ctx, roomChannel(msg.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.DocumentID, err)
	}
	return nil
}

func (b *RedisBroker) Join(ctx context.Context, documentID string) error {
	if err := b.pubsub.Subscribe(ctx, roomChannel(documentID)); err != nil {
		return fmt.Errorf("subscribe %s: %w", documentID, err)
	}
	return nil
}

func (b *RedisBroker) Leave(ctx context.Context, documentID string) error {
	if err := b.pubsub.Unsubscribe(ctx, roomChannel(documentID)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", documentID, err)
	}
	return nil
}

// Close stops the subscription. The Redis client stays open.
func (b *RedisBroker) Close() error {
	var err error
	b.once.Do(func() {
		err = b.pubsub.Close()
	})
	return err
}
