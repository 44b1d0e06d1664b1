package hub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
)

// Bridge fans accepted operations out to other hub instances serving the
// same document. Merge idempotence makes redelivery harmless.
type Bridge interface {
	Publish(ctx context.Context, documentID, instance string, ops []*crdt.Op) error
	// Subscribe delivers operations published by other instances for the
	// document. The returned cancel function ends the subscription.
	Subscribe(ctx context.Context, documentID, instance string, handler func(ops []*crdt.Op)) (func(), error)
}

type bridgeMessage struct {
	Instance string     `json:"instance"`
	Ops      []*crdt.Op `json:"ops"`
}

// RedisBridge relays operations over a per-document Redis pub/sub channel.
type RedisBridge struct {
	client *redis.Client
}

// NewRedisBridge wraps a connected Redis client.
func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{client: client}
}

func channelFor(documentID string) string {
	return "doc:" + documentID
}

func (b *RedisBridge) Publish(ctx context.Context, documentID, instance string, ops []*crdt.Op) error {
	payload, err := json.Marshal(bridgeMessage{Instance: instance, Ops: ops})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelFor(documentID), payload).Err()
}

func (b *RedisBridge) Subscribe(ctx context.Context, documentID, instance string, handler func(ops []*crdt.Op)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channelFor(documentID))
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			var bm bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				log.Printf("[Bridge] doc=%s bad payload: %v", documentID, err)
				continue
			}
			if bm.Instance == instance {
				continue // our own publish echoed back
			}
			handler(bm.Ops)
		}
	}()

	return func() { pubsub.Close() }, nil
}
