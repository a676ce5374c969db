package cache

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// envelope wraps a frame published for one document. Instances skip their own envelopes.
type envelope struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

// Relay fans frames out to the other server instances holding the same document.
type Relay struct {
	rdb        redis.UniversalClient
	instanceID string
}

func NewRelay(rdb redis.UniversalClient, instanceID string) *Relay {
	return &Relay{rdb: rdb, instanceID: instanceID}
}

func (r *Relay) InstanceID() string { return r.instanceID }

func (r *Relay) Publish(ctx context.Context, docID string, frame []byte) error {
	data, err := json.Marshal(envelope{Origin: r.instanceID, Frame: frame})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannel(docID), data).Err()
}

// Subscribe delivers frames published by other instances for docID until the
// returned stop is called. It returns once the subscription is confirmed.
func (r *Relay) Subscribe(ctx context.Context, docID string, fn func(frame []byte)) (stop func() error, err error) {
	pubsub := r.rdb.Subscribe(ctx, relayChannel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("relay decode error (doc=%s): %v", docID, err)
				continue
			}
			if env.Origin == r.instanceID {
				continue
			}
			fn(env.Frame)
		}
	}()
	return pubsub.Close, nil
}
