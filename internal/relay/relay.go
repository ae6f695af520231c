// Package relay bridges registry broadcasts across process instances over
// redis pub/sub. Each instance publishes its local events to a per-asset
// channel and injects events published by other instances into its own
// registry, so members connected to different nodes still see each other's
// operations. Without a configured redis URL the service runs single-node
// and the relay is simply not started.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"atelier/api/internal/collab"
	"atelier/api/internal/util"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "collab:"

type envelope struct {
	Instance string       `json:"instance"`
	Event    collab.Event `json:"event"`
}

type Relay struct {
	client     *redis.Client
	ownClient  bool
	registry   *collab.Registry
	instanceID string

	cancelLocal func()
	pubsub      *redis.PubSub
}

func New(redisURL string, registry *collab.Registry) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	item := NewWithClient(client, registry)
	item.ownClient = true
	return item, nil
}

// NewWithClient builds a relay over an existing redis client. The caller
// still owns the client's lifetime after Close.
func NewWithClient(client *redis.Client, registry *collab.Registry) *Relay {
	return &Relay{
		client:     client,
		registry:   registry,
		instanceID: util.NewID("node"),
	}
}

// Start wires both directions: local broadcasts out to redis, remote
// messages back into the registry. Runs until Close.
func (r *Relay) Start(ctx context.Context) {
	events, cancel := r.registry.Subscribe("")
	r.cancelLocal = cancel
	go r.publishLoop(ctx, events)

	r.pubsub = r.client.PSubscribe(ctx, channelPrefix+"*")
	go r.consumeLoop(r.pubsub.Channel())
}

func (r *Relay) publishLoop(ctx context.Context, events <-chan collab.Event) {
	for event := range events {
		if event.Remote {
			continue
		}
		payload, err := json.Marshal(envelope{Instance: r.instanceID, Event: event})
		if err != nil {
			log.Printf("relay: marshal event: %v", err)
			continue
		}
		if err := r.client.Publish(ctx, channelPrefix+event.AssetID, payload).Err(); err != nil {
			log.Printf("relay: publish %s for %s: %v", event.Type, event.AssetID, err)
		}
	}
}

func (r *Relay) consumeLoop(messages <-chan *redis.Message) {
	for message := range messages {
		var wrapped envelope
		if err := json.Unmarshal([]byte(message.Payload), &wrapped); err != nil {
			log.Printf("relay: decode message on %s: %v", message.Channel, err)
			continue
		}
		if wrapped.Instance == r.instanceID {
			continue
		}
		r.registry.Inject(wrapped.Event)
	}
}

func (r *Relay) Close() error {
	if r.cancelLocal != nil {
		r.cancelLocal()
	}
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			return err
		}
	}
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

// Ping checks if redis is reachable.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
