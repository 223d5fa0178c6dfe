// Package relay fans awareness traffic out across server instances over
// Redis pub/sub, so presence works when clients of one room land on
// different processes. The replicated document itself does not need a relay:
// rooms are pinned to one instance; only ephemeral presence crosses.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/rsimon/liiive/internal/config"
	"github.com/rsimon/liiive/internal/protocol"
)

const awarenessChannel = "liiive:awareness"

// envelope is the cross-instance message. Origin identifies the publishing
// instance so it can skip its own messages.
type envelope struct {
	Origin  string                    `json:"origin"`
	Room    string                    `json:"room"`
	Entries []protocol.AwarenessEntry `json:"entries"`
}

// Relay publishes and subscribes room awareness entries.
type Relay struct {
	client     *redis.Client
	instanceID string
}

func New(cfg *config.RedisConfig, instanceID string) *Relay {
	return &Relay{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		instanceID: instanceID,
	}
}

// Publish sends one room's awareness entries to the other instances.
func (r *Relay) Publish(ctx context.Context, roomID string, entries []protocol.AwarenessEntry) error {
	data, err := json.Marshal(envelope{Origin: r.instanceID, Room: roomID, Entries: entries})
	if err != nil {
		return fmt.Errorf("relay: marshal awareness for room %s: %w", roomID, err)
	}
	if err := r.client.Publish(ctx, awarenessChannel, data).Err(); err != nil {
		return fmt.Errorf("relay: publish awareness for room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe delivers awareness entries published by other instances to fn
// until ctx is cancelled. Messages this instance published are skipped.
func (r *Relay) Subscribe(ctx context.Context, fn func(roomID string, entries []protocol.AwarenessEntry)) {
	sub := r.client.Subscribe(ctx, awarenessChannel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("[Relay] Dropping malformed awareness message: %v", err)
					continue
				}
				if env.Origin == r.instanceID {
					continue
				}
				fn(env.Room, env.Entries)
			}
		}
	}()
}

// Close releases the Redis connection.
func (r *Relay) Close() error {
	return r.client.Close()
}
