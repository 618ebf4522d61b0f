// Package broadcast pushes room snapshots and append-only feed inserts to
// all collaborators over Redis pub/sub. Delivery is best effort: roughly
// in write order, no at-least-once guarantee.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"listdiff/api/internal/store"
)

type Kind string

const (
	KindRoom    Kind = "room"
	KindEvent   Kind = "event"
	KindVersion Kind = "version"
)

// Message is the envelope carried on a room's live channel. Room updates
// are full-document snapshots tagged with the originating operation id so
// the writer can recognize its own echo.
type Message struct {
	Kind    Kind           `json:"kind"`
	Origin  string         `json:"origin,omitempty"`
	Room    *store.Room    `json:"room,omitempty"`
	Event   *store.Event   `json:"event,omitempty"`
	Version *store.Version `json:"version,omitempty"`
}

type Broker struct {
	client *redis.Client
}

func New(redisURL string) (*Broker, error) {
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
	return &Broker{client: client}, nil
}

func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func channelFor(roomID string) string {
	return "listdiff:room:" + roomID
}

// PublishRoom broadcasts a full-document snapshot tagged with the op id
// of the write that produced it.
func (b *Broker) PublishRoom(ctx context.Context, room store.Room, origin string) error {
	return b.publish(ctx, room.ID, Message{Kind: KindRoom, Origin: origin, Room: &room})
}

// PublishEvent broadcasts one appended audit entry.
func (b *Broker) PublishEvent(ctx context.Context, event store.Event) error {
	return b.publish(ctx, event.RoomID, Message{Kind: KindEvent, Event: &event})
}

// PublishVersion broadcasts one inserted snapshot.
func (b *Broker) PublishVersion(ctx context.Context, version store.Version) error {
	return b.publish(ctx, version.RoomID, Message{Kind: KindVersion, Version: &version})
}

func (b *Broker) publish(ctx context.Context, roomID string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(roomID), payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Subscription delivers decoded messages for one room until closed.
type Subscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

// Subscribe starts listening on the room's live channel. The returned
// subscription must be closed by the caller.
func (b *Broker) Subscribe(ctx context.Context, roomID string) *Subscription {
	pubsub := b.client.Subscribe(ctx, channelFor(roomID))
	sub := &Subscription{
		pubsub: pubsub,
		ch:     make(chan Message, 16),
	}

	go func() {
		defer close(sub.ch)
		for raw := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("broadcast: drop malformed payload on %s: %v", raw.Channel, err)
				continue
			}
			select {
			case sub.ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub
}

// Messages returns the delivery channel; it is closed when the
// subscription closes.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
