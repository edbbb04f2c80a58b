// Package broker distributes room events between chat server instances.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/swipehire/matchchat/internal/model"
)

// Broker publishes room events and delivers every published event to all
// subscribers, across processes when backed by NATS.
type Broker interface {
	Publish(ctx context.Context, ev model.RoomEvent) error
	Subscribe(ctx context.Context, receive chan<- model.RoomEvent) error
}

// JetStream is a Broker backed by a NATS JetStream stream.
type JetStream struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewJetStream creates or updates the room stream. Room events are only
// useful to connections that are online, so the stream keeps an hour at most.
func NewJetStream(ctx context.Context, js jetstream.JetStream) (*JetStream, error) {
	if js == nil {
		return nil, errors.New("jetstream interface is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectAllRooms},
		MaxAge:   time.Hour,
		MaxBytes: 1 << 30, // 1GB max storage
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}

	return &JetStream{js: js, stream: stream}, nil
}

func (b *JetStream) Publish(ctx context.Context, ev model.RoomEvent) error {
	p, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("could not encode payload to JSON: %w", err)
	}

	subject := SubjectForMatch(ev.MatchID)
	_, err = b.js.Publish(ctx, subject, p, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		return fmt.Errorf("failed to publish to stream [%s]: %w", subject, err)
	}

	slog.DebugContext(ctx, "published room event",
		"match_id", ev.MatchID,
		"event", ev.Frame.Event)
	return nil
}

// Subscribe starts an ephemeral consumer that only sees events published
// from now on. It stops when ctx is cancelled.
func (b *JetStream) Subscribe(ctx context.Context, receive chan<- model.RoomEvent) error {
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create or update consumer: %w", err)
	}

	consumeHandler := func(msg jetstream.Msg) {
		var ev model.RoomEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("could not decode room event", "error", err)
			_ = msg.Term()
			return
		}

		_ = msg.Ack()

		select {
		case receive <- ev:
		case <-ctx.Done():
		}
	}

	optErrHandler := jetstream.ConsumeErrHandler(func(cc jetstream.ConsumeContext, err error) {
		slog.Error("consumer error", "error", err)
	})

	consumeCtx, err := consumer.Consume(consumeHandler, optErrHandler)
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Drain()
	}()

	return nil
}

// Local is an in-process Broker for single instance deployments and tests.
type Local struct {
	mu   sync.RWMutex
	subs map[int]chan<- model.RoomEvent
	next int
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]chan<- model.RoomEvent)}
}

func (b *Local) Publish(ctx context.Context, ev model.RoomEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context, receive chan<- model.RoomEvent) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = receive
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}
