package websocket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swipehire/matchchat/internal/broker"
	"github.com/swipehire/matchchat/internal/model"
)

type Registration struct {
	Client *Client
	Done   chan struct{}
}

type joinRequest struct {
	client  *Client
	matchID string
	done    chan struct{}
}

// Hub owns every connection of this instance and the match rooms they joined.
// All membership changes happen on the Run goroutine.
type Hub struct {
	broker     broker.Broker
	clients    map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	Register   chan Registration
	Unregister chan *Client
	join       chan joinRequest
	BrokerMsg  chan model.RoomEvent
}

// NewHub returns a new instance of Hub.
func NewHub(b broker.Broker) *Hub {
	return &Hub{
		broker:     b,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		Register:   make(chan Registration),
		Unregister: make(chan *Client),
		join:       make(chan joinRequest),
		BrokerMsg:  make(chan model.RoomEvent, 1024),
	}
}

// Subscribe starts feeding room events from the broker into BrokerMsg.
// It must succeed before Run, otherwise no room ever receives an event.
func (h *Hub) Subscribe(ctx context.Context) error {
	if err := h.broker.Subscribe(ctx, h.BrokerMsg); err != nil {
		return fmt.Errorf("hub: subscribe: %w", err)
	}
	return nil
}

// Run manages incoming and outgoing hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case reg := <-h.Register:
			client := reg.Client
			h.clients[client] = struct{}{}
			client.Hub = h
			close(reg.Done)

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			for matchID, members := range h.rooms {
				delete(members, client)
				if len(members) == 0 {
					delete(h.rooms, matchID)
				}
			}
			delete(h.clients, client)
			close(client.MessageCh)

		case req := <-h.join:
			members, ok := h.rooms[req.matchID]
			if !ok {
				members = make(map[*Client]struct{})
				h.rooms[req.matchID] = members
			}
			members[req.client] = struct{}{}
			close(req.done)

		case ev := <-h.BrokerMsg:
			for client := range h.rooms[ev.MatchID] {
				if ev.ExcludeUserID != "" && client.UserID == ev.ExcludeUserID {
					continue
				}
				select {
				case client.MessageCh <- ev.Frame:
				default:
					slog.Warn("skipping room event - channel full or client slow",
						"match_id", ev.MatchID,
						"user_id", client.UserID)
				}
			}

		case <-ctx.Done():
			slog.Info("hub stopped", "reason", ctx.Err())
			return
		}
	}
}

// Join adds client to the match room and waits until the hub applied it.
func (h *Hub) Join(ctx context.Context, client *Client, matchID string) error {
	req := joinRequest{client: client, matchID: matchID, done: make(chan struct{})}
	select {
	case h.join <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish fans a frame out to a match room on every instance.
func (h *Hub) Publish(ctx context.Context, matchID string, frame model.Envelope, excludeUserID string) error {
	return h.broker.Publish(ctx, model.RoomEvent{
		MatchID:       matchID,
		Frame:         frame,
		ExcludeUserID: excludeUserID,
	})
}

// PublishEvent encodes data and publishes it to a match room.
func (h *Hub) PublishEvent(ctx context.Context, matchID, event string, data any, excludeUserID string) error {
	frame, err := model.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return h.Publish(ctx, matchID, frame, excludeUserID)
}
