package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/swipehire/matchchat/internal/database"
	"github.com/swipehire/matchchat/internal/model"
)

// ReadMessage reads the incoming frames from the websocket stream and
// dispatches them until the connection closes.
func (c *Client) ReadMessage(ctx context.Context) {
	defer func() {
		c.Hub.Unregister <- c
		c.conn.CloseNow()
	}()

	for {
		msgType, p, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != -1 {
				slog.WarnContext(ctx, "websocket read failed", "error", err, "user_id", c.UserID)
			}
			return
		}

		// The protocol is JSON text frames only.
		if msgType != websocket.MessageText {
			continue
		}

		var frame model.Envelope
		if err := json.Unmarshal(p, &frame); err != nil {
			slog.DebugContext(ctx, "failed to process frame from client", "error", err)
			c.reply(ctx, model.EventError, model.ErrorEvent{Message: "malformed frame"})
			continue
		}

		c.dispatch(ctx, frame)
	}
}

func (c *Client) dispatch(ctx context.Context, frame model.Envelope) {
	switch frame.Event {
	case model.EventJoinRoom:
		c.handleJoinRoom(ctx, frame)

	case model.EventTyping:
		var ev model.TypingEvent
		if err := frame.Decode(&ev); err != nil || !c.inRoom(ev.MatchID) {
			return
		}
		if c.typingLim != nil && !c.typingLim.Allow() {
			slog.DebugContext(ctx, "typing rate limit exceeded", "user_id", c.UserID)
			return
		}
		// Never trust the identity claimed in the payload.
		ev.UserID, ev.UserName = c.UserID, c.Username
		c.publish(ctx, ev.MatchID, model.EventUserTyping, ev, c.UserID)

	case model.EventStopTyping:
		var ev model.StopTypingEvent
		if err := frame.Decode(&ev); err != nil || !c.inRoom(ev.MatchID) {
			return
		}
		ev.UserID = c.UserID
		c.publish(ctx, ev.MatchID, model.EventUserStopTyping, ev, c.UserID)

	case model.EventMarkMessagesAsRead:
		var ev model.ReadReceiptEvent
		if err := frame.Decode(&ev); err != nil || !c.inRoom(ev.MatchID) {
			return
		}
		ev.ReaderUserID = c.UserID
		n, err := c.store.MarkMessagesRead(ctx, ev.MatchID, c.UserID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to mark messages read",
				"error", err,
				"match_id", ev.MatchID,
				"user_id", c.UserID)
			return
		}
		slog.DebugContext(ctx, "messages marked read", "match_id", ev.MatchID, "count", n)
		c.publish(ctx, ev.MatchID, model.EventMessagesAcknowledgedAsRead, ev, "")

	default:
		c.reply(ctx, model.EventError, model.ErrorEvent{Message: "unknown event " + frame.Event})
	}
}

func (c *Client) handleJoinRoom(ctx context.Context, frame model.Envelope) {
	var matchID string
	if err := frame.Decode(&matchID); err != nil || !model.IsObjectID(matchID) {
		c.reply(ctx, model.EventJoinRoomError, model.ErrorEvent{MatchID: matchID, Message: "Invalid match id."})
		return
	}
	reject := func(msg string) {
		c.reply(ctx, model.EventJoinRoomError, model.ErrorEvent{MatchID: matchID, Message: msg})
	}

	match, err := c.store.GetMatch(ctx, matchID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		reject("Match not found.")
		return
	case err != nil:
		// Not a rejection; the client may join again once the store recovers.
		slog.ErrorContext(ctx, "failed to load match", "error", err, "match_id", matchID)
		c.reply(ctx, model.EventError, model.ErrorEvent{MatchID: matchID, Message: "Could not join the chat right now."})
		return
	case !match.HasParticipant(c.UserID):
		slog.WarnContext(ctx, "unauthorized room join",
			"match_id", matchID,
			"user_id", c.UserID)
		reject("You are not authorized to join this chat.")
		return
	}

	if err := c.Hub.Join(ctx, c, matchID); err != nil {
		return
	}
	c.rooms[matchID] = struct{}{}
	c.reply(ctx, model.EventRoomJoined, model.RoomJoinedEvent{MatchID: matchID})
}

func (c *Client) publish(ctx context.Context, matchID, event string, data any, exclude string) {
	if err := c.Hub.PublishEvent(ctx, matchID, event, data, exclude); err != nil {
		slog.ErrorContext(ctx, "failed to publish room event",
			"error", err,
			"event", event,
			"match_id", matchID)
	}
}
