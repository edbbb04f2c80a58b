// Package websocket serves the match chat socket: one hub per instance,
// one Client per browser connection.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/swipehire/matchchat/internal/auth"
	"github.com/swipehire/matchchat/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 16 << 10
)

// Store is what the socket needs from persistence.
type Store interface {
	GetMatch(ctx context.Context, id string) (model.Match, error)
	MarkMessagesRead(ctx context.Context, matchID, readerID string) (int64, error)
}

type Client struct {
	ID        string
	UserID    string
	Username  string
	conn      *websocket.Conn
	Hub       *Hub
	MessageCh chan model.Envelope
	store     Store
	typingLim *rate.Limiter

	// rooms is only touched by the ReadMessage goroutine.
	rooms map[string]struct{}
}

func NewClient(conn *websocket.Conn, user auth.User, store Store) *Client {
	conn.SetReadLimit(maxFrameSize)
	return &Client{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Username:  user.Name,
		conn:      conn,
		MessageCh: make(chan model.Envelope, 64),
		store:     store,
		rooms:     make(map[string]struct{}),
	}
}

func (c *Client) SetTypingLimiter(requests int, window time.Duration) {
	c.typingLim = rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

// WriteMessage writes queued frames to the outgoing websocket stream.
func (c *Client) WriteMessage(ctx context.Context) {
	for {
		select {
		case frame, ok := <-c.MessageCh:
			// The hub closes the channel once the client is unregistered.
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}

			p, err := json.Marshal(frame)
			if err != nil {
				slog.ErrorContext(ctx, "failed to encode frame",
					"error", err,
					"event", frame.Event)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err = c.conn.Write(writeCtx, websocket.MessageText, p)
			cancel()
			if err != nil {
				slog.WarnContext(ctx, "failed to write frame",
					"error", err,
					"event", frame.Event,
					"user_id", c.UserID)
				return
			}

		case <-ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "context cancelled")
			return
		}
	}
}

// KeepaliveConn pings the peer so proxies do not drop an idle connection.
// It returns when a ping fails or ctx is cancelled.
func (c *Client) KeepaliveConn(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.DebugContext(ctx, "ping failed", "error", err, "user_id", c.UserID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// reply queues a frame for this connection only. It must only be called
// from the ReadMessage goroutine, before the client is unregistered.
func (c *Client) reply(ctx context.Context, event string, data any) {
	frame, err := model.NewEnvelope(event, data)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode reply", "error", err)
		return
	}
	select {
	case c.MessageCh <- frame:
	default:
		slog.WarnContext(ctx, "dropping reply - channel full",
			"event", event,
			"user_id", c.UserID)
	}
}

func (c *Client) inRoom(matchID string) bool {
	_, ok := c.rooms[matchID]
	return ok
}
