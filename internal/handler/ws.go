package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/swipehire/matchchat/internal/auth"
	ws "github.com/swipehire/matchchat/internal/websocket"
)

// TypingLimit bounds the typing frames a single connection may relay.
type TypingLimit struct {
	Requests int
	Window   time.Duration
}

// ServeWs handles the client's websocket connection upgrade.
func ServeWs(h *ws.Hub, store ws.Store, limit TypingLimit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := auth.GetUserFromContext(ctx)
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.WarnContext(ctx, "failed to upgrade connection", "error", err, "user_id", user.ID)
			return
		}

		slog.DebugContext(ctx, "upgraded connection", "user_id", user.ID)

		c := ws.NewClient(conn, user, store)
		if limit.Requests > 0 && limit.Window > 0 {
			c.SetTypingLimiter(limit.Requests, limit.Window)
		}

		reg := ws.Registration{
			Client: c,
			Done:   make(chan struct{}),
		}

		select {
		case h.Register <- reg:
		case <-ctx.Done():
			conn.CloseNow()
			return
		}

		// Wait for registration to complete
		<-reg.Done

		// We block on c.ReadMessage() because the request context will be canceled as soon
		// we return from the ServeWs() handler.
		go c.WriteMessage(ctx)
		go c.KeepaliveConn(ctx)
		c.ReadMessage(ctx)
	}
}
