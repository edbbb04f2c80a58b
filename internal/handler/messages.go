package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/microcosm-cc/bluemonday"

	"github.com/swipehire/matchchat/internal/database"
	"github.com/swipehire/matchchat/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Sanitizer strips markup from user text.
type Sanitizer interface {
	Sanitize(s string) string
}

var policy Sanitizer = bluemonday.StrictPolicy()

// ServeMessages loads recent chat history, oldest first.
func ServeMessages(db MatchStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		match, _, ok := authorizedMatch(w, r, db)
		if !ok {
			return
		}

		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				respondError(w, r, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		messages, err := db.ListMessages(r.Context(), match.ID, limit)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			slog.ErrorContext(r.Context(), "failed to load messages from database",
				"error", err,
				"match_id", match.ID)
			respondError(w, r, http.StatusInternalServerError, "could not load messages")
			return
		}
		if messages == nil {
			messages = []model.ChatMessage{}
		}

		respondJSON(w, r, http.StatusOK, messages)
	}
}

// ServeSendMessage stores a message and broadcasts it to the match room.
// The stored message is also returned so the sender can confirm its
// pending copy without waiting for the broadcast.
func ServeSendMessage(db MatchStore, pub Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		match, user, ok := authorizedMatch(w, r, db)
		if !ok {
			return
		}
		ctx := r.Context()

		var req model.SendMessageRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid message")
			return
		}

		text := strings.TrimSpace(policy.Sanitize(req.Text))
		if text == "" {
			respondError(w, r, http.StatusBadRequest, "message is empty")
			return
		}

		msg, err := db.CreateMessage(ctx, database.CreateMessageParams{
			MatchID:      match.ID,
			SenderID:     user.ID,
			ReceiverID:   match.OtherParticipant(user.ID),
			Content:      text,
			ClientTempID: pgtype.Text{String: req.ClientTempID, Valid: req.ClientTempID != ""},
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to store message",
				"error", err,
				"match_id", match.ID,
				"user_id", user.ID)
			respondError(w, r, http.StatusInternalServerError, "could not send message")
			return
		}

		// The message is stored; a failed broadcast only delays delivery
		// until the peer reloads history.
		if err := pub.PublishEvent(ctx, match.ID, model.EventNewMessage, msg, ""); err != nil {
			slog.ErrorContext(ctx, "failed to publish message",
				"error", err,
				"match_id", match.ID,
				"message_id", msg.ID)
		}

		respondJSON(w, r, http.StatusCreated, msg)
	}
}
