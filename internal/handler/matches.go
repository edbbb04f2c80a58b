package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/swipehire/matchchat/internal/auth"
	"github.com/swipehire/matchchat/internal/database"
	"github.com/swipehire/matchchat/internal/model"
)

// MatchStore is the persistence the match endpoints need.
type MatchStore interface {
	GetMatch(ctx context.Context, id string) (model.Match, error)
	ListMessages(ctx context.Context, matchID string, limit int) ([]model.ChatMessage, error)
	CreateMessage(ctx context.Context, arg database.CreateMessageParams) (model.ChatMessage, error)
}

// Publisher fans an event out to a match room.
type Publisher interface {
	PublishEvent(ctx context.Context, matchID, event string, data any, excludeUserID string) error
}

// authorizedMatch loads the match named in the URL and checks the caller
// takes part in it. On failure the response has already been written.
func authorizedMatch(w http.ResponseWriter, r *http.Request, db MatchStore) (model.Match, auth.User, bool) {
	ctx := r.Context()

	user, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, r, http.StatusUnauthorized, "unauthorized")
		return model.Match{}, auth.User{}, false
	}

	matchID := chi.URLParam(r, "matchID")
	if !model.IsObjectID(matchID) {
		respondError(w, r, http.StatusBadRequest, "invalid match id")
		return model.Match{}, auth.User{}, false
	}

	match, err := db.GetMatch(ctx, matchID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "match not found")
		return model.Match{}, auth.User{}, false
	case err != nil:
		slog.ErrorContext(ctx, "failed to load match", "error", err, "match_id", matchID)
		respondError(w, r, http.StatusInternalServerError, "could not load match")
		return model.Match{}, auth.User{}, false
	case !match.HasParticipant(user.ID):
		respondError(w, r, http.StatusForbidden, "not a participant of this match")
		return model.Match{}, auth.User{}, false
	}

	return match, user, true
}

// ServeMatch returns the match with its status history in order.
func ServeMatch(db MatchStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		match, _, ok := authorizedMatch(w, r, db)
		if !ok {
			return
		}
		match.Normalize()
		respondJSON(w, r, http.StatusOK, match)
	}
}
