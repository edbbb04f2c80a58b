package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/swipehire/matchchat/internal/auth"
	"github.com/swipehire/matchchat/internal/model"
)

type PreferenceStore interface {
	Get(ctx context.Context, userID string) (model.Preferences, error)
	Update(ctx context.Context, userID string, values map[string]string) (model.Preferences, error)
}

func ServeGetPreferences(store PreferenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.GetUserFromContext(r.Context())
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		prefs, err := store.Get(r.Context(), user.ID)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to load preferences", "error", err, "user_id", user.ID)
			respondError(w, r, http.StatusInternalServerError, "could not load preferences")
			return
		}
		respondJSON(w, r, http.StatusOK, prefs)
	}
}

func ServeUpdatePreferences(store PreferenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.GetUserFromContext(r.Context())
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		var req model.UpdatePreferencesRequest
		if err := decodeAndValidate(w, r, &req); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid preferences")
			return
		}

		prefs, err := store.Update(r.Context(), user.ID, req.Values)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to update preferences", "error", err, "user_id", user.ID)
			respondError(w, r, http.StatusInternalServerError, "could not update preferences")
			return
		}
		respondJSON(w, r, http.StatusOK, prefs)
	}
}
