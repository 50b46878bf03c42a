package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/audiobook_backend/internal/apperr"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/queue"
)

// UserIDHeader carries the caller's identity; authentication happens in front of this service.
const UserIDHeader = "X-User-ID"

const maxBodySize = 1 << 20

type userIDKey struct{}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

// writeError maps an error to its HTTP status. Internal failures are logged and never leak their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)

	msg := apperr.MessageOf(err)
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		msg = "queue not found"
	case errors.Is(err, queue.ErrClosed):
		msg = "queue manager is shutting down"
	}

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		logctx.LoggerFromContext(r.Context()).Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}

	writeMessage(w, r, status, msg)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInvalidState:
		return http.StatusUnprocessableEntity
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "invalid request body")

		return false
	}

	return true
}

// requireUser rejects requests without a user identity and stores it in the request context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserIDHeader)
		if userID == "" {
			writeMessage(w, r, http.StatusUnauthorized, "missing "+UserIDHeader+" header")

			return
		}

		logger := logctx.LoggerFromContext(r.Context()).With("user_id", userID)
		ctx := logctx.WithLogger(context.WithValue(r.Context(), userIDKey{}, userID), logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}
