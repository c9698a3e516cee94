package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/recoverd/internal/lifecycle"
	"github.com/kalambet/recoverd/internal/matching"
	"github.com/kalambet/recoverd/internal/notify"
	"github.com/kalambet/recoverd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Broadcaster pushes an event to every live connection.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev notify.Event) notify.BroadcastResult
}

// PresenceCounter reports the number of live connections.
type PresenceCounter interface {
	Len() int
}

type AppDeps struct {
	Store       *storage.Store
	Coordinator *matching.Coordinator
	Broadcaster Broadcaster
	Presence    PresenceCounter // optional; stats omit connections when nil
	Token       string
	// RateLimit wraps the write endpoints. Nil disables limiting.
	RateLimit func(http.Handler) http.Handler
	// Realtime is mounted at /ws when set.
	Realtime http.Handler
}

type createItemRequest struct {
	Role        lifecycle.ItemRole `json:"role"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	FeaturesRef string             `json:"features_ref"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	limit := deps.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Realtime != nil {
		r.Handle("/ws", deps.Realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Get("/items", handleListItems(deps))
		r.Post("/items", handleCreateItem(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Get("/items/{id}/matches", handleItemMatches(deps))
		r.Get("/matches", handleListMyMatches(deps))
		r.Get("/matches/{id}", handleGetMatch(deps))
		r.With(limit).Post("/matches/{id}/claims", handleSubmitClaim(deps))
		r.Get("/claims/{id}", handleGetClaim(deps))
		r.Get("/notifications", handleListNotifications(deps))
		r.Patch("/notifications/{id}", handleMarkNotificationRead(deps))
		r.Delete("/notifications/{id}", handleDeleteNotification(deps))
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.With(limit).Post("/candidates", handleReportCandidate(deps))
		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", handleStats(deps))
			r.Get("/claims", handleAdminListClaims(deps))
			r.Post("/claims/{id}/approve", handleApproveClaim(deps))
			r.Post("/claims/{id}/reject", handleRejectClaim(deps))
			r.Post("/claims/{id}/resolve", handleResolveClaim(deps))
			r.Get("/matches", handleAdminListMatches(deps))
			r.Get("/matches/{id}", handleAdminGetMatch(deps))
			r.Post("/matches/{id}/archive", handleArchiveMatch(deps))
			r.Post("/items/{id}/close", handleCloseItem(deps))
			r.Post("/broadcast", handleBroadcast(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createItemRequest
		if !decodeBody(w, r, &req, false) {
			return
		}

		it, err := deps.Coordinator.RegisterItem(r.Context(), storage.Item{
			Role:        req.Role,
			OwnerID:     userFrom(r.Context()),
			Name:        req.Name,
			Description: req.Description,
			FeaturesRef: req.FeaturesRef,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, it)
	}
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.ListItemsByOwner(r.Context(), userFrom(r.Context()), parseIntParam(r, "limit", 50, 200))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []storage.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// ownedItem loads an item and hides it from everyone but its owner.
func ownedItem(ctx context.Context, store *storage.Store, id string) (storage.Item, error) {
	it, err := store.GetItem(ctx, id)
	if err != nil {
		return storage.Item{}, err
	}
	if it.OwnerID != userFrom(ctx) {
		return storage.Item{}, fmt.Errorf("item %s: %w", id, storage.ErrNotFound)
	}
	return it, nil
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := ownedItem(r.Context(), deps.Store, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleItemMatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := ownedItem(r.Context(), deps.Store, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		matches, err := deps.Store.ListMatchesForItem(r.Context(), it.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if matches == nil {
			matches = []storage.Match{}
		}
		writeJSON(w, http.StatusOK, matches)
	}
}

// handleListMyMatches lists matches involving any of the caller's items.
func handleListMyMatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		status := lifecycle.MatchStatus(r.URL.Query().Get("status"))
		matches, err := deps.Store.ListMatchesForOwner(ctx, userFrom(ctx), status,
			parseIntParam(r, "limit", 50, 200), parseIntParam(r, "offset", 0, 0))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if matches == nil {
			matches = []storage.Match{}
		}
		writeJSON(w, http.StatusOK, matches)
	}
}

// visibleMatch loads a match the caller owns one side of.
func visibleMatch(ctx context.Context, store *storage.Store, id string) (storage.Match, error) {
	m, err := store.GetMatch(ctx, id)
	if err != nil {
		return storage.Match{}, err
	}
	user := userFrom(ctx)
	for _, itemID := range []string{m.LostItemID, m.FoundItemID} {
		it, err := store.GetItem(ctx, itemID)
		if err != nil {
			return storage.Match{}, err
		}
		if it.OwnerID == user {
			return m, nil
		}
	}
	return storage.Match{}, fmt.Errorf("match %s: %w", id, storage.ErrNotFound)
}

func handleGetMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := visibleMatch(r.Context(), deps.Store, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleSubmitClaim(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claim, err := deps.Coordinator.SubmitClaim(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, claim)
	}
}

func handleGetClaim(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claim, err := deps.Store.GetClaim(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if claim.ClaimantID != userFrom(ctx) {
			if _, err := visibleMatch(ctx, deps.Store, claim.MatchID); err != nil {
				httpError(w, http.StatusNotFound, "not_found", "claim %s not found", claim.ID)
				return
			}
		}
		writeJSON(w, http.StatusOK, claim)
	}
}

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user := userFrom(ctx)
		unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		list, err := deps.Store.ListNotifications(ctx, user, unreadOnly, limit, offset)
		if err != nil {
			writeError(w, r, err)
			return
		}
		unread, err := deps.Store.CountUnread(ctx, user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []storage.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"notifications": list,
			"unread":        unread,
		})
	}
}

func handleMarkNotificationRead(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.MarkNotificationRead(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleDeleteNotification(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteNotification(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// decodeBody reads a JSON body into v. With optional set an empty body is
// accepted. It writes the error response itself and reports success.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
	return false
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
