package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/recoverd/internal/lifecycle"
	"github.com/kalambet/recoverd/internal/matching"
	"github.com/kalambet/recoverd/internal/notify"
	"github.com/kalambet/recoverd/internal/storage"
)

type decisionRequest struct {
	Note string `json:"note"`
}

type broadcastRequest struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

type candidateResponse struct {
	Match   storage.Match `json:"match"`
	Created bool          `json:"created"`
}

// MatchDetail is a match together with every claim filed against it.
type MatchDetail struct {
	Match  storage.Match   `json:"match"`
	Claims []storage.Claim `json:"claims"`
}

func handleReportCandidate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cand matching.Candidate
		if !decodeBody(w, r, &cand, false) {
			return
		}
		m, created, err := deps.Coordinator.ReportCandidate(r.Context(), cand)
		if err != nil {
			writeError(w, r, err)
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusCreated
		}
		writeJSON(w, code, candidateResponse{Match: m, Created: created})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Store.JobCounts(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		awaiting, err := deps.Store.CountMatches(r.Context(), lifecycle.MatchUnderApproval)
		if err != nil {
			writeError(w, r, err)
			return
		}
		stats := map[string]any{
			"jobs":             jobs,
			"matches_awaiting": awaiting,
		}
		if deps.Presence != nil {
			stats["connections"] = deps.Presence.Len()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleAdminListClaims(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := lifecycle.ClaimStatus(r.URL.Query().Get("status"))
		claims, err := deps.Store.ListClaims(r.Context(), status,
			parseIntParam(r, "limit", 50, 500), parseIntParam(r, "offset", 0, 0))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if claims == nil {
			claims = []storage.Claim{}
		}
		writeJSON(w, http.StatusOK, claims)
	}
}

func handleApproveClaim(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		claim, err := deps.Coordinator.ApproveClaim(r.Context(), chi.URLParam(r, "id"), req.Note)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, claim)
	}
}

func handleRejectClaim(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		claim, err := deps.Coordinator.RejectClaim(r.Context(), chi.URLParam(r, "id"), req.Note)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, claim)
	}
}

func handleResolveClaim(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claim, err := deps.Coordinator.ResolveClaim(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, claim)
	}
}

func handleAdminListMatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := lifecycle.MatchStatus(r.URL.Query().Get("status"))
		matches, err := deps.Store.ListMatches(r.Context(), status,
			parseIntParam(r, "limit", 50, 500), parseIntParam(r, "offset", 0, 0))
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

func handleAdminGetMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Store.GetMatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		claims, err := deps.Store.ListClaimsByMatch(r.Context(), m.ID, "")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if claims == nil {
			claims = []storage.Claim{}
		}
		writeJSON(w, http.StatusOK, MatchDetail{Match: m, Claims: claims})
	}
}

func handleArchiveMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Coordinator.ArchiveMatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleCloseItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Coordinator.CloseItem(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleBroadcast(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if req.Title == "" {
			req.Title = "Notice"
		}
		res := deps.Broadcaster.Broadcast(r.Context(), notify.NewEvent(notify.EventSystemAlert, req.Title, req.Message, req.Data))
		writeJSON(w, http.StatusOK, map[string]int{
			"attempted": res.Attempted,
			"failed":    res.Failed,
		})
	}
}
