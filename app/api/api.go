package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	rankingservice "github.com/tourneykit/rankbot/app/modules/ranking/application"
	rankingdb "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/repositories"
	rolesservice "github.com/tourneykit/rankbot/app/modules/roles/application"
	rolesdb "github.com/tourneykit/rankbot/app/modules/roles/infrastructure/repositories"
	"github.com/tourneykit/rankbot/app/shared"
)

// API is the operator HTTP surface over the ranking and roles services.
type API struct {
	ranking rankingservice.Service
	roles   rolesservice.Service
	logger  *slog.Logger
}

// New creates the operator API.
func New(ranking rankingservice.Service, roles rolesservice.Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{ranking: ranking, roles: roles, logger: logger}
}

// Routes mounts the operator endpoints on the given router.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.Healthz)
	r.Get("/queue/status", a.QueueStatus)
	r.Post("/queue/reset-failed", a.ResetFailed)
	r.Post("/tournaments/{tournamentID}/recalculate", a.ForceRecalculate)
	r.Get("/communities/{communityID}/accounts/{accountID}/role", a.AccountRole)
	r.Post("/communities/{communityID}/accounts/{accountID}/recalculate", a.RecalculateAccount)
	r.Post("/communities/{communityID}/refresh", a.RefreshCommunity)
	r.Post("/refresh", a.RefreshAll)
}

// Healthz reports liveness.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// QueueStatus returns the recalc queue snapshot.
func (a *API) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.ranking.QueueStatus(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch queue status: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, http.StatusOK, status)
}

// ResetFailed re-flags tournaments stuck at the retry ceiling.
func (a *API) ResetFailed(w http.ResponseWriter, r *http.Request) {
	count, err := a.ranking.ResetFailed(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to reset failed records: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]int64{"reset": count})
}

// ForceRecalculate flags one tournament for recalculation regardless of its
// retry state.
func (a *API) ForceRecalculate(w http.ResponseWriter, r *http.Request) {
	tournamentID, err := strconv.ParseInt(chi.URLParam(r, "tournamentID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid tournament id", http.StatusBadRequest)
		return
	}

	if err := a.ranking.ForceRecalculate(r.Context(), tournamentID); err != nil {
		if errors.Is(err, rankingdb.ErrNotFound) {
			http.Error(w, "Tournament not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to flag tournament: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// AccountRole returns the cached role expectation for an account, including
// whether it is stale.
func (a *API) AccountRole(w http.ResponseWriter, r *http.Request) {
	communityID := shared.CommunityID(chi.URLParam(r, "communityID"))
	accountID := shared.AccountID(chi.URLParam(r, "accountID"))

	view, err := a.roles.AccountRole(r.Context(), communityID, accountID)
	if err != nil {
		if errors.Is(err, rolesdb.ErrNotFound) {
			http.Error(w, "Account has no cached role", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to fetch cached role: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, http.StatusOK, view)
}

// RecalculateAccount recomputes one account's role on the spot and returns
// the fresh view.
func (a *API) RecalculateAccount(w http.ResponseWriter, r *http.Request) {
	communityID := shared.CommunityID(chi.URLParam(r, "communityID"))
	accountID := shared.AccountID(chi.URLParam(r, "accountID"))

	view, err := a.roles.RecalculateAccount(r.Context(), communityID, accountID)
	if err != nil {
		if errors.Is(err, rolesdb.ErrNotFound) {
			http.Error(w, "Unknown community", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to recalculate account: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, http.StatusOK, view)
}

// RefreshCommunity runs a full refresh for one community.
func (a *API) RefreshCommunity(w http.ResponseWriter, r *http.Request) {
	communityID := shared.CommunityID(chi.URLParam(r, "communityID"))

	report, err := a.roles.ReconcileCommunity(r.Context(), communityID)
	if err != nil {
		if errors.Is(err, rolesdb.ErrNotFound) {
			http.Error(w, "Unknown community", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to refresh community: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, http.StatusOK, report)
}

// RefreshAll refreshes every configured community.
func (a *API) RefreshAll(w http.ResponseWriter, r *http.Request) {
	reports, err := a.roles.ReconcileAll(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to refresh communities: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, http.StatusOK, reports)
}

func (a *API) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("Failed to encode response", slog.Any("error", err))
	}
}
