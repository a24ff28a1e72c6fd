// Package api implements the HTTP control surface (C8) over the deployment
// state store, engine, and reaper: deploy, destroy, get, and the two
// catalog maintenance endpoints. Handlers trust the caller is already
// authenticated — this core has no auth surface of its own.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/chalorch/internal/httpserver"
	"github.com/wisbric/chalorch/internal/telemetry"
	"github.com/wisbric/chalorch/pkg/catalog"
	"github.com/wisbric/chalorch/pkg/deployment"
	"github.com/wisbric/chalorch/pkg/engine"
	"github.com/wisbric/chalorch/pkg/tasktracker"
)

const redactedContainerID = "redacted"

// Handler serves the deployment control surface.
type Handler struct {
	catalog       *catalog.Cache
	store         *deployment.Store
	engine        *engine.Engine
	tracker       *tasktracker.Tracker
	logger        *slog.Logger
	challengesDir string
}

// NewHandler constructs a Handler.
func NewHandler(cat *catalog.Cache, store *deployment.Store, eng *engine.Engine, tracker *tasktracker.Tracker, logger *slog.Logger, challengesDir string) *Handler {
	return &Handler{
		catalog:       cat,
		store:         store,
		engine:        eng,
		tracker:       tracker,
		logger:        logger,
		challengesDir: challengesDir,
	}
}

// Mount registers every route from the HTTP API table directly on r. The
// five routes do not share a common path prefix, so there is no sub-router
// to return the way a typical resource handler would.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/challenge/deploy", h.handleDeploy)
	r.Post("/challenge/destroy", h.handleDestroy)
	r.Get("/deployment/{public_id}", h.handleGet)
	r.Post("/challenges/reload", h.handleReload)
	r.Post("/challenges/load", h.handleLoad)
}

// DeployRequest is the body of POST /challenge/deploy.
type DeployRequest struct {
	ChallengeNumericID int64   `json:"challenge_numeric_id" validate:"required"`
	TeamID             *int64  `json:"team_id,omitempty"`
	LifetimeSec        *uint64 `json:"lifetime_sec,omitempty"`
}

// DestroyRequest is the body of POST /challenge/destroy.
type DestroyRequest struct {
	ChallengeNumericID int64  `json:"challenge_numeric_id" validate:"required"`
	TeamID             *int64 `json:"team_id,omitempty"`
}

// DeploymentResponse is the sanitized view of a deployment row: container
// ids are scrubbed since they permit direct container addressing on the
// host and are never meant to reach non-admin clients.
type DeploymentResponse struct {
	PublicID           string          `json:"public_id"`
	ChallengeNumericID int64           `json:"challenge_numeric_id"`
	TeamID             *int64          `json:"team_id,omitempty"`
	Deployed           bool            `json:"deployed"`
	Data               deployment.Data `json:"data,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiredAt          *time.Time      `json:"expired_at,omitempty"`
	DestroyedAt        *time.Time      `json:"destroyed_at,omitempty"`
}

func sanitizeData(d deployment.Data) deployment.Data {
	if d == nil {
		return nil
	}
	out := make(deployment.Data, len(d))
	for name, cr := range d {
		out[name] = deployment.ContainerResult{ContainerID: redactedContainerID, Ports: cr.Ports}
	}
	return out
}

func sanitizedResponse(row deployment.Row) DeploymentResponse {
	return DeploymentResponse{
		PublicID:           row.PublicID,
		ChallengeNumericID: row.ChallengeNumericID,
		TeamID:             row.TeamID,
		Deployed:           row.Deployed,
		Data:               sanitizeData(row.Data),
		CreatedAt:          row.CreatedAt,
		ExpiredAt:          row.ExpiredAt,
		DestroyedAt:        row.DestroyedAt,
	}
}

// effectiveTeamID forces team_id to nil for Static challenges, which share
// a single deployment across every team regardless of what a caller passes.
func effectiveTeamID(spec *catalog.ChallengeSpec, teamID *int64) *int64 {
	if spec.Strategy == catalog.StrategyStatic {
		return nil
	}
	return teamID
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	snap := h.catalog.Snapshot()
	spec, ok := snap.ByNumericID(req.ChallengeNumericID)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no challenge spec for the requested id")
		return
	}
	if spec.Strategy == catalog.StrategyInstanced && req.TeamID == nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "team_id is required for an instanced challenge")
		return
	}
	teamID := effectiveTeamID(spec, req.TeamID)

	row, err := h.store.Claim(r.Context(), req.ChallengeNumericID, teamID)
	if err != nil {
		var already *deployment.AlreadyDeployedError
		if errors.As(err, &already) {
			telemetry.DeploymentsTotal.WithLabelValues(string(spec.Strategy), "already_deployed").Inc()
			// The upstream's "resume on AlreadyDeployed" behavior is
			// deliberately not reproduced here: its only effect was spawning
			// a best-effort nudge at a row that is, by definition, already
			// live. Returning the conflict is the whole of the contract.
			httpserver.RespondError(w, http.StatusConflict, "already_deployed", already.Error())
			return
		}
		h.logger.Error("claiming deployment", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to claim deployment")
		return
	}

	h.tracker.Go("engine-deploy", func() {
		if err := h.engine.Deploy(context.Background(), row, req.LifetimeSec); err != nil {
			h.logger.Error("deploy failed", "row_id", row.ID, "error", err)
		}
	})

	httpserver.Respond(w, http.StatusAccepted, sanitizedResponse(row))
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req DestroyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	teamID := req.TeamID
	if spec, ok := h.catalog.Snapshot().ByNumericID(req.ChallengeNumericID); ok {
		// A missing spec (e.g. retired from the catalog since deploy) still
		// leaves an orphaned row discoverable by its raw team_id below, so
		// destroy never requires the spec to resolve the way deploy does.
		teamID = effectiveTeamID(spec, req.TeamID)
	}

	row, err := h.store.FindActive(r.Context(), req.ChallengeNumericID, teamID)
	if errors.Is(err, deployment.ErrNotFound) {
		telemetry.TeardownsTotal.WithLabelValues("not_found").Inc()
		httpserver.Respond(w, http.StatusOK, map[string]any{"status": "not_found", "idempotent": true})
		return
	}
	if err != nil {
		h.logger.Error("finding active deployment", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up deployment")
		return
	}

	h.tracker.Go("engine-teardown", func() {
		if err := h.engine.Teardown(context.Background(), row.ID); err != nil {
			h.logger.Error("teardown failed", "row_id", row.ID, "error", err)
		}
	})

	httpserver.Respond(w, http.StatusAccepted, sanitizedResponse(row))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "public_id")

	row, err := h.store.GetByPublicID(r.Context(), publicID)
	if errors.Is(err, deployment.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no deployment with that public id")
		return
	}
	if err != nil {
		h.logger.Error("getting deployment", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get deployment")
		return
	}

	httpserver.Respond(w, http.StatusOK, sanitizedResponse(row))
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.ReloadFromDir(h.challengesDir); err != nil {
		telemetry.CatalogReloadsTotal.WithLabelValues("error").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	telemetry.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"challenge_count": h.catalog.Snapshot().Len(),
	})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var specs map[string]catalog.ChallengeSpec
	if err := httpserver.Decode(r, &specs); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.catalog.LoadFromRequest(specs); err != nil {
		telemetry.CatalogReloadsTotal.WithLabelValues("error").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	telemetry.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"challenge_count": h.catalog.Snapshot().Len(),
	})
}
