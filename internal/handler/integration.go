package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/possync"
	"github.com/velvetclub/velvet/internal/store"
)

// IntegrationHandler manages POS integrations. Connect/disconnect intents are
// delegated to the orchestrator, which owns integration status.
type IntegrationHandler struct {
	integrations *store.IntegrationStore
	orch         *possync.Orchestrator
	logger       *slog.Logger
}

func NewIntegrationHandler(integrations *store.IntegrationStore, orch *possync.Orchestrator, logger *slog.Logger) *IntegrationHandler {
	return &IntegrationHandler{integrations: integrations, orch: orch, logger: logger}
}

type connectRequest struct {
	VenueID         int64  `json:"venue_id"`
	Provider        string `json:"provider"`
	AccessToken     string `json:"access_token"`
	LocationID      string `json:"location_id"`
	WebhookSecret   string `json:"webhook_secret"`
	Timezone        string `json:"timezone"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// Connect registers a venue's POS credentials and probes the provider. An
// existing integration for the same (venue, provider) is reconnected instead
// of duplicated.
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	provider := model.Provider(req.Provider)
	if !model.ValidProvider(provider) {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	if req.VenueID == 0 || req.AccessToken == "" || req.LocationID == "" {
		writeError(w, http.StatusBadRequest, "venue_id, access_token, and location_id are required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
	}

	integ, err := h.integrations.GetByVenueProvider(req.VenueID, provider)
	if err != nil {
		h.logger.Error("look up integration", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to connect integration")
		return
	}
	if integ == nil {
		integ, err = h.integrations.Create(model.POSIntegration{
			VenueID:         req.VenueID,
			Provider:        provider,
			Status:          model.StatusDisconnected,
			IntervalSeconds: req.IntervalSeconds,
			Timezone:        req.Timezone,
			AccessToken:     req.AccessToken,
			LocationID:      req.LocationID,
			WebhookSecret:   req.WebhookSecret,
		})
		if err != nil {
			h.logger.Error("create integration", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create integration")
			return
		}
	}

	if err := h.orch.Connect(r.Context(), integ.ID); err != nil {
		h.logger.Error("connect integration", "integration_id", integ.ID, "error", err)
		// Surface the provider's own error so the venue dashboard can show
		// why the probe was rejected.
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	integ, err = h.integrations.GetByID(integ.ID)
	if err != nil || integ == nil {
		writeError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	writeJSON(w, http.StatusCreated, integ)
}

// Disconnect stops syncing. Repeating it is a no-op.
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.orch.Disconnect(id); err != nil {
		if errors.Is(err, possync.ErrIntegrationNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		h.logger.Error("disconnect integration", "integration_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListByVenue returns the venue's integrations with status and sync stats.
func (h *IntegrationHandler) ListByVenue(w http.ResponseWriter, r *http.Request) {
	venueID, ok := pathInt64(r, "venue_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid venue_id")
		return
	}

	integrations, err := h.integrations.ListByVenue(venueID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}
	if integrations == nil {
		integrations = []model.POSIntegration{}
	}

	type integrationView struct {
		model.POSIntegration
		AverageTransactionCents int64 `json:"average_transaction_cents"`
	}
	views := make([]integrationView, 0, len(integrations))
	for _, i := range integrations {
		views = append(views, integrationView{i, i.AverageTransactionCents()})
	}
	writeJSON(w, http.StatusOK, views)
}
