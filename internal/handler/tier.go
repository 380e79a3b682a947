package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/possync"
	"github.com/velvetclub/velvet/internal/store"
)

// TierHandler exposes patron tier state, on-demand recompute, and the
// administrative reset.
type TierHandler struct {
	states       *store.TierStateStore
	aggregates   *store.AggregateStore
	integrations *store.IntegrationStore
	pipeline     *possync.Pipeline
	logger       *slog.Logger
}

func NewTierHandler(states *store.TierStateStore, aggregates *store.AggregateStore, integrations *store.IntegrationStore, pipeline *possync.Pipeline, logger *slog.Logger) *TierHandler {
	return &TierHandler{
		states:       states,
		aggregates:   aggregates,
		integrations: integrations,
		pipeline:     pipeline,
		logger:       logger,
	}
}

type tierResponse struct {
	VenueID       int64                  `json:"venue_id"`
	PatronID      string                 `json:"patron_id"`
	State         *model.PatronTierState `json:"state"`
	Aggregate     *model.SpendAggregate  `json:"aggregate"`
	LifetimeSpend int64                  `json:"lifetime_spend_cents"`
}

// Get returns the patron's current tier and spend. A patron with no history
// answers NONE with a zero aggregate rather than 404.
func (h *TierHandler) Get(w http.ResponseWriter, r *http.Request) {
	venueID, patronID, ok := h.patronKey(w, r)
	if !ok {
		return
	}

	state, err := h.states.Get(venueID, patronID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load tier state")
		return
	}
	agg, err := h.aggregates.Get(venueID, patronID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load aggregate")
		return
	}

	resp := tierResponse{VenueID: venueID, PatronID: patronID, State: state, Aggregate: agg}
	if state == nil {
		resp.State = &model.PatronTierState{VenueID: venueID, PatronID: patronID, CurrentTier: model.TierNone}
	}
	if agg != nil {
		resp.LifetimeSpend = agg.LifetimeSpend
	}
	writeJSON(w, http.StatusOK, resp)
}

// Recompute replays the patron's ledger through the full pipeline outside a
// sync cycle. Repair tool: safe to call any number of times.
func (h *TierHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	venueID, patronID, ok := h.patronKey(w, r)
	if !ok {
		return
	}

	tr, err := h.pipeline.RecomputePatron(venueID, patronID, h.venueNow(venueID))
	if err != nil {
		h.logger.Error("recompute patron", "venue_id", venueID, "patron_id", patronID, "error", err)
		writeError(w, http.StatusInternalServerError, "recompute failed")
		return
	}

	agg, err := h.aggregates.Get(venueID, patronID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load aggregate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transition": tr.Kind,
		"state":      tr.State,
		"aggregate":  agg,
	})
}

// Reset removes the patron's tier state entirely. The next evaluation starts
// from NONE.
func (h *TierHandler) Reset(w http.ResponseWriter, r *http.Request) {
	venueID, patronID, ok := h.patronKey(w, r)
	if !ok {
		return
	}

	if err := h.states.Reset(venueID, patronID); err != nil {
		h.logger.Error("reset tier state", "venue_id", venueID, "patron_id", patronID, "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	h.logger.Info("tier state reset", "venue_id", venueID, "patron_id", patronID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TierHandler) patronKey(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	venueID, ok := pathInt64(r, "venue_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid venue_id")
		return 0, "", false
	}
	patronID := r.PathValue("patron_id")
	if patronID == "" {
		writeError(w, http.StatusBadRequest, "patron_id is required")
		return 0, "", false
	}
	return venueID, patronID, true
}

// venueNow uses the timezone of the venue's first integration so live-window
// rules evaluate in venue-local time even on the repair path.
func (h *TierHandler) venueNow(venueID int64) time.Time {
	integrations, err := h.integrations.ListByVenue(venueID)
	if err == nil {
		for _, integ := range integrations {
			if integ.Timezone == "" {
				continue
			}
			if loc, err := time.LoadLocation(integ.Timezone); err == nil {
				return time.Now().In(loc)
			}
		}
	}
	return time.Now().UTC()
}
