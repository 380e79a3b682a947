package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
)

// RuleHandler manages venue spend rules. Validation happens here, at upsert,
// so the evaluator only ever sees well-formed rules.
type RuleHandler struct {
	rules  *store.RuleStore
	logger *slog.Logger
}

func NewRuleHandler(rules *store.RuleStore, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger}
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	venueID, ok := pathInt64(r, "venue_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid venue_id")
		return
	}

	rules, err := h.rules.ListByVenue(venueID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []model.SpendRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	venueID, ok := pathInt64(r, "venue_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid venue_id")
		return
	}

	var rule model.SpendRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rule.VenueID = venueID
	rule.Active = true

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.rules.Create(rule)
	if err != nil {
		h.logger.Error("create rule", "venue_id", venueID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := h.rules.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	var rule model.SpendRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// Identity and ownership are immutable.
	rule.ID = existing.ID
	rule.VenueID = existing.VenueID

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.rules.Update(rule)
	if err != nil {
		h.logger.Error("update rule", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete deactivates a rule. The row stays so tier state can still reference
// the grant that created it.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := h.rules.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	if err := h.rules.Deactivate(id); err != nil {
		h.logger.Error("deactivate rule", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deactivate rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
