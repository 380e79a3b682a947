package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/velvetclub/velvet/internal/database"
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
)

func setupRuleHandler(t *testing.T) (*RuleHandler, *store.RuleStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	rules := store.NewRuleStore(db)
	return NewRuleHandler(rules, slog.New(slog.DiscardHandler)), rules
}

func postRule(t *testing.T, h *RuleHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/venues/{venue_id}/rules", h.Create)
	req := httptest.NewRequest("POST", "/api/venues/1/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateRule(t *testing.T) {
	h, rules := setupRuleHandler(t)

	rec := postRule(t, h, `{"threshold_cents":50000,"tier_unlocked":"PLATINUM","access_level":2,"priority":5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created model.SpendRule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == "" || created.VenueID != 1 || !created.Active {
		t.Fatalf("created = %+v", created)
	}

	listed, err := rules.ListByVenue(1)
	if err != nil || len(listed) != 1 {
		t.Fatalf("listed = %+v, err = %v", listed, err)
	}
}

func TestCreateRuleRejectsInvalidConfig(t *testing.T) {
	h, _ := setupRuleHandler(t)

	for name, body := range map[string]string{
		"zero threshold":      `{"threshold_cents":0,"tier_unlocked":"REGULAR"}`,
		"unknown tier":        `{"threshold_cents":1000,"tier_unlocked":"DIAMOND"}`,
		"live without window": `{"threshold_cents":1000,"tier_unlocked":"REGULAR","live_only":true}`,
		"half window":         `{"threshold_cents":1000,"tier_unlocked":"REGULAR","live_start":"22:00"}`,
		"bad window format":   `{"threshold_cents":1000,"tier_unlocked":"REGULAR","live_only":true,"live_start":"10pm","live_end":"02:00"}`,
	} {
		rec := postRule(t, h, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestUpdateRuleKeepsIdentity(t *testing.T) {
	h, rules := setupRuleHandler(t)

	created, err := rules.Create(model.SpendRule{
		VenueID: 1, ThresholdCents: 5000, TierUnlocked: model.TierRegular, Active: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/rules/{id}", h.Update)
	req := httptest.NewRequest("PUT", "/api/rules/"+created.ID,
		strings.NewReader(`{"id":"spoofed","venue_id":99,"threshold_cents":7500,"tier_unlocked":"PLATINUM","active":true}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated model.SpendRule
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.ID != created.ID || updated.VenueID != 1 {
		t.Fatalf("identity changed: %+v", updated)
	}
	if updated.ThresholdCents != 7500 || updated.TierUnlocked != model.TierPlatinum {
		t.Fatalf("update not applied: %+v", updated)
	}
}

func TestDeleteRuleDeactivates(t *testing.T) {
	h, rules := setupRuleHandler(t)

	created, err := rules.Create(model.SpendRule{
		VenueID: 1, ThresholdCents: 5000, TierUnlocked: model.TierRegular, Active: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/rules/{id}", h.Delete)
	req := httptest.NewRequest("DELETE", "/api/rules/"+created.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := rules.GetByID(created.ID)
	if err != nil || got == nil {
		t.Fatalf("rule gone after deactivate: %v", err)
	}
	if got.Active {
		t.Fatal("rule still active")
	}

	req = httptest.NewRequest("DELETE", "/api/rules/does-not-exist", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing rule: status = %d, want 404", rec.Code)
	}
}
