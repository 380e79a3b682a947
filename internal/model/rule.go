package model

import (
	"fmt"
	"time"

	"github.com/velvetclub/velvet/internal/timewindow"
)

// SpendRule maps a cumulative spend threshold to an unlocked tier and server
// access level for one venue. Rules are venue-owned configuration; the engine
// reads them as an immutable snapshot per evaluation and never edits them.
type SpendRule struct {
	ID             string    `json:"id"`
	VenueID        int64     `json:"venue_id"`
	ThresholdCents int64     `json:"threshold_cents"`
	TierUnlocked   Tier      `json:"tier_unlocked"`
	AccessLevel    int       `json:"access_level"`
	LiveOnly       bool      `json:"live_only"`
	LiveStart      string    `json:"live_start,omitempty"` // "15:04", venue-local
	LiveEnd        string    `json:"live_end,omitempty"`
	Priority       int       `json:"priority"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasWindow reports whether the rule carries a live time window.
func (r SpendRule) HasWindow() bool {
	return r.LiveStart != "" && r.LiveEnd != ""
}

// Validate rejects malformed rules at upsert time so they never reach the
// evaluator.
func (r SpendRule) Validate() error {
	if r.VenueID == 0 {
		return fmt.Errorf("rule missing venue")
	}
	if r.ThresholdCents <= 0 {
		return fmt.Errorf("threshold must be positive")
	}
	if !ValidTier(r.TierUnlocked) {
		return fmt.Errorf("unknown tier %q", r.TierUnlocked)
	}
	if r.AccessLevel < 0 {
		return fmt.Errorf("access level must not be negative")
	}
	if r.Priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}
	if r.LiveOnly && !r.HasWindow() {
		return fmt.Errorf("live-only rule requires a time window")
	}
	if (r.LiveStart == "") != (r.LiveEnd == "") {
		return fmt.Errorf("time window requires both start and end")
	}
	if r.HasWindow() && !timewindow.Valid(r.LiveStart, r.LiveEnd) {
		return fmt.Errorf("invalid time window %s-%s", r.LiveStart, r.LiveEnd)
	}
	return nil
}
