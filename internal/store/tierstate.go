package store

import (
	"database/sql"
	"fmt"

	"github.com/velvetclub/velvet/internal/model"
)

// TierStateStore persists patron tier state. Only the tier state machine
// writes here; handlers read.
type TierStateStore struct {
	db *sql.DB
}

func NewTierStateStore(db *sql.DB) *TierStateStore {
	return &TierStateStore{db: db}
}

func scanTierState(scanner interface{ Scan(...any) error }) (*model.PatronTierState, error) {
	var t model.PatronTierState
	var ruleID sql.NullString
	var unlockedAt sql.NullTime

	err := scanner.Scan(
		&t.VenueID, &t.PatronID, &t.CurrentTier, &t.AccessLevel,
		&ruleID, &unlockedAt, &t.LastEvaluatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ruleID.Valid {
		t.UnlockedByRuleID = &ruleID.String
	}
	if unlockedAt.Valid {
		t.UnlockedAt = &unlockedAt.Time
	}
	return &t, nil
}

const tierStateCols = `venue_id, patron_id, current_tier, access_level, unlocked_by_rule_id, unlocked_at, last_evaluated_at`

// Get returns the stored state, or nil when the patron has never been evaluated.
func (s *TierStateStore) Get(venueID int64, patronID string) (*model.PatronTierState, error) {
	row := s.db.QueryRow(
		`SELECT `+tierStateCols+` FROM patron_tier_state WHERE venue_id = ? AND patron_id = ?`,
		venueID, patronID,
	)
	t, err := scanTierState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tier state: %w", err)
	}
	return t, nil
}

// Upsert writes the full state row for one (venue, patron) key.
func (s *TierStateStore) Upsert(t model.PatronTierState) error {
	var ruleID sql.NullString
	if t.UnlockedByRuleID != nil {
		ruleID = sql.NullString{String: *t.UnlockedByRuleID, Valid: true}
	}
	var unlockedAt sql.NullTime
	if t.UnlockedAt != nil {
		unlockedAt = sql.NullTime{Time: t.UnlockedAt.UTC(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO patron_tier_state (venue_id, patron_id, current_tier, access_level, unlocked_by_rule_id, unlocked_at, last_evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (venue_id, patron_id) DO UPDATE SET
		   current_tier = excluded.current_tier,
		   access_level = excluded.access_level,
		   unlocked_by_rule_id = excluded.unlocked_by_rule_id,
		   unlocked_at = excluded.unlocked_at,
		   last_evaluated_at = excluded.last_evaluated_at`,
		t.VenueID, t.PatronID, t.CurrentTier, t.AccessLevel, ruleID, unlockedAt, t.LastEvaluatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert tier state: %w", err)
	}
	return nil
}

// Reset removes the patron's tier state. This is the administrative override;
// the state machine itself never deletes rows.
func (s *TierStateStore) Reset(venueID int64, patronID string) error {
	_, err := s.db.Exec(
		`DELETE FROM patron_tier_state WHERE venue_id = ? AND patron_id = ?`,
		venueID, patronID,
	)
	if err != nil {
		return fmt.Errorf("reset tier state: %w", err)
	}
	return nil
}
