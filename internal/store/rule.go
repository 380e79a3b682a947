package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velvetclub/velvet/internal/model"
)

// RuleStore holds venue spend-rule configuration. The engine reads rules as a
// snapshot per evaluation; edits here only affect the next evaluation.
type RuleStore struct {
	db *sql.DB
}

func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

func scanRule(scanner interface{ Scan(...any) error }) (*model.SpendRule, error) {
	var r model.SpendRule
	err := scanner.Scan(
		&r.ID, &r.VenueID, &r.ThresholdCents, &r.TierUnlocked, &r.AccessLevel,
		&r.LiveOnly, &r.LiveStart, &r.LiveEnd, &r.Priority, &r.Active,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const ruleCols = `id, venue_id, threshold_cents, tier_unlocked, access_level, live_only, live_start, live_end, priority, active, created_at, updated_at`

func (s *RuleStore) Create(r model.SpendRule) (*model.SpendRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO spend_rules (id, venue_id, threshold_cents, tier_unlocked, access_level, live_only, live_start, live_end, priority, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.VenueID, r.ThresholdCents, r.TierUnlocked, r.AccessLevel,
		r.LiveOnly, r.LiveStart, r.LiveEnd, r.Priority, r.Active, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return s.GetByID(r.ID)
}

func (s *RuleStore) Update(r model.SpendRule) (*model.SpendRule, error) {
	_, err := s.db.Exec(
		`UPDATE spend_rules SET threshold_cents = ?, tier_unlocked = ?, access_level = ?, live_only = ?, live_start = ?, live_end = ?, priority = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		r.ThresholdCents, r.TierUnlocked, r.AccessLevel, r.LiveOnly,
		r.LiveStart, r.LiveEnd, r.Priority, r.Active, time.Now().UTC(), r.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return s.GetByID(r.ID)
}

func (s *RuleStore) GetByID(id string) (*model.SpendRule, error) {
	row := s.db.QueryRow(`SELECT `+ruleCols+` FROM spend_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// ListByVenue returns the venue's rules, active ones first by priority.
func (s *RuleStore) ListByVenue(venueID int64) ([]model.SpendRule, error) {
	rows, err := s.db.Query(
		`SELECT `+ruleCols+` FROM spend_rules WHERE venue_id = ? ORDER BY active DESC, priority DESC, threshold_cents ASC`,
		venueID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []model.SpendRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// ListActiveByVenue returns the evaluation snapshot for one venue.
func (s *RuleStore) ListActiveByVenue(venueID int64) ([]model.SpendRule, error) {
	rows, err := s.db.Query(
		`SELECT `+ruleCols+` FROM spend_rules WHERE venue_id = ? AND active = 1`,
		venueID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var rules []model.SpendRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// Deactivate retires a rule without deleting it; tier state may still
// reference it through unlocked_by_rule_id.
func (s *RuleStore) Deactivate(id string) error {
	_, err := s.db.Exec(`UPDATE spend_rules SET active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	return nil
}
