package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/velvetclub/velvet/internal/model"
)

// windowDays is the rolling window maintained alongside lifetime spend.
const windowDays = 30

// AggregateStore materializes per-patron spend totals derived from the ledger.
type AggregateStore struct {
	db     *sql.DB
	ledger *LedgerStore
}

func NewAggregateStore(db *sql.DB, ledger *LedgerStore) *AggregateStore {
	return &AggregateStore{db: db, ledger: ledger}
}

func scanAggregate(scanner interface{ Scan(...any) error }) (*model.SpendAggregate, error) {
	var a model.SpendAggregate
	var lastEventAt sql.NullTime

	err := scanner.Scan(
		&a.VenueID, &a.PatronID, &a.LifetimeSpend, &a.WindowSpend,
		&lastEventAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastEventAt.Valid {
		a.LastEventAt = &lastEventAt.Time
	}
	return &a, nil
}

const aggregateCols = `venue_id, patron_id, lifetime_spend, window_spend, last_event_at, updated_at`

// Recompute re-derives the aggregate for one (venue, patron) key as a pure
// fold over the full ledger and overwrites the stored row. It is never
// patched incrementally: summation is order-independent, so concurrent or
// out-of-order ingestion cannot drift the total.
func (s *AggregateStore) Recompute(venueID int64, patronID string, now time.Time) (*model.SpendAggregate, error) {
	events, err := s.ledger.Query(venueID, patronID, 0)
	if err != nil {
		return nil, fmt.Errorf("recompute %d/%s: %w", venueID, patronID, err)
	}

	agg := model.SpendAggregate{
		VenueID:   venueID,
		PatronID:  patronID,
		UpdatedAt: now.UTC(),
	}
	windowStart := now.UTC().AddDate(0, 0, -windowDays)

	for _, e := range events {
		agg.LifetimeSpend += e.AmountCents
		if e.OccurredAt.After(windowStart) {
			agg.WindowSpend += e.AmountCents
		}
		occurred := e.OccurredAt
		if agg.LastEventAt == nil || occurred.After(*agg.LastEventAt) {
			agg.LastEventAt = &occurred
		}
	}

	var lastEventAt sql.NullTime
	if agg.LastEventAt != nil {
		lastEventAt = sql.NullTime{Time: agg.LastEventAt.UTC(), Valid: true}
	}

	_, err = s.db.Exec(
		`INSERT INTO spend_aggregates (venue_id, patron_id, lifetime_spend, window_spend, last_event_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (venue_id, patron_id) DO UPDATE SET
		   lifetime_spend = excluded.lifetime_spend,
		   window_spend = excluded.window_spend,
		   last_event_at = excluded.last_event_at,
		   updated_at = excluded.updated_at`,
		venueID, patronID, agg.LifetimeSpend, agg.WindowSpend, lastEventAt, agg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store aggregate: %w", err)
	}

	return &agg, nil
}

// Get returns the stored aggregate, or nil when the patron has no spend yet.
func (s *AggregateStore) Get(venueID int64, patronID string) (*model.SpendAggregate, error) {
	row := s.db.QueryRow(
		`SELECT `+aggregateCols+` FROM spend_aggregates WHERE venue_id = ? AND patron_id = ?`,
		venueID, patronID,
	)
	a, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return a, nil
}
