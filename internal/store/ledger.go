package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/velvetclub/velvet/internal/model"
)

// AppendReason explains why an append was not a plain accept.
type AppendReason string

const (
	ReasonDuplicate AppendReason = "DUPLICATE"
	ReasonInvalid   AppendReason = "INVALID"
)

// AppendResult is the outcome of one ledger append. A duplicate is a no-op
// success, not an error: at-least-once webhook delivery leans on that.
type AppendResult struct {
	Accepted bool
	Reason   AppendReason
	Detail   string
	// PatronID is the patron the event was recorded against. For a reversal
	// without its own patron reference this is inherited from the original
	// charge, so callers must recompute from here, not from the raw event.
	PatronID *string
}

// LedgerStore is the append-only record of normalized POS transaction events.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func scanEvent(scanner interface{ Scan(...any) error }) (*model.TransactionEvent, error) {
	var e model.TransactionEvent
	var patronID sql.NullString
	var reversalOf sql.NullString

	err := scanner.Scan(
		&e.Seq, &e.VenueID, &e.Provider, &e.ExternalID, &patronID,
		&e.AmountCents, &e.OccurredAt, &e.ReceivedAt, &reversalOf,
	)
	if err != nil {
		return nil, err
	}

	if patronID.Valid {
		e.PatronID = &patronID.String
	}
	if reversalOf.Valid && reversalOf.String != "" {
		e.ReversalOf = &reversalOf.String
	}
	return &e, nil
}

const eventCols = `seq, venue_id, provider, external_id, patron_id, amount_cents, occurred_at, received_at, reversal_of`

// Append validates and inserts one event. It is the dedup boundary: a second
// append of the same (venue, provider, external_id) returns DUPLICATE without
// touching the ledger. An error return means the ledger itself failed, not
// the event.
func (s *LedgerStore) Append(e model.TransactionEvent) (AppendResult, error) {
	if reason := validateEvent(e); reason != "" {
		return AppendResult{Reason: ReasonInvalid, Detail: reason}, nil
	}

	if e.IsReversal() {
		orig, err := s.GetByExternalID(e.VenueID, e.Provider, *e.ReversalOf)
		if err != nil {
			return AppendResult{}, fmt.Errorf("look up reversal target: %w", err)
		}
		if orig == nil {
			return AppendResult{Reason: ReasonInvalid, Detail: "reversal references unknown external id"}, nil
		}
		// Square refunds carry no customer reference. Settle the reversal
		// against whoever the original charge belonged to.
		if e.PatronID == nil || *e.PatronID == "" {
			e.PatronID = orig.PatronID
		}
	}

	received := e.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	if e.PatronID != nil && *e.PatronID == "" {
		e.PatronID = nil
	}
	var patronID sql.NullString
	if e.PatronID != nil {
		patronID = sql.NullString{String: *e.PatronID, Valid: true}
	}
	var reversalOf sql.NullString
	if e.ReversalOf != nil {
		reversalOf = sql.NullString{String: *e.ReversalOf, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO transaction_events (venue_id, provider, external_id, patron_id, amount_cents, occurred_at, received_at, reversal_of)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.VenueID, e.Provider, e.ExternalID, patronID, e.AmountCents,
		e.OccurredAt.UTC(), received.UTC(), reversalOf,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return AppendResult{Reason: ReasonDuplicate}, nil
		}
		return AppendResult{}, fmt.Errorf("insert event: %w", err)
	}

	return AppendResult{Accepted: true, PatronID: e.PatronID}, nil
}

func validateEvent(e model.TransactionEvent) string {
	if !model.ValidProvider(e.Provider) {
		return "unknown provider"
	}
	if e.ExternalID == "" {
		return "missing external id"
	}
	if e.VenueID == 0 {
		return "missing venue"
	}
	if e.OccurredAt.IsZero() {
		return "missing occurred_at"
	}
	if e.AmountCents == 0 {
		return "zero amount"
	}
	if e.AmountCents < 0 && !e.IsReversal() {
		return "negative amount without reversal reference"
	}
	return ""
}

// GetByExternalID returns the event with the given vendor-assigned ID, or nil.
func (s *LedgerStore) GetByExternalID(venueID int64, provider model.Provider, externalID string) (*model.TransactionEvent, error) {
	row := s.db.QueryRow(
		`SELECT `+eventCols+` FROM transaction_events WHERE venue_id = ? AND provider = ? AND external_id = ?`,
		venueID, provider, externalID,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// Query returns the patron's events at a venue ordered by received_at, starting
// after sinceSeq. Passing sinceSeq 0 replays the full ledger for the key,
// which is how re-aggregation and audit reads restart from scratch.
func (s *LedgerStore) Query(venueID int64, patronID string, sinceSeq int64) ([]model.TransactionEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventCols+` FROM transaction_events
		 WHERE venue_id = ? AND patron_id = ? AND seq > ?
		 ORDER BY received_at ASC, seq ASC`,
		venueID, patronID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.TransactionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// ListAll streams every ledger event in seq order, for audit export.
func (s *LedgerStore) ListAll() ([]model.TransactionEvent, error) {
	rows, err := s.db.Query(`SELECT ` + eventCols + ` FROM transaction_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.TransactionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Count returns the number of events in the ledger.
func (s *LedgerStore) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM transaction_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
