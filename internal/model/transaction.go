package model

import "time"

// Provider identifies the point-of-sale vendor an event came from.
type Provider string

const (
	ProviderToast  Provider = "TOAST"
	ProviderSquare Provider = "SQUARE"
)

// ValidProvider reports whether p is a known POS provider.
func ValidProvider(p Provider) bool {
	return p == ProviderToast || p == ProviderSquare
}

// TransactionEvent is one normalized POS charge appended to the ledger.
// Events are never mutated after ingestion; a refund arrives as a separate
// event with a negative amount and ReversalOf pointing at the original
// external ID.
type TransactionEvent struct {
	Seq         int64     `json:"seq"`
	VenueID     int64     `json:"venue_id"`
	Provider    Provider  `json:"provider"`
	ExternalID  string    `json:"external_id"`
	PatronID    *string   `json:"patron_id"` // nil when the POS customer could not be resolved
	AmountCents int64     `json:"amount_cents"`
	OccurredAt  time.Time `json:"occurred_at"`
	ReceivedAt  time.Time `json:"received_at"`
	ReversalOf  *string   `json:"reversal_of,omitempty"`
}

// IsReversal reports whether the event compensates a prior charge.
func (e TransactionEvent) IsReversal() bool {
	return e.ReversalOf != nil && *e.ReversalOf != ""
}

// SpendAggregate is the materialized spend total for one patron at one venue.
// It is always recomputable from the ledger; the stored row is a cache, not
// an independent source of truth.
type SpendAggregate struct {
	VenueID       int64      `json:"venue_id"`
	PatronID      string     `json:"patron_id"`
	LifetimeSpend int64      `json:"lifetime_spend"`
	WindowSpend   int64      `json:"window_spend"`
	LastEventAt   *time.Time `json:"last_event_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
