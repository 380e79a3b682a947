package model

import "time"

// IntegrationStatus is the connection lifecycle state of a POS integration.
type IntegrationStatus string

const (
	StatusDisconnected IntegrationStatus = "DISCONNECTED"
	StatusConnected    IntegrationStatus = "CONNECTED"
	StatusSyncing      IntegrationStatus = "SYNCING"
	StatusError        IntegrationStatus = "ERROR"
)

// SyncStatus is the outcome of one sync cycle.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

// POSIntegration is one venue's connection to one POS provider. Status and
// stats are owned by the sync orchestrator; the management API only submits
// connect/disconnect intents.
type POSIntegration struct {
	ID                  int64             `json:"id"`
	VenueID             int64             `json:"venue_id"`
	Provider            Provider          `json:"provider"`
	Status              IntegrationStatus `json:"status"`
	Enabled             bool              `json:"enabled"`
	IntervalSeconds     int               `json:"interval_seconds"`
	Timezone            string            `json:"timezone"`
	AccessToken         string            `json:"-"`
	LocationID          string            `json:"location_id"`
	WebhookSecret       string            `json:"-"`
	LastSyncAt          *time.Time        `json:"last_sync_at"`
	LastSyncStatus      *SyncStatus       `json:"last_sync_status"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	TransactionCount    int64             `json:"transaction_count"`
	TotalRevenueCents   int64             `json:"total_revenue_cents"`
	EventsSkipped       int64             `json:"events_skipped"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// AverageTransactionCents derives the mean charge size from the running stats.
func (i POSIntegration) AverageTransactionCents() int64 {
	if i.TransactionCount == 0 {
		return 0
	}
	return i.TotalRevenueCents / i.TransactionCount
}
