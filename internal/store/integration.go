package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/velvetclub/velvet/internal/model"
)

// IntegrationStore persists POS integration records. Status, stats, and sync
// bookkeeping columns are written only by the sync orchestrator.
type IntegrationStore struct {
	db *sql.DB
}

func NewIntegrationStore(db *sql.DB) *IntegrationStore {
	return &IntegrationStore{db: db}
}

func scanIntegration(scanner interface{ Scan(...any) error }) (*model.POSIntegration, error) {
	var i model.POSIntegration
	var lastSyncAt sql.NullTime
	var lastSyncStatus sql.NullString

	err := scanner.Scan(
		&i.ID, &i.VenueID, &i.Provider, &i.Status, &i.Enabled,
		&i.IntervalSeconds, &i.Timezone, &i.AccessToken, &i.LocationID,
		&i.WebhookSecret, &lastSyncAt, &lastSyncStatus, &i.LastError,
		&i.ConsecutiveFailures, &i.TransactionCount, &i.TotalRevenueCents,
		&i.EventsSkipped, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSyncAt.Valid {
		i.LastSyncAt = &lastSyncAt.Time
	}
	if lastSyncStatus.Valid {
		st := model.SyncStatus(lastSyncStatus.String)
		i.LastSyncStatus = &st
	}
	return &i, nil
}

const integrationCols = `id, venue_id, provider, status, enabled, interval_seconds, timezone, access_token, location_id, webhook_secret, last_sync_at, last_sync_status, last_error, consecutive_failures, transaction_count, total_revenue_cents, events_skipped, created_at, updated_at`

func (s *IntegrationStore) Create(i model.POSIntegration) (*model.POSIntegration, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO pos_integrations (venue_id, provider, status, enabled, interval_seconds, timezone, access_token, location_id, webhook_secret, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.VenueID, i.Provider, i.Status, i.Enabled, i.IntervalSeconds,
		i.Timezone, i.AccessToken, i.LocationID, i.WebhookSecret, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert integration: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *IntegrationStore) GetByID(id int64) (*model.POSIntegration, error) {
	row := s.db.QueryRow(`SELECT `+integrationCols+` FROM pos_integrations WHERE id = ?`, id)
	i, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return i, nil
}

func (s *IntegrationStore) GetByVenueProvider(venueID int64, provider model.Provider) (*model.POSIntegration, error) {
	row := s.db.QueryRow(
		`SELECT `+integrationCols+` FROM pos_integrations WHERE venue_id = ? AND provider = ?`,
		venueID, provider,
	)
	i, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get integration by venue/provider: %w", err)
	}
	return i, nil
}

func (s *IntegrationStore) ListByVenue(venueID int64) ([]model.POSIntegration, error) {
	rows, err := s.db.Query(
		`SELECT `+integrationCols+` FROM pos_integrations WHERE venue_id = ? ORDER BY provider ASC`,
		venueID,
	)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []model.POSIntegration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		integrations = append(integrations, *i)
	}
	return integrations, rows.Err()
}

// ListConnected returns every enabled integration worth scheduling a sync
// loop for at startup. Integrations parked in ERROR stay parked until an
// explicit reconnect, so they are excluded here.
func (s *IntegrationStore) ListConnected() ([]model.POSIntegration, error) {
	rows, err := s.db.Query(
		`SELECT ` + integrationCols + ` FROM pos_integrations WHERE enabled = 1 AND status NOT IN ('DISCONNECTED', 'ERROR') ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list connected integrations: %w", err)
	}
	defer rows.Close()

	var integrations []model.POSIntegration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		integrations = append(integrations, *i)
	}
	return integrations, rows.Err()
}

// UpdateStatus writes the lifecycle status and last human-readable error.
func (s *IntegrationStore) UpdateStatus(id int64, status model.IntegrationStatus, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE pos_integrations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update integration status: %w", err)
	}
	return nil
}

// RecordSyncResult writes one cycle's outcome and failure streak.
func (s *IntegrationStore) RecordSyncResult(id int64, at time.Time, status model.SyncStatus, lastError string, consecutiveFailures int) error {
	_, err := s.db.Exec(
		`UPDATE pos_integrations SET last_sync_at = ?, last_sync_status = ?, last_error = ?, consecutive_failures = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), status, lastError, consecutiveFailures, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record sync result: %w", err)
	}
	return nil
}

// AddStats accumulates ingest counters from one cycle.
func (s *IntegrationStore) AddStats(id int64, txCount, revenueCents, skipped int64) error {
	_, err := s.db.Exec(
		`UPDATE pos_integrations SET
		   transaction_count = transaction_count + ?,
		   total_revenue_cents = total_revenue_cents + ?,
		   events_skipped = events_skipped + ?,
		   updated_at = ?
		 WHERE id = ?`,
		txCount, revenueCents, skipped, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("add integration stats: %w", err)
	}
	return nil
}

// SetEnabled flips the scheduling flag; disconnect keeps the row for reconnects.
func (s *IntegrationStore) SetEnabled(id int64, enabled bool) error {
	_, err := s.db.Exec(
		`UPDATE pos_integrations SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set integration enabled: %w", err)
	}
	return nil
}
