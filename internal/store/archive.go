package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/velvetclub/velvet/internal/model"
)

// ArchiveStore tracks encrypted ledger audit exports.
type ArchiveStore struct {
	db *sql.DB
}

func NewArchiveStore(db *sql.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func scanArchive(scanner interface{ Scan(...any) error }) (*model.ArchiveRecord, error) {
	var a model.ArchiveRecord
	var completedAt sql.NullTime

	err := scanner.Scan(
		&a.ID, &a.Filename, &a.S3Key, &a.EventCount, &a.SizeBytes,
		&a.Status, &a.ErrorMessage, &completedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return &a, nil
}

const archiveCols = `id, filename, s3_key, event_count, size_bytes, status, error_message, completed_at, created_at, updated_at`

func (s *ArchiveStore) Create(filename, s3Key string) (*model.ArchiveRecord, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO archive_records (filename, s3_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		filename, s3Key, model.ArchiveStatusPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create archive record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *ArchiveStore) GetByID(id int64) (*model.ArchiveRecord, error) {
	row := s.db.QueryRow(`SELECT `+archiveCols+` FROM archive_records WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archive record: %w", err)
	}
	return a, nil
}

func (s *ArchiveStore) List(limit int) ([]model.ArchiveRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+archiveCols+` FROM archive_records ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list archive records: %w", err)
	}
	defer rows.Close()

	var records []model.ArchiveRecord
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive record: %w", err)
		}
		records = append(records, *a)
	}
	return records, rows.Err()
}

func (s *ArchiveStore) UpdateStatus(id int64, status model.ArchiveStatus, errorMsg string) error {
	_, err := s.db.Exec(
		`UPDATE archive_records SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errorMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update archive status: %w", err)
	}
	return nil
}

func (s *ArchiveStore) UpdateCompleted(id, eventCount, sizeBytes int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE archive_records SET status = ?, event_count = ?, size_bytes = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		model.ArchiveStatusCompleted, eventCount, sizeBytes, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("update archive completed: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records created before the cutoff and returns their
// S3 keys so the caller can delete the objects.
func (s *ArchiveStore) DeleteOlderThan(before time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT s3_key FROM archive_records WHERE created_at < ?`, before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list old archive records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan archive key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM archive_records WHERE created_at < ?`, before.UTC()); err != nil {
		return nil, fmt.Errorf("delete old archive records: %w", err)
	}
	return keys, nil
}
