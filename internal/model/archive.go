package model

import "time"

type ArchiveStatus string

const (
	ArchiveStatusPending   ArchiveStatus = "pending"
	ArchiveStatusUploading ArchiveStatus = "uploading"
	ArchiveStatusCompleted ArchiveStatus = "completed"
	ArchiveStatusFailed    ArchiveStatus = "failed"
)

// ArchiveRecord tracks one encrypted ledger audit export.
type ArchiveRecord struct {
	ID           int64         `json:"id"`
	Filename     string        `json:"filename"`
	S3Key        string        `json:"s3_key"`
	EventCount   int64         `json:"event_count"`
	SizeBytes    int64         `json:"size_bytes"`
	Status       ArchiveStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
