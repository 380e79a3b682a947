// Package archive exports the transaction ledger as encrypted NDJSON to
// S3-compatible storage for audit retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/velvetclub/velvet/internal/config"
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
)

// ErrNotConfigured is returned when the archive runs without S3 credentials.
var ErrNotConfigured = errors.New("archive: storage not configured")

// ErrNotFound is returned when a requested export record does not exist.
var ErrNotFound = errors.New("archive: export not found")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Manager runs scheduled and on-demand ledger exports.
type Manager struct {
	mu       sync.RWMutex
	cfg      config.ArchiveConfig
	ledger   *store.LedgerStore
	archives *store.ArchiveStore
	client   s3Client
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates an archive manager. A nil client builds the real S3
// client from config when credentials are present; tests pass a fake.
func NewManager(cfg config.ArchiveConfig, ledger *store.LedgerStore, archives *store.ArchiveStore, client s3Client, logger *slog.Logger) *Manager {
	if client == nil && cfg.S3Bucket != "" && cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		client = newS3Client(cfg)
	}
	return &Manager{
		cfg:      cfg,
		ledger:   ledger,
		archives: archives,
		client:   client,
		logger:   logger,
	}
}

func newS3Client(cfg config.ArchiveConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.S3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether scheduled exports will run.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled && m.client != nil
}

// Start begins the scheduled export loop. No-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		m.logger.Info("ledger archive disabled")
		return
	}

	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkSchedule(ctx)
			}
		}
	}()
}

// Stop gracefully stops the export loop.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) checkSchedule(ctx context.Context) {
	now := time.Now().UTC()
	if now.Hour() != m.cfg.ScheduleHour || now.Minute() != 0 {
		return
	}

	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("scheduled ledger export failed", "error", err)
	}

	retention := m.cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	if err := m.Cleanup(ctx, retention); err != nil {
		m.logger.Error("archive cleanup failed", "error", err)
	}
}

// RunNow exports the full ledger immediately.
func (m *Manager) RunNow(ctx context.Context) (*model.ArchiveRecord, error) {
	if m.client == nil {
		return nil, ErrNotConfigured
	}

	timestamp := time.Now().UTC().Format("2006-01-02T150405Z")
	filename := fmt.Sprintf("ledger-%s.ndjson.enc", timestamp)
	s3Key := fmt.Sprintf("ledger/%s", filename)

	record, err := m.archives.Create(filename, s3Key)
	if err != nil {
		return nil, fmt.Errorf("create export record: %w", err)
	}

	events, err := m.ledger.ListAll()
	if err != nil {
		m.archives.UpdateStatus(record.ID, model.ArchiveStatusFailed, err.Error())
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	plaintext, err := encodeNDJSON(events)
	if err != nil {
		m.archives.UpdateStatus(record.ID, model.ArchiveStatusFailed, err.Error())
		return nil, err
	}

	salt, err := GenerateSalt()
	if err != nil {
		m.archives.UpdateStatus(record.ID, model.ArchiveStatusFailed, err.Error())
		return nil, err
	}
	sealed, err := Encrypt(plaintext, m.cfg.Passphrase, salt)
	if err != nil {
		m.archives.UpdateStatus(record.ID, model.ArchiveStatusFailed, err.Error())
		return nil, fmt.Errorf("encrypt export: %w", err)
	}

	m.archives.UpdateStatus(record.ID, model.ArchiveStatusUploading, "")

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3Bucket),
		Key:           aws.String(s3Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		m.archives.UpdateStatus(record.ID, model.ArchiveStatusFailed, err.Error())
		return nil, fmt.Errorf("upload export: %w", err)
	}

	if err := m.archives.UpdateCompleted(record.ID, int64(len(events)), int64(len(sealed))); err != nil {
		return nil, err
	}

	m.logger.Info("ledger exported",
		"filename", filename, "events", len(events), "bytes", len(sealed))
	return m.archives.GetByID(record.ID)
}

// Download streams an encrypted export from storage.
func (m *Manager) Download(ctx context.Context, id int64) (io.ReadCloser, int64, error) {
	if m.client == nil {
		return nil, 0, ErrNotConfigured
	}

	record, err := m.archives.GetByID(id)
	if err != nil {
		return nil, 0, err
	}
	if record == nil {
		return nil, 0, ErrNotFound
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3Bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("download export: %w", err)
	}
	return result.Body, record.SizeBytes, nil
}

// Cleanup deletes exports older than the retention period.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) error {
	if m.client == nil {
		return nil
	}

	before := time.Now().UTC().AddDate(0, 0, -retentionDays)
	keys, err := m.archives.DeleteOlderThan(before)
	if err != nil {
		return fmt.Errorf("delete old exports: %w", err)
	}

	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("failed to delete archived object", "key", key, "error", err)
		}
	}
	return nil
}

func encodeNDJSON(events []model.TransactionEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
	}
	return buf.Bytes(), nil
}
