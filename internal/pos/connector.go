// Package pos adapts vendor point-of-sale APIs to one normalized contract.
// Everything vendor-specific (wire formats, auth headers, webhook signature
// schemes) stays behind the Connector interface; the sync pipeline is
// provider-agnostic.
package pos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/velvetclub/velvet/internal/model"
)

// ErrAuth marks credential failures. They are not retried; the orchestrator
// surfaces them as a FAILED cycle.
var ErrAuth = errors.New("pos: authentication failed")

// Location is one venue location known to the provider.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credentials is what a venue supplies when connecting a provider.
type Credentials struct {
	AccessToken   string `json:"access_token"`
	LocationID    string `json:"location_id"`
	WebhookSecret string `json:"webhook_secret"`
}

// Connector is the per-provider adapter contract consumed by the sync
// orchestrator and the webhook handler.
type Connector interface {
	// ListLocations doubles as the capability probe at connect time.
	ListLocations(ctx context.Context) ([]Location, error)
	// PollTransactions returns normalized events at the location since the
	// given time.
	PollTransactions(ctx context.Context, locationID string, since time.Time) ([]model.TransactionEvent, error)
	// VerifyWebhookSignature checks the vendor's HMAC over the raw payload.
	VerifyWebhookSignature(payload []byte, signature string) bool
	// ParseWebhookPayload normalizes one webhook delivery into a ledger event.
	ParseWebhookPayload(payload []byte) (*model.TransactionEvent, error)
}

// New builds the adapter for a provider. The returned connector stamps
// venueID on every event it emits.
func New(provider model.Provider, venueID int64, creds Credentials) (Connector, error) {
	switch provider {
	case model.ProviderSquare:
		return NewSquareConnector(venueID, creds), nil
	case model.ProviderToast:
		return NewToastConnector(venueID, creds), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// transientError marks an HTTP failure worth retrying.
func transientError(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// getJSON performs an authenticated GET with bounded retries on transient
// failures. Auth failures return ErrAuth immediately.
func getJSON(ctx context.Context, client *http.Client, url, bearer string, out any) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrAuth
		case transientError(resp.StatusCode):
			return retry.RetryableError(fmt.Errorf("pos: status %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("pos: status %d: %s", resp.StatusCode, body)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}
