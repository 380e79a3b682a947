package pos

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/velvetclub/velvet/internal/model"
)

const toastBaseURL = "https://ws-api.toasttab.com"

// ToastConnector talks to the Toast orders API. Toast reports voided checks
// in the same feed as charges, so voids are normalized to reversal events
// against the original check.
type ToastConnector struct {
	venueID int64
	creds   Credentials
	client  *http.Client
	baseURL string
}

func NewToastConnector(venueID int64, creds Credentials) *ToastConnector {
	return &ToastConnector{
		venueID: venueID,
		creds:   creds,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: toastBaseURL,
	}
}

type toastRestaurant struct {
	GUID string `json:"guid"`
	Name string `json:"restaurantName"`
}

type toastCheck struct {
	GUID         string    `json:"guid"`
	CustomerGUID string    `json:"customerGuid"`
	TotalCents   int64     `json:"totalAmount"`
	PaidAt       time.Time `json:"paidDate"`
	Voided       bool      `json:"voided"`
	VoidOfGUID   string    `json:"voidOfGuid"`
}

func (c *ToastConnector) ListLocations(ctx context.Context) ([]Location, error) {
	var resp []toastRestaurant
	if err := getJSON(ctx, c.client, c.baseURL+"/restaurants/v1/restaurants", c.creds.AccessToken, &resp); err != nil {
		return nil, fmt.Errorf("toast list restaurants: %w", err)
	}

	locations := make([]Location, 0, len(resp))
	for _, r := range resp {
		locations = append(locations, Location{ID: r.GUID, Name: r.Name})
	}
	return locations, nil
}

func (c *ToastConnector) PollTransactions(ctx context.Context, locationID string, since time.Time) ([]model.TransactionEvent, error) {
	q := url.Values{}
	q.Set("restaurantGuid", locationID)
	q.Set("paidAfter", since.UTC().Format(time.RFC3339))

	var resp struct {
		Checks []toastCheck `json:"checks"`
	}
	if err := getJSON(ctx, c.client, c.baseURL+"/orders/v2/checks?"+q.Encode(), c.creds.AccessToken, &resp); err != nil {
		return nil, fmt.Errorf("toast poll checks: %w", err)
	}

	events := make([]model.TransactionEvent, 0, len(resp.Checks))
	for _, ch := range resp.Checks {
		events = append(events, c.normalizeCheck(ch))
	}
	return events, nil
}

func (c *ToastConnector) normalizeCheck(ch toastCheck) model.TransactionEvent {
	e := model.TransactionEvent{
		VenueID:     c.venueID,
		Provider:    model.ProviderToast,
		ExternalID:  ch.GUID,
		AmountCents: ch.TotalCents,
		OccurredAt:  ch.PaidAt.UTC(),
	}
	if ch.CustomerGUID != "" {
		customer := ch.CustomerGUID
		e.PatronID = &customer
	}
	if ch.Voided && ch.VoidOfGUID != "" {
		voidOf := ch.VoidOfGUID
		e.ReversalOf = &voidOf
		if e.AmountCents > 0 {
			e.AmountCents = -e.AmountCents
		}
	}
	return e
}

// VerifyWebhookSignature checks Toast's hex HMAC-SHA256 over the raw body.
func (c *ToastConnector) VerifyWebhookSignature(payload []byte, signature string) bool {
	if c.creds.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.creds.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type toastWebhookEnvelope struct {
	EventType string     `json:"eventType"`
	Check     toastCheck `json:"check"`
}

func (c *ToastConnector) ParseWebhookPayload(payload []byte) (*model.TransactionEvent, error) {
	var env toastWebhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("toast webhook: %w", err)
	}

	switch env.EventType {
	case "CHECK_PAID", "CHECK_VOIDED":
		if env.Check.GUID == "" {
			return nil, fmt.Errorf("toast webhook: %s missing check", env.EventType)
		}
		e := c.normalizeCheck(env.Check)
		return &e, nil
	default:
		return nil, fmt.Errorf("toast webhook: unhandled event type %q", env.EventType)
	}
}
