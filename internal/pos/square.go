package pos

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/velvetclub/velvet/internal/model"
)

const squareBaseURL = "https://connect.squareup.com"

// SquareConnector talks to the Square Payments API. Refunds arrive as
// separate objects referencing the original payment, which maps directly onto
// the ledger's reversal events.
type SquareConnector struct {
	venueID int64
	creds   Credentials
	client  *http.Client
	baseURL string
}

func NewSquareConnector(venueID int64, creds Credentials) *SquareConnector {
	return &SquareConnector{
		venueID: venueID,
		creds:   creds,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: squareBaseURL,
	}
}

type squareLocation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type squareMoney struct {
	Amount int64 `json:"amount"`
}

type squarePayment struct {
	ID          string      `json:"id"`
	LocationID  string      `json:"location_id"`
	CustomerID  string      `json:"customer_id"`
	AmountMoney squareMoney `json:"amount_money"`
	CreatedAt   time.Time   `json:"created_at"`
	Status      string      `json:"status"`
}

type squareRefund struct {
	ID          string      `json:"id"`
	PaymentID   string      `json:"payment_id"`
	AmountMoney squareMoney `json:"amount_money"`
	CreatedAt   time.Time   `json:"created_at"`
	Status      string      `json:"status"`
}

func (c *SquareConnector) ListLocations(ctx context.Context) ([]Location, error) {
	var resp struct {
		Locations []squareLocation `json:"locations"`
	}
	if err := getJSON(ctx, c.client, c.baseURL+"/v2/locations", c.creds.AccessToken, &resp); err != nil {
		return nil, fmt.Errorf("square list locations: %w", err)
	}

	locations := make([]Location, 0, len(resp.Locations))
	for _, l := range resp.Locations {
		locations = append(locations, Location{ID: l.ID, Name: l.Name})
	}
	return locations, nil
}

func (c *SquareConnector) PollTransactions(ctx context.Context, locationID string, since time.Time) ([]model.TransactionEvent, error) {
	q := url.Values{}
	q.Set("location_id", locationID)
	q.Set("begin_time", since.UTC().Format(time.RFC3339))
	q.Set("sort_order", "ASC")

	var payments struct {
		Payments []squarePayment `json:"payments"`
	}
	if err := getJSON(ctx, c.client, c.baseURL+"/v2/payments?"+q.Encode(), c.creds.AccessToken, &payments); err != nil {
		return nil, fmt.Errorf("square poll payments: %w", err)
	}

	var refunds struct {
		Refunds []squareRefund `json:"refunds"`
	}
	if err := getJSON(ctx, c.client, c.baseURL+"/v2/refunds?"+q.Encode(), c.creds.AccessToken, &refunds); err != nil {
		return nil, fmt.Errorf("square poll refunds: %w", err)
	}

	events := make([]model.TransactionEvent, 0, len(payments.Payments)+len(refunds.Refunds))
	for _, p := range payments.Payments {
		if p.Status != "" && p.Status != "COMPLETED" {
			continue
		}
		events = append(events, c.normalizePayment(p))
	}
	for _, r := range refunds.Refunds {
		if r.Status != "" && r.Status != "COMPLETED" {
			continue
		}
		events = append(events, c.normalizeRefund(r))
	}
	return events, nil
}

func (c *SquareConnector) normalizePayment(p squarePayment) model.TransactionEvent {
	e := model.TransactionEvent{
		VenueID:     c.venueID,
		Provider:    model.ProviderSquare,
		ExternalID:  p.ID,
		AmountCents: p.AmountMoney.Amount,
		OccurredAt:  p.CreatedAt.UTC(),
	}
	if p.CustomerID != "" {
		customer := p.CustomerID
		e.PatronID = &customer
	}
	return e
}

func (c *SquareConnector) normalizeRefund(r squareRefund) model.TransactionEvent {
	paymentID := r.PaymentID
	return model.TransactionEvent{
		VenueID:     c.venueID,
		Provider:    model.ProviderSquare,
		ExternalID:  r.ID,
		AmountCents: -r.AmountMoney.Amount,
		OccurredAt:  r.CreatedAt.UTC(),
		ReversalOf:  &paymentID,
	}
}

// VerifyWebhookSignature checks Square's base64 HMAC-SHA256 over the raw body.
func (c *SquareConnector) VerifyWebhookSignature(payload []byte, signature string) bool {
	if c.creds.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.creds.WebhookSecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type squareWebhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			Payment *squarePayment `json:"payment"`
			Refund  *squareRefund  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

func (c *SquareConnector) ParseWebhookPayload(payload []byte) (*model.TransactionEvent, error) {
	var env squareWebhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("square webhook: %w", err)
	}

	switch env.Type {
	case "payment.created", "payment.updated":
		if env.Data.Object.Payment == nil {
			return nil, fmt.Errorf("square webhook: %s missing payment", env.Type)
		}
		e := c.normalizePayment(*env.Data.Object.Payment)
		return &e, nil
	case "refund.created", "refund.updated":
		if env.Data.Object.Refund == nil {
			return nil, fmt.Errorf("square webhook: %s missing refund", env.Type)
		}
		e := c.normalizeRefund(*env.Data.Object.Refund)
		return &e, nil
	default:
		return nil, fmt.Errorf("square webhook: unhandled event type %q", env.Type)
	}
}
