package possync

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/velvetclub/velvet/internal/config"
	"github.com/velvetclub/velvet/internal/database"
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/pos"
	"github.com/velvetclub/velvet/internal/store"
	"github.com/velvetclub/velvet/internal/tier"
)

type fakeConnector struct {
	locations []pos.Location
	locErr    error
	events    []model.TransactionEvent
	pollErr   error
	verify    bool
	parsed    *model.TransactionEvent
	pollCalls int
}

func (f *fakeConnector) ListLocations(ctx context.Context) ([]pos.Location, error) {
	return f.locations, f.locErr
}

func (f *fakeConnector) PollTransactions(ctx context.Context, locationID string, since time.Time) ([]model.TransactionEvent, error) {
	f.pollCalls++
	return f.events, f.pollErr
}

func (f *fakeConnector) VerifyWebhookSignature(payload []byte, signature string) bool {
	return f.verify
}

func (f *fakeConnector) ParseWebhookPayload(payload []byte) (*model.TransactionEvent, error) {
	return f.parsed, nil
}

type env struct {
	db           *sql.DB
	integrations *store.IntegrationStore
	ledger       *store.LedgerStore
	aggregates   *store.AggregateStore
	rules        *store.RuleStore
	states       *store.TierStateStore
	orch         *Orchestrator
}

func setup(t *testing.T, fake *fakeConnector, cfg config.SyncConfig) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.DiscardHandler)
	ledger := store.NewLedgerStore(db)
	aggregates := store.NewAggregateStore(db, ledger)
	rules := store.NewRuleStore(db)
	states := store.NewTierStateStore(db)
	integrations := store.NewIntegrationStore(db)

	pipeline := NewPipeline(aggregates, tier.NewEvaluator(rules, logger), tier.NewMachine(states, rules, logger), nil, logger)
	factory := func(provider model.Provider, venueID int64, creds pos.Credentials) (pos.Connector, error) {
		return fake, nil
	}
	orch := NewOrchestrator(cfg, integrations, ledger, pipeline, factory, nil, logger)

	return &env{
		db:           db,
		integrations: integrations,
		ledger:       ledger,
		aggregates:   aggregates,
		rules:        rules,
		states:       states,
		orch:         orch,
	}
}

func (e *env) createIntegration(t *testing.T, status model.IntegrationStatus) *model.POSIntegration {
	t.Helper()
	integ, err := e.integrations.Create(model.POSIntegration{
		VenueID:       1,
		Provider:      model.ProviderSquare,
		Status:        status,
		Enabled:       status != model.StatusDisconnected,
		Timezone:      "UTC",
		AccessToken:   "tok",
		LocationID:    "loc-1",
		WebhookSecret: "secret",
	})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}
	return integ
}

func (e *env) createRule(t *testing.T, threshold int64, unlocked model.Tier) *model.SpendRule {
	t.Helper()
	r, err := e.rules.Create(model.SpendRule{
		VenueID: 1, ThresholdCents: threshold, TierUnlocked: unlocked, AccessLevel: 1, Active: true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func charge(externalID, patronID string, cents int64) model.TransactionEvent {
	return model.TransactionEvent{
		VenueID:     1,
		Provider:    model.ProviderSquare,
		ExternalID:  externalID,
		PatronID:    &patronID,
		AmountCents: cents,
		OccurredAt:  time.Now().UTC(),
	}
}

func TestCycleIngestsAndPromotes(t *testing.T) {
	fake := &fakeConnector{events: []model.TransactionEvent{
		charge("sq-1", "patron-1", 3000),
		charge("sq-2", "patron-1", 4000),
	}}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusConnected)
	e.createRule(t, 5000, model.TierRegular)

	status, err := e.orch.runCycle(context.Background(), integ)
	if err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if status != model.SyncSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}

	agg, err := e.aggregates.Get(1, "patron-1")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg == nil || agg.LifetimeSpend != 7000 {
		t.Fatalf("aggregate = %+v, want lifetime 7000", agg)
	}

	state, err := e.states.Get(1, "patron-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil || state.CurrentTier != model.TierRegular {
		t.Fatalf("state = %+v, want REGULAR", state)
	}
}

func TestCycleIsIdempotent(t *testing.T) {
	fake := &fakeConnector{events: []model.TransactionEvent{
		charge("sq-1", "patron-1", 3000),
	}}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusConnected)

	for i := 0; i < 3; i++ {
		status, err := e.orch.runCycle(context.Background(), integ)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if status != model.SyncSuccess {
			t.Fatalf("cycle %d status = %s, want SUCCESS", i, status)
		}
	}

	n, err := e.ledger.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("ledger has %d events after replays, want 1", n)
	}

	agg, err := e.aggregates.Get(1, "patron-1")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.LifetimeSpend != 3000 {
		t.Fatalf("lifetime = %d, want 3000", agg.LifetimeSpend)
	}
}

func TestCyclePartialOnInvalidEvent(t *testing.T) {
	bad := charge("", "patron-1", 3000) // missing external id
	fake := &fakeConnector{events: []model.TransactionEvent{
		charge("sq-1", "patron-1", 3000),
		bad,
	}}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusConnected)

	status, err := e.orch.runCycle(context.Background(), integ)
	if status != model.SyncPartial {
		t.Fatalf("status = %s (err %v), want PARTIAL", status, err)
	}
	if err == nil {
		t.Fatal("want skip error detail, got nil")
	}

	// The good event still committed.
	n, _ := e.ledger.Count()
	if n != 1 {
		t.Fatalf("ledger has %d events, want 1", n)
	}
}

func TestCycleFailedOnConnectorError(t *testing.T) {
	fake := &fakeConnector{pollErr: errors.New("provider is down")}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusConnected)

	status, err := e.orch.runCycle(context.Background(), integ)
	if status != model.SyncFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if err == nil {
		t.Fatal("want connector error, got nil")
	}
}

func TestRunnerParksInErrorAfterMaxFailures(t *testing.T) {
	fake := &fakeConnector{pollErr: errors.New("provider is down")}
	e := setup(t, fake, config.SyncConfig{MaxConsecutiveFailures: 1})
	integ := e.createIntegration(t, model.StatusConnected)

	r := &runner{cancel: func() {}, done: make(chan struct{})}
	e.orch.run(context.Background(), integ.ID, r)
	<-r.done

	got, err := e.integrations.GetByID(integ.ID)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.LastError == "" {
		t.Fatal("want last error recorded")
	}
}

func TestWebhookAndPollConverge(t *testing.T) {
	event := charge("sq-1", "patron-1", 3000)
	fake := &fakeConnector{
		events: []model.TransactionEvent{event},
		verify: true,
		parsed: &event,
	}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusConnected)

	res, err := e.orch.HandleWebhook(context.Background(), model.ProviderSquare, []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("webhook result = %+v, want accepted", res)
	}

	// The poll cycle later sees the same external id: one ledger entry total.
	if _, err := e.orch.runCycle(context.Background(), integ); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	n, _ := e.ledger.Count()
	if n != 1 {
		t.Fatalf("ledger has %d events, want 1", n)
	}

	agg, err := e.aggregates.Get(1, "patron-1")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.LifetimeSpend != 3000 {
		t.Fatalf("lifetime = %d, want 3000 (no double count)", agg.LifetimeSpend)
	}
}

func TestWebhookRefundLowersLifetimeSpend(t *testing.T) {
	// Parse real Square deliveries: the refund references the payment but
	// carries no customer id, so the ledger has to attribute it.
	sq := pos.NewSquareConnector(1, pos.Credentials{})
	payment, err := sq.ParseWebhookPayload([]byte(`{
		"type": "payment.created",
		"data": {"object": {"payment": {"id":"pay-1","customer_id":"patron-1","amount_money":{"amount":10000},"created_at":"2026-05-01T23:15:00Z"}}}
	}`))
	if err != nil {
		t.Fatalf("parse payment: %v", err)
	}
	refund, err := sq.ParseWebhookPayload([]byte(`{
		"type": "refund.created",
		"data": {"object": {"refund": {"id":"ref-1","payment_id":"pay-1","amount_money":{"amount":3000},"created_at":"2026-05-02T00:10:00Z"}}}
	}`))
	if err != nil {
		t.Fatalf("parse refund: %v", err)
	}
	if refund.PatronID != nil {
		t.Fatalf("refund patron = %v, Square refunds carry no customer id", refund.PatronID)
	}

	fake := &fakeConnector{verify: true, parsed: payment}
	e := setup(t, fake, config.SyncConfig{})
	e.createIntegration(t, model.StatusConnected)
	e.createRule(t, 5000, model.TierRegular)

	if res, err := e.orch.HandleWebhook(context.Background(), model.ProviderSquare, []byte(`{}`), "sig"); err != nil || !res.Accepted {
		t.Fatalf("payment webhook: res=%+v err=%v", res, err)
	}

	fake.parsed = refund
	res, err := e.orch.HandleWebhook(context.Background(), model.ProviderSquare, []byte(`{}`), "sig")
	if err != nil || !res.Accepted {
		t.Fatalf("refund webhook: res=%+v err=%v", res, err)
	}
	if res.PatronID == nil || *res.PatronID != "patron-1" {
		t.Fatalf("refund attributed to %v, want patron-1", res.PatronID)
	}

	agg, err := e.aggregates.Get(1, "patron-1")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg == nil || agg.LifetimeSpend != 7000 {
		t.Fatalf("aggregate = %+v, want lifetime 7000 after refund", agg)
	}

	// The spend-based unlock is permanent even though net spend dropped.
	state, err := e.states.Get(1, "patron-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil || state.CurrentTier != model.TierRegular {
		t.Fatalf("state = %+v, want REGULAR", state)
	}
}

func TestStartSkipsParkedIntegration(t *testing.T) {
	fake := &fakeConnector{events: []model.TransactionEvent{charge("sq-1", "patron-1", 1000)}}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusConnected)
	if err := e.integrations.UpdateStatus(integ.ID, model.StatusError, "provider is down"); err != nil {
		t.Fatalf("park integration: %v", err)
	}

	if err := e.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.orch.Stop()

	e.orch.mu.Lock()
	_, running := e.orch.runners[integ.ID]
	e.orch.mu.Unlock()
	if running {
		t.Fatal("parked integration was resumed on start")
	}

	got, _ := e.integrations.GetByID(integ.ID)
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want ERROR until explicit reconnect", got.Status)
	}
	if fake.pollCalls != 0 {
		t.Fatalf("pollCalls = %d, want 0", fake.pollCalls)
	}
}

func TestWebhookRejectsUnknownSignature(t *testing.T) {
	fake := &fakeConnector{verify: false}
	e := setup(t, fake, config.SyncConfig{})
	e.createIntegration(t, model.StatusConnected)

	_, err := e.orch.HandleWebhook(context.Background(), model.ProviderSquare, []byte(`{}`), "bad-sig")
	if !errors.Is(err, ErrUnknownWebhook) {
		t.Fatalf("err = %v, want ErrUnknownWebhook", err)
	}
}

func TestConnectProbeFailure(t *testing.T) {
	fake := &fakeConnector{locErr: pos.ErrAuth}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusDisconnected)

	err := e.orch.Connect(context.Background(), integ.ID)
	if !errors.Is(err, pos.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}

	// A failed probe is not a sync failure: the integration never left
	// DISCONNECTED, it just records what the provider said.
	got, _ := e.integrations.GetByID(integ.ID)
	if got.Status != model.StatusDisconnected {
		t.Fatalf("status = %s, want DISCONNECTED", got.Status)
	}
	if got.LastError == "" {
		t.Fatal("want the provider's error recorded")
	}
}

func TestConnectStartsRunnerAndDisconnectIsIdempotent(t *testing.T) {
	fake := &fakeConnector{locations: []pos.Location{{ID: "loc-1", Name: "Main Room"}}}
	e := setup(t, fake, config.SyncConfig{})
	integ := e.createIntegration(t, model.StatusDisconnected)

	if err := e.orch.Connect(context.Background(), integ.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// The runner may already be mid-cycle, so SYNCING is as valid as CONNECTED.
	got, _ := e.integrations.GetByID(integ.ID)
	if got.Status != model.StatusConnected && got.Status != model.StatusSyncing {
		t.Fatalf("after connect: status=%s", got.Status)
	}
	if !got.Enabled {
		t.Fatal("after connect: integration not enabled")
	}

	for i := 0; i < 2; i++ {
		if err := e.orch.Disconnect(integ.ID); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
	}
	got, _ = e.integrations.GetByID(integ.ID)
	if got.Status != model.StatusDisconnected || got.Enabled {
		t.Fatalf("after disconnect: status=%s enabled=%v", got.Status, got.Enabled)
	}
	e.orch.Stop()
}

func TestConnectUnknownIntegration(t *testing.T) {
	e := setup(t, &fakeConnector{}, config.SyncConfig{})
	if err := e.orch.Connect(context.Background(), 999); !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("err = %v, want ErrIntegrationNotFound", err)
	}
}
