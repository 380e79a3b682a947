package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/velvetclub/velvet/internal/config"
	"github.com/velvetclub/velvet/internal/metrics"
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/pos"
	"github.com/velvetclub/velvet/internal/store"
)

var (
	// ErrIntegrationNotFound is returned for connect/disconnect on an unknown id.
	ErrIntegrationNotFound = errors.New("possync: integration not found")
	// ErrUnknownWebhook is returned when no connected integration's secret
	// verifies the delivery signature.
	ErrUnknownWebhook = errors.New("possync: webhook signature matches no integration")
)

// ConnectorFactory builds the provider adapter for an integration. Production
// uses pos.New; tests substitute fakes.
type ConnectorFactory func(provider model.Provider, venueID int64, creds pos.Credentials) (pos.Connector, error)

// pollOverlap is subtracted from lastSyncAt on each poll so events that landed
// during the previous cycle are not missed. Ledger dedup absorbs the overlap.
const pollOverlap = 5 * time.Minute

// Orchestrator owns one runner goroutine per enabled integration and the
// webhook ingest path. It is the only writer of integration status, sync
// results, and stats.
type Orchestrator struct {
	mu           sync.Mutex
	cfg          config.SyncConfig
	integrations *store.IntegrationStore
	ledger       *store.LedgerStore
	pipeline     *Pipeline
	newConnector ConnectorFactory
	broadcast    Broadcaster
	logger       *slog.Logger

	runners map[int64]*runner
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(cfg config.SyncConfig, integrations *store.IntegrationStore, ledger *store.LedgerStore, pipeline *Pipeline, factory ConnectorFactory, broadcast Broadcaster, logger *slog.Logger) *Orchestrator {
	if factory == nil {
		factory = pos.New
	}
	return &Orchestrator{
		cfg:          cfg,
		integrations: integrations,
		ledger:       ledger,
		pipeline:     pipeline,
		newConnector: factory,
		broadcast:    broadcast,
		logger:       logger,
		runners:      make(map[int64]*runner),
	}
}

// Start resumes runners for every integration that was connected when the
// process last stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	integrations, err := o.integrations.ListConnected()
	if err != nil {
		return fmt.Errorf("resume integrations: %w", err)
	}
	for _, integ := range integrations {
		o.logger.Info("resuming sync",
			"integration_id", integ.ID, "venue_id", integ.VenueID, "provider", integ.Provider)
		o.startRunner(ctx, integ.ID)
	}
	return nil
}

// Stop cancels every runner and waits for them to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	running := make([]*runner, 0, len(o.runners))
	for id, r := range o.runners {
		r.cancel()
		running = append(running, r)
		delete(o.runners, id)
	}
	o.mu.Unlock()

	for _, r := range running {
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			o.logger.Warn("sync runner stop timed out")
		}
	}
}

// Connect probes the provider with the stored credentials and, on success,
// marks the integration CONNECTED and starts its runner. A probe failure
// leaves the integration DISCONNECTED with the provider's error recorded.
func (o *Orchestrator) Connect(ctx context.Context, integrationID int64) error {
	integ, err := o.integrations.GetByID(integrationID)
	if err != nil {
		return err
	}
	if integ == nil {
		return ErrIntegrationNotFound
	}

	conn, err := o.newConnector(integ.Provider, integ.VenueID, credentials(integ))
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.connectorTimeout())
	defer cancel()
	if _, err := conn.ListLocations(probeCtx); err != nil {
		o.integrations.UpdateStatus(integ.ID, model.StatusDisconnected, err.Error())
		metrics.IntegrationUp.WithLabelValues(venueLabel(integ.VenueID), string(integ.Provider)).Set(0)
		return fmt.Errorf("probe %s: %w", integ.Provider, err)
	}

	if err := o.integrations.UpdateStatus(integ.ID, model.StatusConnected, ""); err != nil {
		return err
	}
	if err := o.integrations.SetEnabled(integ.ID, true); err != nil {
		return err
	}
	metrics.IntegrationUp.WithLabelValues(venueLabel(integ.VenueID), string(integ.Provider)).Set(1)

	o.startRunner(context.WithoutCancel(ctx), integ.ID)
	o.logger.Info("integration connected",
		"integration_id", integ.ID, "venue_id", integ.VenueID, "provider", integ.Provider)
	return nil
}

// Disconnect stops the runner and marks the integration DISCONNECTED. Calling
// it on an already-disconnected integration is a no-op.
func (o *Orchestrator) Disconnect(integrationID int64) error {
	integ, err := o.integrations.GetByID(integrationID)
	if err != nil {
		return err
	}
	if integ == nil {
		return ErrIntegrationNotFound
	}

	o.stopRunner(integrationID)

	if integ.Status == model.StatusDisconnected {
		return nil
	}
	if err := o.integrations.SetEnabled(integ.ID, false); err != nil {
		return err
	}
	if err := o.integrations.UpdateStatus(integ.ID, model.StatusDisconnected, ""); err != nil {
		return err
	}
	metrics.IntegrationUp.WithLabelValues(venueLabel(integ.VenueID), string(integ.Provider)).Set(0)
	o.logger.Info("integration disconnected", "integration_id", integ.ID)
	return nil
}

// HandleWebhook routes one provider delivery to the integration whose secret
// verifies the signature, appends the event, and recomputes the patron.
func (o *Orchestrator) HandleWebhook(ctx context.Context, provider model.Provider, payload []byte, signature string) (store.AppendResult, error) {
	integrations, err := o.integrations.ListConnected()
	if err != nil {
		return store.AppendResult{}, err
	}

	for _, integ := range integrations {
		if integ.Provider != provider {
			continue
		}
		conn, err := o.newConnector(integ.Provider, integ.VenueID, credentials(&integ))
		if err != nil {
			return store.AppendResult{}, err
		}
		if !conn.VerifyWebhookSignature(payload, signature) {
			continue
		}

		event, err := conn.ParseWebhookPayload(payload)
		if err != nil {
			return store.AppendResult{}, fmt.Errorf("parse %s webhook: %w", provider, err)
		}
		if event == nil {
			// Verified but not a transaction event. Acknowledge and drop.
			return store.AppendResult{Accepted: false}, nil
		}

		res, err := o.ledger.Append(*event)
		if err != nil {
			return store.AppendResult{}, err
		}
		o.countEvent(&integ, res, *event, "webhook")

		if res.Accepted {
			o.integrations.AddStats(integ.ID, 1, event.AmountCents, 0)
			if res.PatronID != nil {
				now := o.venueNow(&integ)
				if _, err := o.pipeline.RecomputePatron(integ.VenueID, *res.PatronID, now); err != nil {
					return res, err
				}
			}
		}
		return res, nil
	}
	return store.AppendResult{}, ErrUnknownWebhook
}

func (o *Orchestrator) startRunner(ctx context.Context, integrationID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, running := o.runners[integrationID]; running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &runner{cancel: cancel, done: make(chan struct{})}
	o.runners[integrationID] = r

	go o.run(ctx, integrationID, r)
}

func (o *Orchestrator) stopRunner(integrationID int64) {
	o.mu.Lock()
	r, ok := o.runners[integrationID]
	if ok {
		delete(o.runners, integrationID)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// run is the per-integration loop: cycle, then sleep the poll interval, with
// exponential backoff while cycles fail. After too many consecutive failures
// the integration is parked in ERROR until the next explicit Connect.
func (o *Orchestrator) run(ctx context.Context, integrationID int64, r *runner) {
	defer close(r.done)

	backoff := 5 * time.Second
	maxBackoff := time.Duration(o.cfg.MaxBackoffSeconds) * time.Second
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Minute
	}

	for {
		integ, err := o.integrations.GetByID(integrationID)
		if err != nil {
			o.logger.Error("load integration", "integration_id", integrationID, "error", err)
			return
		}
		if integ == nil || !integ.Enabled {
			return
		}

		status, cycleErr := o.runCycle(ctx, integ)

		select {
		case <-ctx.Done():
			return
		default:
		}

		var wait time.Duration
		switch status {
		case model.SyncFailed:
			failures := integ.ConsecutiveFailures + 1
			errMsg := ""
			if cycleErr != nil {
				errMsg = cycleErr.Error()
			}
			o.integrations.RecordSyncResult(integ.ID, time.Now().UTC(), model.SyncFailed, errMsg, failures)
			metrics.SyncCycles.WithLabelValues(string(integ.Provider), string(model.SyncFailed)).Inc()

			if failures >= o.maxFailures() {
				o.integrations.UpdateStatus(integ.ID, model.StatusError, errMsg)
				metrics.IntegrationUp.WithLabelValues(venueLabel(integ.VenueID), string(integ.Provider)).Set(0)
				o.logger.Error("integration parked after repeated failures",
					"integration_id", integ.ID, "failures", failures, "error", cycleErr)
				o.mu.Lock()
				delete(o.runners, integ.ID)
				o.mu.Unlock()
				return
			}

			o.integrations.UpdateStatus(integ.ID, model.StatusConnected, errMsg)
			o.logger.Warn("sync cycle failed",
				"integration_id", integ.ID, "failures", failures, "retry_in", backoff, "error", cycleErr)
			wait = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

		default:
			errMsg := ""
			if cycleErr != nil {
				errMsg = cycleErr.Error()
			}
			o.integrations.RecordSyncResult(integ.ID, time.Now().UTC(), status, errMsg, 0)
			o.integrations.UpdateStatus(integ.ID, model.StatusConnected, errMsg)
			metrics.SyncCycles.WithLabelValues(string(integ.Provider), string(status)).Inc()
			metrics.IntegrationUp.WithLabelValues(venueLabel(integ.VenueID), string(integ.Provider)).Set(1)
			backoff = 5 * time.Second
			wait = o.interval(integ)
		}

		if o.broadcast != nil {
			o.broadcast.SyncCompleted(integ.VenueID, integ.ID, integ.Provider, status)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runCycle polls the provider and ingests the results. FAILED means the
// connector itself failed; individual bad events only degrade the cycle to
// PARTIAL.
func (o *Orchestrator) runCycle(ctx context.Context, integ *model.POSIntegration) (model.SyncStatus, error) {
	o.integrations.UpdateStatus(integ.ID, model.StatusSyncing, "")

	conn, err := o.newConnector(integ.Provider, integ.VenueID, credentials(integ))
	if err != nil {
		return model.SyncFailed, err
	}

	var since time.Time
	if integ.LastSyncAt != nil {
		since = integ.LastSyncAt.Add(-pollOverlap)
	}

	pollCtx, cancel := context.WithTimeout(ctx, o.connectorTimeout())
	events, err := conn.PollTransactions(pollCtx, integ.LocationID, since)
	cancel()
	if err != nil {
		return model.SyncFailed, fmt.Errorf("poll %s: %w", integ.Provider, err)
	}

	var errs error
	var accepted, revenue, skipped int64
	patrons := make(map[string]struct{})

	for _, e := range events {
		res, err := o.ledger.Append(e)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("append %s: %w", e.ExternalID, err))
			continue
		}
		o.countEvent(integ, res, e, "poll")
		if !res.Accepted {
			if res.Reason == store.ReasonInvalid {
				skipped++
			}
			continue
		}
		accepted++
		revenue += e.AmountCents
		if res.PatronID != nil {
			patrons[*res.PatronID] = struct{}{}
		}
	}

	if len(patrons) > 0 {
		ids := make([]string, 0, len(patrons))
		for pid := range patrons {
			ids = append(ids, pid)
		}
		now := o.venueNow(integ)
		if err := o.pipeline.RecomputePatrons(ctx, integ.VenueID, ids, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recompute: %w", err))
		}
	}

	if skipped > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%d events skipped as invalid", skipped))
	}

	if accepted > 0 || skipped > 0 {
		o.integrations.AddStats(integ.ID, accepted, revenue, skipped)
	}

	o.logger.Info("sync cycle complete",
		"integration_id", integ.ID, "provider", integ.Provider,
		"polled", len(events), "accepted", accepted, "skipped", skipped)

	if errs != nil {
		return model.SyncPartial, errs
	}
	return model.SyncSuccess, nil
}

func (o *Orchestrator) countEvent(integ *model.POSIntegration, res store.AppendResult, e model.TransactionEvent, source string) {
	provider := string(integ.Provider)
	switch {
	case res.Accepted:
		metrics.EventsIngested.WithLabelValues(provider, source).Inc()
	case res.Reason == store.ReasonDuplicate:
		metrics.EventsDuplicate.WithLabelValues(provider, source).Inc()
	case res.Reason == store.ReasonInvalid:
		metrics.EventsSkipped.WithLabelValues(provider, source).Inc()
		o.logger.Warn("event skipped",
			"integration_id", integ.ID, "external_id", e.ExternalID,
			"source", source, "reason", res.Detail)
	}
}

// venueNow returns the current time in the integration's venue timezone, which
// is what live-window rules are evaluated against.
func (o *Orchestrator) venueNow(integ *model.POSIntegration) time.Time {
	loc, err := time.LoadLocation(integ.Timezone)
	if err != nil {
		o.logger.Warn("bad venue timezone, using UTC",
			"integration_id", integ.ID, "timezone", integ.Timezone)
		loc = time.UTC
	}
	return time.Now().In(loc)
}

func (o *Orchestrator) interval(integ *model.POSIntegration) time.Duration {
	if integ.IntervalSeconds > 0 {
		return time.Duration(integ.IntervalSeconds) * time.Second
	}
	if o.cfg.DefaultIntervalSeconds > 0 {
		return time.Duration(o.cfg.DefaultIntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

func (o *Orchestrator) connectorTimeout() time.Duration {
	if o.cfg.ConnectorTimeoutSecs > 0 {
		return time.Duration(o.cfg.ConnectorTimeoutSecs) * time.Second
	}
	return 30 * time.Second
}

func (o *Orchestrator) maxFailures() int {
	if o.cfg.MaxConsecutiveFailures > 0 {
		return o.cfg.MaxConsecutiveFailures
	}
	return 5
}

func credentials(integ *model.POSIntegration) pos.Credentials {
	return pos.Credentials{
		AccessToken:   integ.AccessToken,
		LocationID:    integ.LocationID,
		WebhookSecret: integ.WebhookSecret,
	}
}

func venueLabel(venueID int64) string {
	return fmt.Sprintf("%d", venueID)
}
