// Package possync runs the synchronization loop between POS providers and the
// transaction ledger, and drives tier evaluation for every patron a cycle
// touches.
package possync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velvetclub/velvet/internal/metrics"
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
	"github.com/velvetclub/velvet/internal/tier"
)

// Broadcaster receives domain events as they happen. The websocket hub
// implements it; a nil-safe no-op is used in tests.
type Broadcaster interface {
	TierChanged(kind tier.TransitionKind, state model.PatronTierState)
	SyncCompleted(venueID, integrationID int64, provider model.Provider, status model.SyncStatus)
}

// Pipeline is the recompute path shared by sync cycles and the on-demand
// management endpoint: fold the ledger into an aggregate, evaluate rules,
// apply the result to the patron's tier state.
type Pipeline struct {
	aggregates *store.AggregateStore
	evaluator  *tier.Evaluator
	machine    *tier.Machine
	broadcast  Broadcaster
	logger     *slog.Logger
}

func NewPipeline(aggregates *store.AggregateStore, evaluator *tier.Evaluator, machine *tier.Machine, broadcast Broadcaster, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		aggregates: aggregates,
		evaluator:  evaluator,
		machine:    machine,
		broadcast:  broadcast,
		logger:     logger,
	}
}

// RecomputePatron rebuilds one patron's aggregate from the ledger and folds the
// evaluation into their tier state. now must be in the venue's local time.
func (p *Pipeline) RecomputePatron(venueID int64, patronID string, now time.Time) (tier.Transition, error) {
	agg, err := p.aggregates.Recompute(venueID, patronID, now)
	if err != nil {
		return tier.Transition{}, fmt.Errorf("recompute %d/%s: %w", venueID, patronID, err)
	}

	matched, err := p.evaluator.Evaluate(venueID, agg, now)
	if err != nil {
		return tier.Transition{}, err
	}

	tr, err := p.machine.Apply(venueID, patronID, matched, now)
	if err != nil {
		return tier.Transition{}, err
	}

	if tr.Kind != tier.TransitionNone {
		metrics.TierTransitions.WithLabelValues(string(tr.Kind)).Inc()
		if p.broadcast != nil {
			p.broadcast.TierChanged(tr.Kind, tr.State)
		}
	}
	return tr, nil
}

// RecomputePatrons runs RecomputePatron for a set of patrons concurrently.
// The first error cancels the remaining work.
func (p *Pipeline) RecomputePatrons(ctx context.Context, venueID int64, patronIDs []string, now time.Time) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, pid := range patronIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := p.RecomputePatron(venueID, pid, now)
			return err
		})
	}
	return g.Wait()
}
