package tier

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
	"github.com/velvetclub/velvet/internal/timewindow"
)

// Evaluator picks the single winning spend rule for an aggregate at a moment
// in time. It reads rules as an immutable snapshot per call; edits apply to
// the next evaluation.
type Evaluator struct {
	rules  *store.RuleStore
	logger *slog.Logger
}

func NewEvaluator(rules *store.RuleStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{rules: rules, logger: logger}
}

// Evaluate returns the best active rule whose threshold is met and whose live
// window (if any) contains now in venue-local time, or nil when no rule
// qualifies — a valid outcome, not an error. now must already be in the
// venue's location.
func (ev *Evaluator) Evaluate(venueID int64, agg *model.SpendAggregate, now time.Time) (*model.SpendRule, error) {
	if agg == nil {
		return nil, nil
	}

	rules, err := ev.rules.ListActiveByVenue(venueID)
	if err != nil {
		return nil, fmt.Errorf("evaluate venue %d: %w", venueID, err)
	}

	var winner *model.SpendRule
	for i := range rules {
		r := &rules[i]
		if r.ThresholdCents > agg.LifetimeSpend {
			continue
		}
		if r.LiveOnly {
			w, err := timewindow.Parse(r.LiveStart, r.LiveEnd)
			if err != nil {
				// Should have been rejected at upsert; skip rather than fail the cycle.
				ev.logger.Warn("skipping rule with bad window", "rule_id", r.ID, "error", err)
				continue
			}
			if !w.Contains(now) {
				continue
			}
		}
		if winner == nil || beats(r, winner) {
			winner = r
		}
	}

	if winner == nil {
		return nil, nil
	}
	w := *winner
	return &w, nil
}

// beats reports whether a outranks b: higher tier rank, then higher priority,
// then lower threshold (the cheapest rule at that tier), then lowest id
// lexically as the tie-break of last resort.
func beats(a, b *model.SpendRule) bool {
	if ra, rb := a.TierUnlocked.Rank(), b.TierUnlocked.Rank(); ra != rb {
		return ra > rb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.ThresholdCents != b.ThresholdCents {
		return a.ThresholdCents < b.ThresholdCents
	}
	return a.ID < b.ID
}
