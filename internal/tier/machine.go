package tier

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
)

// TransitionKind classifies the outcome of one Apply call.
type TransitionKind string

const (
	TransitionNone       TransitionKind = "none"
	TransitionUpgraded   TransitionKind = "upgraded"
	TransitionDowngraded TransitionKind = "downgraded"
)

// Transition is the result of applying an evaluation to a patron's state.
type Transition struct {
	Kind  TransitionKind
	State model.PatronTierState
}

// Machine owns patron tier state. Spend-based permanent tiers never regress;
// tiers granted by a live-only rule are re-checked every cycle and fall back
// to the current best match when their window closes. That asymmetry is the
// machine's defining invariant.
type Machine struct {
	states *store.TierStateStore
	rules  *store.RuleStore
	logger *slog.Logger
}

func NewMachine(states *store.TierStateStore, rules *store.RuleStore, logger *slog.Logger) *Machine {
	return &Machine{states: states, rules: rules, logger: logger}
}

// Apply folds the evaluator's matched rule (nil when nothing qualifies) into
// the patron's persisted tier state and reports what changed.
func (m *Machine) Apply(venueID int64, patronID string, matched *model.SpendRule, now time.Time) (Transition, error) {
	current, err := m.states.Get(venueID, patronID)
	if err != nil {
		return Transition{}, fmt.Errorf("apply tier %d/%s: %w", venueID, patronID, err)
	}
	if current == nil {
		current = &model.PatronTierState{
			VenueID:     venueID,
			PatronID:    patronID,
			CurrentTier: model.TierNone,
		}
	}

	matchedTier := model.TierNone
	if matched != nil {
		matchedTier = matched.TierUnlocked
	}

	switch {
	case matchedTier.Rank() > current.CurrentTier.Rank():
		next := *current
		next.CurrentTier = matched.TierUnlocked
		next.AccessLevel = matched.AccessLevel
		next.UnlockedByRuleID = &matched.ID
		unlockedAt := now.UTC()
		next.UnlockedAt = &unlockedAt
		next.LastEvaluatedAt = now.UTC()
		if err := m.states.Upsert(next); err != nil {
			return Transition{}, err
		}
		m.logger.Info("tier upgraded",
			"venue_id", venueID, "patron_id", patronID,
			"from", current.CurrentTier, "to", next.CurrentTier, "rule_id", matched.ID)
		return Transition{Kind: TransitionUpgraded, State: next}, nil

	case matchedTier.Rank() < current.CurrentTier.Rank():
		liveGrant, err := m.heldByLiveRule(current)
		if err != nil {
			return Transition{}, err
		}
		if !liveGrant {
			// Permanent unlock: the tier stays even if spend or rules shifted
			// beneath it. Only an administrative reset removes it.
			next := *current
			next.LastEvaluatedAt = now.UTC()
			if err := m.states.Upsert(next); err != nil {
				return Transition{}, err
			}
			return Transition{Kind: TransitionNone, State: next}, nil
		}

		next := *current
		next.CurrentTier = matchedTier
		next.UnlockedByRuleID = nil
		next.UnlockedAt = nil
		next.AccessLevel = 0
		if matched != nil {
			next.AccessLevel = matched.AccessLevel
			next.UnlockedByRuleID = &matched.ID
			unlockedAt := now.UTC()
			next.UnlockedAt = &unlockedAt
		}
		next.LastEvaluatedAt = now.UTC()
		if err := m.states.Upsert(next); err != nil {
			return Transition{}, err
		}
		m.logger.Info("tier downgraded",
			"venue_id", venueID, "patron_id", patronID,
			"from", current.CurrentTier, "to", next.CurrentTier)
		return Transition{Kind: TransitionDowngraded, State: next}, nil

	default:
		next := *current
		if matched != nil && current.UnlockedByRuleID != nil && *current.UnlockedByRuleID != matched.ID {
			liveGrant, err := m.heldByLiveRule(current)
			if err != nil {
				return Transition{}, err
			}
			if liveGrant {
				// An equal-rank rule still matches while the live grant's
				// window is closed. Hand the grant over so a later rule
				// change cannot take a tier the patron kept qualifying for.
				next.UnlockedByRuleID = &matched.ID
				next.AccessLevel = matched.AccessLevel
			}
		}
		next.LastEvaluatedAt = now.UTC()
		if err := m.states.Upsert(next); err != nil {
			return Transition{}, err
		}
		return Transition{Kind: TransitionNone, State: next}, nil
	}
}

// heldByLiveRule reports whether the patron's current tier was granted by a
// live-only rule. A grant whose rule has since been deleted is treated as
// permanent: without the rule there is no window left to close.
func (m *Machine) heldByLiveRule(state *model.PatronTierState) (bool, error) {
	if state.UnlockedByRuleID == nil {
		return false, nil
	}
	rule, err := m.rules.GetByID(*state.UnlockedByRuleID)
	if err != nil {
		return false, fmt.Errorf("look up granting rule: %w", err)
	}
	if rule == nil {
		return false, nil
	}
	return rule.LiveOnly, nil
}
