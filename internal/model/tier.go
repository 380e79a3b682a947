package model

import "time"

// Tier is a ranked membership level unlocked by cumulative spend.
type Tier string

const (
	TierNone     Tier = "NONE"
	TierRegular  Tier = "REGULAR"
	TierPlatinum Tier = "PLATINUM"
	TierWhale    Tier = "WHALE"
)

var tierRanks = map[Tier]int{
	TierNone:     0,
	TierRegular:  1,
	TierPlatinum: 2,
	TierWhale:    3,
}

// Rank returns the ordering position of the tier. Unknown tiers rank below
// NONE so they can never win an evaluation.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// ValidTier reports whether t is a known tier above NONE.
func ValidTier(t Tier) bool {
	return t.Rank() > 0
}

// PatronTierState is the current tier held by one patron at one venue. It is
// owned by the tier state machine and only mutated through its transitions.
type PatronTierState struct {
	VenueID          int64      `json:"venue_id"`
	PatronID         string     `json:"patron_id"`
	CurrentTier      Tier       `json:"current_tier"`
	AccessLevel      int        `json:"access_level"`
	UnlockedByRuleID *string    `json:"unlocked_by_rule_id"`
	UnlockedAt       *time.Time `json:"unlocked_at"`
	LastEvaluatedAt  time.Time  `json:"last_evaluated_at"`
}
