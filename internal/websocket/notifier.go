package websocket

import (
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/tier"
)

// Notifier adapts the hub to the sync pipeline's event callbacks.
type Notifier struct {
	hub *Hub
}

func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

// TierChanged broadcasts tier_upgraded or tier_downgraded for a patron.
func (n *Notifier) TierChanged(kind tier.TransitionKind, state model.PatronTierState) {
	data := map[string]any{
		"tier":         string(state.CurrentTier),
		"access_level": state.AccessLevel,
	}
	if state.UnlockedByRuleID != nil {
		data["rule_id"] = *state.UnlockedByRuleID
	}
	n.hub.Broadcast(Message{
		Type:     "tier_" + string(kind),
		VenueID:  state.VenueID,
		PatronID: state.PatronID,
		Data:     data,
	})
}

// SyncCompleted broadcasts the outcome of one sync cycle.
func (n *Notifier) SyncCompleted(venueID, integrationID int64, provider model.Provider, status model.SyncStatus) {
	n.hub.Broadcast(Message{
		Type:    "sync_completed",
		VenueID: venueID,
		Data: map[string]any{
			"integration_id": integrationID,
			"provider":       string(provider),
			"status":         string(status),
		},
	})
}
