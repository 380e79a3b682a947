package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/tier"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		conn: nil,
		send: make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcast(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	hub.Broadcast(Message{
		Type:     "tier_upgraded",
		VenueID:  1,
		PatronID: "patron-42",
		Data:     map[string]any{"tier": "PLATINUM"},
	})

	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "tier_upgraded" {
				t.Errorf("expected type tier_upgraded, got %s", got.Type)
			}
			if got.PatronID != "patron-42" {
				t.Errorf("expected patron-42, got %s", got.PatronID)
			}
			if got.Data["tier"] != "PLATINUM" {
				t.Errorf("expected tier PLATINUM, got %v", got.Data["tier"])
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}

	hub.Unregister(c1)
	hub.Unregister(c2)
}

func TestBroadcastScopedToVenue(t *testing.T) {
	hub := NewHub(slog.Default())

	mine := mockClient(hub)
	mine.venueID = 1
	other := mockClient(hub)
	other.venueID = 2
	all := mockClient(hub)
	hub.Register(mine)
	hub.Register(other)
	hub.Register(all)

	hub.Broadcast(Message{Type: "tier_upgraded", VenueID: 1, PatronID: "patron-1"})

	for _, c := range []*Client{mine, all} {
		select {
		case <-c.send:
		case <-time.After(100 * time.Millisecond):
			t.Fatal("subscribed client missed the message")
		}
	}
	select {
	case <-other.send:
		t.Fatal("client for venue 2 received venue 1's message")
	default:
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.Broadcast(Message{Type: "sync_completed"})
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub)
	hub.Register(c)

	// Fill the send buffer
	for i := 0; i < sendBufferSize; i++ {
		hub.Broadcast(Message{Type: "sync_completed", VenueID: int64(i)})
	}

	// This should drop the message, not panic or block
	hub.Broadcast(Message{Type: "sync_completed", VenueID: 999})

	// Drain to verify buffer was full
	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestNotifierTierChanged(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)

	ruleID := "rule-1"
	NewNotifier(hub).TierChanged(tier.TransitionUpgraded, model.PatronTierState{
		VenueID:          7,
		PatronID:         "patron-1",
		CurrentTier:      model.TierWhale,
		AccessLevel:      3,
		UnlockedByRuleID: &ruleID,
	})

	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "tier_upgraded" {
			t.Errorf("type = %s, want tier_upgraded", got.Type)
		}
		if got.VenueID != 7 || got.PatronID != "patron-1" {
			t.Errorf("routing = %d/%s, want 7/patron-1", got.VenueID, got.PatronID)
		}
		if got.Data["tier"] != "WHALE" || got.Data["rule_id"] != "rule-1" {
			t.Errorf("data = %v", got.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestNotifierSyncCompleted(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)

	NewNotifier(hub).SyncCompleted(7, 3, model.ProviderToast, model.SyncPartial)

	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "sync_completed" {
			t.Errorf("type = %s, want sync_completed", got.Type)
		}
		if got.Data["status"] != "PARTIAL" || got.Data["provider"] != "TOAST" {
			t.Errorf("data = %v", got.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.Broadcast(Message{Type: "sync_completed"})
			// Drain any messages
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
