// Package telemetry captures user-interaction events and delivers them
// to the analytics endpoint. Delivery is deliberately best-effort:
// batches that fail are requeued and persisted, never surfaced to the
// host application as a fault.
package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Action is the closed set of recordable interaction kinds.
type Action string

const (
	ActionView      Action = "view"
	ActionClick     Action = "click"
	ActionPurchase  Action = "purchase"
	ActionLongView  Action = "long_view"
	ActionAddToCart Action = "add_to_cart"
	ActionSearch    Action = "search"
	ActionFavorite  Action = "favorite"
)

func (a Action) Valid() bool {
	switch a {
	case ActionView, ActionClick, ActionPurchase, ActionLongView, ActionAddToCart, ActionSearch, ActionFavorite:
		return true
	default:
		return false
	}
}

// ActivityEvent is immutable once recorded; Timestamp is stamped at
// capture time when the caller leaves it zero.
type ActivityEvent struct {
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Action      Action         `json:"action"`
	Duration    float64        `json:"duration,omitempty"`
	SearchQuery string         `json:"searchQuery,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (e ActivityEvent) Validate() error {
	if strings.TrimSpace(e.EntityType) == "" {
		return fmt.Errorf("%w: entityType is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("%w: entityId is required", ErrInvalidEvent)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, string(e.Action))
	}
	return nil
}

// PendingRecord is the persisted form of an ActivityEvent awaiting
// delivery. The ID lets a successful resend remove exactly the records
// it sent, leaving concurrently added ones in place.
type PendingRecord struct {
	ID       string        `json:"id"`
	Event    ActivityEvent `json:"event"`
	StoredAt time.Time     `json:"storedAt"`
}

type batchRequest struct {
	Activities []ActivityEvent `json:"activities"`
}

type eventRequest struct {
	EventType string `json:"eventType"`
	EventData any    `json:"eventData,omitempty"`
}
