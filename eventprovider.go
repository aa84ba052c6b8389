package gomatrixstateres

import (
	"context"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
)

// An EventProvider looks up events by ID. Resolution treats a missing event
// as fatal while collecting auth chains and the conflicted set, and as a
// rejection during the authorization passes.
type EventProvider interface {
	Event(eventID string) (PDU, bool)
}

// EventProviderFunc adapts a function to an EventProvider.
type EventProviderFunc func(eventID string) (PDU, bool)

func (f EventProviderFunc) Event(eventID string) (PDU, bool) {
	return f(eventID)
}

// EventMap is an in-memory EventProvider.
type EventMap map[string]PDU

// NewEventMap indexes events by their ID.
func NewEventMap(events ...PDU) EventMap {
	m := make(EventMap, len(events))
	for _, event := range events {
		m[event.EventID()] = event
	}
	return m
}

func (m EventMap) Event(eventID string) (PDU, bool) {
	e, ok := m[eventID]
	return e, ok
}

// Add inserts or replaces events.
func (m EventMap) Add(events ...PDU) {
	for _, event := range events {
		m[event.EventID()] = event
	}
}

// ContextEventProvider adapts a blocking, cancellable event store. Once ctx
// is done every lookup reports the event as missing. Fetch errors are logged
// and also reported as missing.
func ContextEventProvider(ctx context.Context, fetch func(ctx context.Context, eventID string) (PDU, error)) EventProvider {
	return EventProviderFunc(func(eventID string) (PDU, bool) {
		if ctx.Err() != nil {
			return nil, false
		}
		event, err := fetch(ctx, eventID)
		if err != nil {
			util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
				"event_id": eventID,
			}).Warn("Failed to fetch event")
			return nil, false
		}
		return event, event != nil
	})
}
