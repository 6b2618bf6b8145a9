package realtime

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/presence/internal/store"
)

// Observer receives counts of inbound traffic for metrics.
type Observer interface {
	ObserveInbound(messageType string)
	ObserveDropped(reason string)
	ObserveReconnect()
	ObserveChannelState(state string)
}

type nopObserver struct{}

func (nopObserver) ObserveInbound(string)      {}
func (nopObserver) ObserveDropped(string)      {}
func (nopObserver) ObserveReconnect()          {}
func (nopObserver) ObserveChannelState(string) {}

// Dispatcher applies decoded messages to the store.
type Dispatcher struct {
	store    *store.Store
	logger   *slog.Logger
	observer Observer
}

// NewDispatcher creates a dispatcher writing into st.
func NewDispatcher(st *store.Store, logger *slog.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		store:    st,
		logger:   logger.With("component", "dispatch"),
		observer: observer,
	}
}

// Run applies messages from inbox in order until ctx is done or inbox closes.
func (d *Dispatcher) Run(ctx context.Context, inbox <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			d.Apply(msg)
		}
	}
}

// Apply writes one message into the store.
func (d *Dispatcher) Apply(msg Message) {
	d.observer.ObserveInbound(string(msg.Type()))

	switch m := msg.(type) {
	case PresenceUpdate:
		p := m.Presence
		d.store.Upsert(p.UserID, p.Status, p.LastSeen, p.IsTyping)

	case TypingIndicator:
		d.store.SetTyping(m.UserID, m.ConversationID, m.IsTyping)

	case InitialPresences:
		for _, p := range m.Presences {
			d.store.Upsert(p.UserID, p.Status, p.LastSeen, p.IsTyping)
		}
		if m.Skipped > 0 {
			d.logger.Warn("dropped malformed entries from initial presences", "count", m.Skipped)
			d.observer.ObserveDropped("malformed_entry")
		}
		d.logger.Debug("applied initial presences", "count", len(m.Presences))
	}
}
