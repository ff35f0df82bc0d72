package transport

import (
	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/status"
	"github.com/lucamoreira/bluebird/internal/store"
	"go.uber.org/zap"
)

// Event is the closed set of events a transport implementation can emit.
type Event interface{ isTransportEvent() }

// MessageEvent carries a newly received message.
type MessageEvent struct{ Msg *store.Message }

// MessageUpdatedEvent carries a delivery/read/edit update for an existing
// message.
type MessageUpdatedEvent struct{ Msg *store.Message }

// TypingEvent signals a typing indicator change in a chat.
type TypingEvent struct {
	ChatGUID string
	Typing   bool
}

// HistoryBatchEvent carries a batch of historical messages.
type HistoryBatchEvent struct{ Msgs []*store.Message }

// ConnectedEvent signals the push channel came up.
type ConnectedEvent struct{}

// DisconnectedEvent signals the push channel went down.
type DisconnectedEvent struct{ Err error }

func (MessageEvent) isTransportEvent()        {}
func (MessageUpdatedEvent) isTransportEvent() {}
func (TypingEvent) isTransportEvent()         {}
func (HistoryBatchEvent) isTransportEvent()   {}
func (ConnectedEvent) isTransportEvent()      {}
func (DisconnectedEvent) isTransportEvent()   {}

// Handler processes transport events, drives the state machine, and
// publishes domain events on the bus. It does NOT touch the store directly;
// the ingest engine subscribes to the bus independently.
type Handler struct {
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
}

// NewHandler creates a new transport event handler.
func NewHandler(b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Handler {
	return &Handler{bus: b, machine: machine, logger: logger}
}

// Handle is the main transport event dispatch function.
func (h *Handler) Handle(rawEvt Event) {
	switch evt := rawEvt.(type) {
	case MessageEvent:
		if h.machine.Current() == status.Syncing {
			_ = h.machine.Transition(status.Ready)
		}
		h.bus.Publish(bus.ServerMessage, evt.Msg)
	case MessageUpdatedEvent:
		h.bus.Publish(bus.ServerMessageUpdated, evt.Msg)
	case TypingEvent:
		h.bus.Publish(bus.ServerTyping, evt)
	case HistoryBatchEvent:
		if len(evt.Msgs) > 0 {
			h.bus.Publish(bus.ServerHistoryBatch, evt.Msgs)
		}
	case ConnectedEvent:
		h.logger.Info("push channel connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.bus.Publish(bus.TransportConnected, nil)
	case DisconnectedEvent:
		h.logger.Warn("push channel disconnected", zap.Error(evt.Err))
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Publish(bus.TransportDisconnected, evt.Err)
	}
}
