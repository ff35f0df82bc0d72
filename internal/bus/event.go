package bus

import "time"

// Kind identifies an event category. Kinds are dot-separated and
// subscribers filter by prefix, e.g. "message." matches every
// message-related kind.
type Kind string

const (
	// Published by the transport layer after parsing server frames.
	ServerMessage        Kind = "server.message"
	ServerMessageUpdated Kind = "server.message_updated"
	ServerTyping         Kind = "server.typing"
	ServerHistoryBatch   Kind = "server.history_batch"

	// Published once the store has been mutated.
	MessageUpserted       Kind = "message.upserted"
	MessageSendAck        Kind = "message.send_ack"
	MessageSendFailed     Kind = "message.send_failed"
	MessageDeleted        Kind = "message.deleted"
	MessageUploadProgress Kind = "message.upload_progress"

	// Connection lifecycle.
	TransportConnected    Kind = "transport.connected"
	TransportDisconnected Kind = "transport.disconnected"
	SessionStatusChanged  Kind = "session.status_changed"

	// Per-chat view changes, published by the reconciler.
	ViewUpdated Kind = "view.updated"
)

// Event is a domain event delivered to bus subscribers.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}
