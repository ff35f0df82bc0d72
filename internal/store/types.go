package store

// Source classifies the channel a message travelled through.
type Source string

const (
	// SourceServer marks messages relayed by the bridge server (iMessage).
	SourceServer Source = "server"
	// SourceCarrier marks messages on the carrier channel (SMS/MMS fallback).
	SourceCarrier Source = "carrier"
)

// Message delivery statuses.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// Chat represents a synced conversation.
type Chat struct {
	GUID               string
	DisplayName        string
	Service            string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents one chat message, local or remote. MsgID is the
// server-assigned identifier once confirmed; until then it carries the
// client-generated temporary identifier.
type Message struct {
	ID              int64
	ChatGUID        string
	MsgID           string
	Sender          string
	FromMe          bool
	Text            string
	CreatedAt       int64
	DeliveredAt     int64
	ReadAt          int64
	Status          string
	ErrorCode       int
	EffectID        string
	Source          Source
	ReplyToID       string
	AttachmentCount int
}

// Attachment describes one attachment of a message.
type Attachment struct {
	ID         int64
	ChatGUID   string
	MsgID      string
	Index      int
	Filename   string
	MimeType   string
	TotalBytes int64
}

// Reaction is a tapback-style reaction attached to a target message.
type Reaction struct {
	ID          int64
	ChatGUID    string
	TargetMsgID string
	Sender      string
	Kind        string
	CreatedAt   int64
}

// Outbox entry statuses.
const (
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxSent      = "sent"
	OutboxFailed    = "failed"
	OutboxCancelled = "cancelled"
)

// OutboxEntry represents a durable pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ChatGUID       string
	Text           string
	Channel        Source
	EffectID       string
	ReplyToID      string
	HasAttachments bool
	Status         string
	RetryCount     int
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
