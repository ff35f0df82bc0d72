// Package send implements the send coordinator: validation, temporary ID
// assignment, durable queueing, and advisory duplicate detection for
// outgoing messages.
package send

import (
	"errors"
	"strings"
)

// ErrEmptyMessage is returned when a send request carries neither text nor
// attachments.
var ErrEmptyMessage = errors.New("message has no text or attachments")

// Mode selects the delivery channel for a send request.
type Mode string

const (
	// ModeAuto lets the resolver pick a channel based on the chat.
	ModeAuto Mode = "auto"
	// ModeServer forces the bridge server channel (iMessage).
	ModeServer Mode = "server"
	// ModeCarrier forces the carrier channel (SMS).
	ModeCarrier Mode = "carrier"
)

// AttachmentInput describes one attachment to send.
type AttachmentInput struct {
	Filename   string
	MimeType   string
	TotalBytes int64
	Path       string
}

// Request is one outgoing message as submitted by a caller.
type Request struct {
	ChatGUID    string
	Text        string
	Attachments []AttachmentInput
	Mode        Mode
	EffectID    string
	ReplyToID   string
}

// PendingSendDescriptor describes a queued message before server
// confirmation. Text is nil for attachment-only sends.
type PendingSendDescriptor struct {
	TempID         string
	Text           *string
	CreatedAt      int64
	HasAttachments bool
	ReplyToID      string
	EffectID       string
	Channel        string
}

// ModeResolver decides the delivery channel for a chat when the caller
// requested ModeAuto.
type ModeResolver interface {
	ResolveChannel(chatGUID string) string
}

// Acknowledger is notified after a request has been durably queued, before
// QueueMessage returns. The reconciler uses this to insert the optimistic
// entry synchronously.
type Acknowledger interface {
	SendQueued(chatGUID string, desc PendingSendDescriptor)
}

// NopAcknowledger ignores queue notifications.
type NopAcknowledger struct{}

func (NopAcknowledger) SendQueued(string, PendingSendDescriptor) {}

// GUIDResolver picks the delivery channel from the chat identifier's
// service prefix: chats addressed as "SMS;-;..." go over the carrier,
// everything else over the bridge server.
type GUIDResolver struct{}

func (GUIDResolver) ResolveChannel(chatGUID string) string {
	if strings.HasPrefix(strings.ToLower(chatGUID), "sms;") {
		return "carrier"
	}
	return "server"
}
