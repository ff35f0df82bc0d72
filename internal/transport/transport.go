// Package transport talks to the upstream bridge server: a websocket for
// real-time push and a JSON REST surface for sends and range queries.
package transport

import (
	"context"

	"github.com/lucamoreira/bluebird/internal/store"
)

// SendOptions carries per-message delivery parameters.
type SendOptions struct {
	// Method selects the delivery channel on the server ("imessage" or "sms").
	Method   string
	EffectID string
	// ReplyToID threads the message under an existing one.
	ReplyToID string
}

// Client is the transport surface consumed by the delivery and
// reconciliation layers. Implementations must be safe for concurrent use.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool

	SendText(ctx context.Context, chatGUID, text string, opts SendOptions) (serverMsgID string, err error)
	SendAttachment(ctx context.Context, chatGUID, tempID string, att *store.Attachment, progress func(sent, total int64)) (serverMsgID string, err error)
	SendReaction(ctx context.Context, chatGUID, targetMsgID, kind string) (serverMsgID string, err error)
	RemoveReaction(ctx context.Context, chatGUID, targetMsgID, kind string) error
	SendStartedTyping(ctx context.Context, chatGUID string) error
	SendStoppedTyping(ctx context.Context, chatGUID string) error

	MessagesAfter(ctx context.Context, chatGUID string, afterTs int64, limit int) ([]*store.Message, error)
	MessagesBefore(ctx context.Context, chatGUID string, beforeTs int64, limit, offset int) ([]*store.Message, error)
	ChatExists(ctx context.Context, chatGUID string) (bool, error)
}
