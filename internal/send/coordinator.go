package send

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucamoreira/bluebird/internal/config"
	"github.com/lucamoreira/bluebird/internal/store"
	"go.uber.org/zap"
)

// Coordinator validates and durably queues outgoing messages. It assigns a
// temporary client identifier to each request and notifies the acknowledger
// before returning, so callers can render the pending message immediately.
type Coordinator struct {
	db       *store.DB
	recent   *RecentBuffer
	resolver ModeResolver
	ack      Acknowledger
	logger   *zap.Logger
}

// NewCoordinator creates a send coordinator.
func NewCoordinator(db *store.DB, cfg *config.Config, resolver ModeResolver, ack Acknowledger, logger *zap.Logger) *Coordinator {
	if ack == nil {
		ack = NopAcknowledger{}
	}
	return &Coordinator{
		db:       db,
		recent:   NewRecentBuffer(cfg.Send.RecentCapacity, time.Duration(cfg.Send.RecentWindow)),
		resolver: resolver,
		ack:      ack,
		logger:   logger,
	}
}

// QueueMessage validates a request, persists it to the outbox, and returns
// a descriptor for the pending send. Requests with neither text nor
// attachments fail with ErrEmptyMessage before any storage access.
func (c *Coordinator) QueueMessage(req Request) (*PendingSendDescriptor, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	channel := c.resolveChannel(req)

	if text != "" && c.recent.Remember(req.ChatGUID, text) {
		// Advisory only: legitimate repeats ("ok", "yes") are common.
		c.logger.Warn("possible duplicate send",
			zap.String("chat_guid", req.ChatGUID),
			zap.Int("text_len", len(text)))
	}

	tempID := "temp-" + uuid.NewString()
	now := time.Now().UnixMilli()
	entry := &store.OutboxEntry{
		ClientMsgID:    tempID,
		ChatGUID:       req.ChatGUID,
		Text:           text,
		Channel:        store.Source(channel),
		EffectID:       req.EffectID,
		ReplyToID:      req.ReplyToID,
		HasAttachments: len(req.Attachments) > 0,
		CreatedAt:      now,
	}
	atts := make([]store.Attachment, len(req.Attachments))
	for i, a := range req.Attachments {
		atts[i] = store.Attachment{
			ChatGUID:   req.ChatGUID,
			MsgID:      tempID,
			Index:      i,
			Filename:   a.Filename,
			MimeType:   a.MimeType,
			TotalBytes: a.TotalBytes,
		}
	}
	if err := c.db.QueueOutbox(entry, atts...); err != nil {
		return nil, fmt.Errorf("queue outbox: %w", err)
	}

	desc := PendingSendDescriptor{
		TempID:         tempID,
		CreatedAt:      now,
		HasAttachments: len(req.Attachments) > 0,
		ReplyToID:      req.ReplyToID,
		EffectID:       req.EffectID,
		Channel:        channel,
	}
	if text != "" {
		desc.Text = &text
	}

	c.ack.SendQueued(req.ChatGUID, desc)

	c.logger.Debug("message queued",
		zap.String("chat_guid", req.ChatGUID),
		zap.String("temp_id", tempID),
		zap.String("channel", channel))
	return &desc, nil
}

func (c *Coordinator) resolveChannel(req Request) string {
	auto := string(store.SourceServer)
	if c.resolver != nil {
		auto = c.resolver.ResolveChannel(req.ChatGUID)
	}
	// Carrier-only chats cannot be reached over the server channel, so the
	// chat's classification wins even over an explicit server-mode request.
	if auto == string(store.SourceCarrier) {
		return auto
	}
	switch req.Mode {
	case ModeCarrier:
		return string(store.SourceCarrier)
	case ModeServer:
		return string(store.SourceServer)
	default:
		return auto
	}
}
