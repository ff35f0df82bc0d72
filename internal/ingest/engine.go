// Package ingest performs idempotent ingestion of server messages into the
// store. It subscribes to "server." events on the bus and processes them;
// the transport layer never touches the store directly.
package ingest

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/store"
	"go.uber.org/zap"
)

// Engine handles ingestion of pushed and polled messages.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new ingest engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{db: db, bus: b, logger: logger}
}

// Start subscribes to inbound server events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("server.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.ServerMessage, bus.ServerMessageUpdated:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.ServerHistoryBatch:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		if err := e.IngestBatch(msgs); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(msgs)))
		} else {
			e.logger.Info("history batch ingested", zap.Int("messages", len(msgs)))
		}
	}
}

// IngestMessage processes a single message into the store (idempotent) and
// publishes message.upserted for the reconcilers.
func (e *Engine) IngestMessage(msg *store.Message) error {
	if err := e.db.UpsertChat(&store.Chat{
		GUID:               msg.ChatGUID,
		Service:            serviceForSource(msg.Source),
		LastMessageAt:      msg.CreatedAt,
		LastMessagePreview: truncate(msg.Text, 100),
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.MessageUpserted, msg)
	return nil
}

// IngestBatch processes a batch of messages in a single transaction.
func (e *Engine) IngestBatch(msgs []*store.Message) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO chats (guid, service, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(guid) DO UPDATE SET
				last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
				updated_at = excluded.updated_at`,
			m.ChatGUID, serviceForSource(m.Source), m.CreatedAt, truncate(m.Text, 100), now); err != nil {
			return fmt.Errorf("upsert chat in batch: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO messages (chat_guid, msg_id, sender, from_me, text, created_at, delivered_at, read_at,
				status, error_code, effect_id, source, reply_to_id, attachment_count, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_guid, msg_id) DO UPDATE SET
				sender = excluded.sender,
				text = excluded.text,
				delivered_at = MAX(messages.delivered_at, excluded.delivered_at),
				read_at = MAX(messages.read_at, excluded.read_at),
				status = excluded.status
			WHERE messages.tombstone = 0`,
			m.ChatGUID, m.MsgID, m.Sender, m.FromMe, m.Text, m.CreatedAt, m.DeliveredAt, m.ReadAt,
			m.Status, m.ErrorCode, m.EffectID, m.Source, m.ReplyToID, m.AttachmentCount, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	for _, m := range msgs {
		e.bus.Publish(bus.MessageUpserted, m)
	}
	return nil
}

func serviceForSource(src store.Source) string {
	if src == store.SourceCarrier {
		return "SMS"
	}
	return "iMessage"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
