// Package delivery drains the durable outbox: it dispatches queued sends
// over the transport, correlates temporary identifiers with the
// server-assigned ones, and exposes retry/cancel operations for failed
// sends.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/send"
	"github.com/lucamoreira/bluebird/internal/store"
	"github.com/lucamoreira/bluebird/internal/transport"
	"go.uber.org/zap"
)

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	ChatGUID string
	TempID   string
	ServerID string
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ChatGUID string
	TempID   string
	Reason   string
}

// UploadProgress is the payload of message.upload_progress events.
type UploadProgress struct {
	ChatGUID   string
	TempID     string
	SentBytes  int64
	TotalBytes int64
}

// Queuer queues a new outgoing message. Satisfied by send.Coordinator.
type Queuer interface {
	QueueMessage(req send.Request) (*send.PendingSendDescriptor, error)
}

// Service drains the outbox and manages the lifecycle of outgoing
// messages past the point of queueing.
type Service struct {
	db       *store.DB
	client   transport.Client
	bus      *bus.Bus
	queue    Queuer
	logger   *zap.Logger
	interval time.Duration
	kick     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewService creates a delivery service.
func NewService(db *store.DB, client transport.Client, b *bus.Bus, queue Queuer, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		client:   client,
		bus:      b,
		queue:    queue,
		logger:   logger,
		interval: time.Second,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the drain loop. Pending entries survive restarts: anything
// still queued in the outbox is picked up on the first pass.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.drain(ctx)
			case <-s.kick:
				s.drain(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the drain loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Kick wakes the drain loop immediately instead of waiting for the next
// tick. Used after queueing so sends go out without latency.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) drain(ctx context.Context) {
	if !s.client.Connected() {
		return
	}
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read pending outbox", zap.Error(err))
		return
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, &pending[i])
	}
}

func (s *Service) dispatch(ctx context.Context, entry *store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to claim outbox entry", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
		return
	}

	// Materialize the optimistic row so the chat reads back consistently
	// even before server confirmation. The queue-time timestamp keeps the
	// persisted position identical to the reconciled view's.
	created := entry.CreatedAt
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	if err := s.db.UpsertMessage(&store.Message{
		ChatGUID:  entry.ChatGUID,
		MsgID:     entry.ClientMsgID,
		FromMe:    true,
		Text:      entry.Text,
		CreatedAt: created,
		Status:    store.StatusSending,
		Source:    entry.Channel,
		EffectID:  entry.EffectID,
		ReplyToID: entry.ReplyToID,
	}); err != nil {
		s.logger.Error("failed to upsert optimistic message", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
	}

	serverID, err := s.send(ctx, entry)
	if err != nil {
		s.fail(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverID); err != nil {
		s.logger.Error("failed to mark outbox sent", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
	}
	if err := s.db.ReplaceMessageID(entry.ChatGUID, entry.ClientMsgID, serverID); err != nil {
		s.logger.Error("failed to replace message id", zap.Error(err),
			zap.String("temp_id", entry.ClientMsgID), zap.String("server_id", serverID))
	}

	s.bus.Publish(bus.MessageSendAck, SendAck{
		ChatGUID: entry.ChatGUID,
		TempID:   entry.ClientMsgID,
		ServerID: serverID,
	})
	s.logger.Info("message sent",
		zap.String("chat_guid", entry.ChatGUID),
		zap.String("temp_id", entry.ClientMsgID),
		zap.String("server_id", serverID))
}

func (s *Service) send(ctx context.Context, entry *store.OutboxEntry) (string, error) {
	opts := transport.SendOptions{
		Method:    methodForChannel(entry.Channel),
		EffectID:  entry.EffectID,
		ReplyToID: entry.ReplyToID,
	}

	if entry.HasAttachments {
		atts, err := s.db.ListAttachments(entry.ChatGUID, entry.ClientMsgID)
		if err != nil {
			return "", fmt.Errorf("list attachments: %w", err)
		}
		var serverID string
		for i := range atts {
			att := &atts[i]
			serverID, err = s.client.SendAttachment(ctx, entry.ChatGUID, entry.ClientMsgID, att, func(sent, total int64) {
				s.bus.Publish(bus.MessageUploadProgress, UploadProgress{
					ChatGUID:   entry.ChatGUID,
					TempID:     entry.ClientMsgID,
					SentBytes:  sent,
					TotalBytes: total,
				})
			})
			if err != nil {
				return "", fmt.Errorf("send attachment %d: %w", att.Index, err)
			}
		}
		if entry.Text == "" {
			return serverID, nil
		}
	}

	return s.client.SendText(ctx, entry.ChatGUID, entry.Text, opts)
}

func (s *Service) fail(entry *store.OutboxEntry, sendErr error) {
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, sendErr.Error()); err != nil {
		s.logger.Error("failed to mark outbox failed", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
	}
	if msg, err := s.db.GetMessage(entry.ChatGUID, entry.ClientMsgID); err == nil && msg != nil {
		msg.Status = store.StatusFailed
		if err := s.db.UpsertMessage(msg); err != nil {
			s.logger.Error("failed to mark message failed", zap.Error(err), zap.String("temp_id", entry.ClientMsgID))
		}
	}

	s.bus.Publish(bus.MessageSendFailed, SendFailure{
		ChatGUID: entry.ChatGUID,
		TempID:   entry.ClientMsgID,
		Reason:   sendErr.Error(),
	})
	s.logger.Warn("message send failed",
		zap.String("chat_guid", entry.ChatGUID),
		zap.String("temp_id", entry.ClientMsgID),
		zap.Error(sendErr))
}

// RetryMessage requeues a failed send on its original channel.
func (s *Service) RetryMessage(clientMsgID string) error {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no pending send %s", clientMsgID)
	}
	if entry.Status != store.OutboxFailed {
		return fmt.Errorf("send %s is %s, only failed sends can be retried", clientMsgID, entry.Status)
	}
	if err := s.db.RequeueOutbox(clientMsgID, entry.Channel); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// CanRetryAsSms reports whether a failed send can be retried over the
// carrier channel: the send must have failed on the server channel and the
// chat must have a carrier-side identity.
func (s *Service) CanRetryAsSms(clientMsgID string) (bool, error) {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil || entry == nil {
		return false, err
	}
	if entry.Status != store.OutboxFailed || entry.Channel != store.SourceServer {
		return false, nil
	}
	ids, err := s.db.ChatIdentifiers(entry.ChatGUID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if strings.HasPrefix(strings.ToLower(id), "sms;") {
			return true, nil
		}
	}
	return false, nil
}

// RetryAsSms requeues a failed server-channel send over the carrier.
func (s *Service) RetryAsSms(clientMsgID string) error {
	ok, err := s.CanRetryAsSms(clientMsgID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("send %s cannot be retried over sms", clientMsgID)
	}
	if err := s.db.RequeueOutbox(clientMsgID, store.SourceCarrier); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// CancelMessage cancels a queued send before dispatch and tombstones its
// optimistic row. Returns false if dispatch already started.
func (s *Service) CancelMessage(clientMsgID string) (bool, error) {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, fmt.Errorf("no pending send %s", clientMsgID)
	}
	cancelled, err := s.db.MarkOutboxCancelled(clientMsgID)
	if err != nil || !cancelled {
		return cancelled, err
	}
	if err := s.db.SoftDeleteMessage(entry.ChatGUID, clientMsgID); err != nil {
		return true, err
	}
	s.bus.Publish(bus.MessageDeleted, SendFailure{ChatGUID: entry.ChatGUID, TempID: clientMsgID})
	return true, nil
}

// DeleteFailedMessage removes a failed send: the outbox entry goes away and
// the optimistic message row is tombstoned.
func (s *Service) DeleteFailedMessage(clientMsgID string) error {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no pending send %s", clientMsgID)
	}
	if entry.Status != store.OutboxFailed {
		return fmt.Errorf("send %s is %s, only failed sends can be deleted", clientMsgID, entry.Status)
	}
	if err := s.db.DeleteOutbox(clientMsgID); err != nil {
		return err
	}
	if err := s.db.SoftDeleteMessage(entry.ChatGUID, clientMsgID); err != nil {
		return err
	}
	s.bus.Publish(bus.MessageDeleted, SendFailure{ChatGUID: entry.ChatGUID, TempID: clientMsgID})
	return nil
}

// SendReaction sends a tapback to a message and records it locally once the
// server confirms.
func (s *Service) SendReaction(ctx context.Context, chatGUID, targetMsgID, kind string) error {
	if _, err := s.client.SendReaction(ctx, chatGUID, targetMsgID, kind); err != nil {
		return err
	}
	return s.db.UpsertReaction(&store.Reaction{
		ChatGUID:    chatGUID,
		TargetMsgID: targetMsgID,
		Sender:      "me",
		Kind:        kind,
		CreatedAt:   time.Now().UnixMilli(),
	})
}

// RemoveReaction removes a previously sent tapback.
func (s *Service) RemoveReaction(ctx context.Context, chatGUID, targetMsgID, kind string) error {
	if err := s.client.RemoveReaction(ctx, chatGUID, targetMsgID, kind); err != nil {
		return err
	}
	return s.db.RemoveReaction(chatGUID, targetMsgID, "me", kind)
}

// SendStartedTyping signals the typing indicator upstream.
func (s *Service) SendStartedTyping(ctx context.Context, chatGUID string) error {
	return s.client.SendStartedTyping(ctx, chatGUID)
}

// SendStoppedTyping clears the typing indicator upstream.
func (s *Service) SendStoppedTyping(ctx context.Context, chatGUID string) error {
	return s.client.SendStoppedTyping(ctx, chatGUID)
}

// ForwardMessage queues an existing message's text into another chat as a
// fresh send.
func (s *Service) ForwardMessage(srcChatGUID, msgID, dstChatGUID string) (*send.PendingSendDescriptor, error) {
	msg, err := s.db.GetMessage(srcChatGUID, msgID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("no message %s in %s", msgID, srcChatGUID)
	}
	if msg.Text == "" {
		return nil, fmt.Errorf("message %s has no text to forward", msgID)
	}
	return s.queue.QueueMessage(send.Request{ChatGUID: dstChatGUID, Text: msg.Text})
}

func methodForChannel(ch store.Source) string {
	if ch == store.SourceCarrier {
		return "sms"
	}
	return "imessage"
}
