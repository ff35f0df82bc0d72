package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a pending outgoing message to the durable send queue,
// together with its attachment records, in one transaction: a failure on
// any insert leaves nothing queued. The caller supplies the pre-generated
// temporary identifier so the eventual durable record can be correlated.
// A zero CreatedAt is stamped with the current time.
func (db *DB) QueueOutbox(e *OutboxEntry, atts ...Attachment) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO outbox (client_msg_id, chat_guid, text, channel, effect_id, reply_to_id, has_attachments, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ChatGUID, e.Text, e.Channel, e.EffectID, e.ReplyToID, e.HasAttachments, e.CreatedAt, now); err != nil {
		return err
	}
	for _, a := range atts {
		if _, err := tx.Exec(`
			INSERT INTO attachments (chat_guid, msg_id, idx, filename, mime_type, total_bytes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ChatGUID, a.MsgID, a.Index, a.Filename, a.MimeType, a.TotalBytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetOutbox returns one outbox entry by client message ID, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, chat_guid, text, channel, effect_id, reply_to_id, has_attachments,
			status, retry_count, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ChatGUID, &e.Text, &e.Channel, &e.EffectID, &e.ReplyToID,
			&e.HasAttachments, &e.Status, &e.RetryCount, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_guid, text, channel, effect_id, reply_to_id, has_attachments,
			status, retry_count, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatGUID, &e.Text, &e.Channel, &e.EffectID,
			&e.ReplyToID, &e.HasAttachments, &e.Status, &e.RetryCount, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxSending)
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, now, clientMsgID)
	return err
}

// MarkOutboxCancelled updates an outbox entry to 'cancelled'. Only entries
// that have not started sending can be cancelled.
func (db *DB) MarkOutboxCancelled(clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'cancelled', updated_at = ? WHERE client_msg_id = ? AND status = 'queued'`,
		now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueOutbox puts a failed entry back in the queue, optionally switching
// its delivery channel, and bumps the retry counter.
func (db *DB) RequeueOutbox(clientMsgID string, channel Source) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', channel = ?, retry_count = retry_count + 1,
			error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`,
		channel, now, clientMsgID)
	return err
}

// DeleteOutbox removes an outbox entry.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

func (db *DB) setOutboxStatus(clientMsgID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ?`, status, now, clientMsgID)
	return err
}
