package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on chat_guid +
// msg_id). Tombstoned rows are never resurrected: a concurrent sync pass
// re-delivering a deleted message leaves the tombstone in place.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_guid, msg_id, sender, from_me, text, created_at, delivered_at, read_at,
			status, error_code, effect_id, source, reply_to_id, attachment_count, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_guid, msg_id) DO UPDATE SET
			sender = excluded.sender,
			text = excluded.text,
			delivered_at = MAX(messages.delivered_at, excluded.delivered_at),
			read_at = MAX(messages.read_at, excluded.read_at),
			status = excluded.status,
			error_code = excluded.error_code,
			attachment_count = excluded.attachment_count
		WHERE messages.tombstone = 0`,
		m.ChatGUID, m.MsgID, m.Sender, m.FromMe, m.Text, m.CreatedAt, m.DeliveredAt, m.ReadAt,
		m.Status, m.ErrorCode, m.EffectID, m.Source, m.ReplyToID, m.AttachmentCount, now)
	return err
}

// GetMessage returns a message by identifier within a chat, or nil.
func (db *DB) GetMessage(chatGUID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, chat_guid, msg_id, sender, from_me, text, created_at, delivered_at, read_at,
			status, error_code, effect_id, source, reply_to_id, attachment_count
		FROM messages WHERE chat_guid = ? AND msg_id = ? AND tombstone = 0`, chatGUID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// IsTombstoned reports whether a message was soft deleted.
func (db *DB) IsTombstoned(chatGUID, msgID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_guid = ? AND msg_id = ? AND tombstone = 1`,
		chatGUID, msgID).Scan(&n)
	return n > 0, err
}

// ReplaceMessageID swaps a temporary identifier for its durable counterpart
// in place, preserving the row (and therefore position-stable fields). If a
// row with the durable identifier already arrived through another channel,
// the temporary row is dropped instead so exactly one record remains.
func (db *DB) ReplaceMessageID(chatGUID, tempID, durableID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_guid = ? AND msg_id = ?`, chatGUID, durableID).Scan(&existing)
	if err != nil {
		return err
	}

	if existing > 0 {
		if _, err := tx.Exec(`DELETE FROM messages WHERE chat_guid = ? AND msg_id = ?`, chatGUID, tempID); err != nil {
			return err
		}
	} else {
		res, err := tx.Exec(`UPDATE messages SET msg_id = ?, status = ? WHERE chat_guid = ? AND msg_id = ?`,
			durableID, StatusSent, chatGUID, tempID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("replace message id: no row for %s", tempID)
		}
	}

	if _, err := tx.Exec(`UPDATE attachments SET msg_id = ? WHERE chat_guid = ? AND msg_id = ?`,
		durableID, chatGUID, tempID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE reactions SET target_msg_id = ? WHERE chat_guid = ? AND target_msg_id = ?`,
		durableID, chatGUID, tempID); err != nil {
		return err
	}
	return tx.Commit()
}

// SoftDeleteMessage tombstones a message. The row survives so a later sync
// pass cannot resurrect it.
func (db *DB) SoftDeleteMessage(chatGUID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET tombstone = 1, text = '' WHERE chat_guid = ? AND msg_id = ?`,
		chatGUID, msgID)
	return err
}

// ListMessages returns visible messages for a chat using keyset pagination
// by creation timestamp, newest first. Identifier is the tie break.
func (db *DB) ListMessages(chatGUID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_guid, msg_id, sender, from_me, text, created_at, delivered_at, read_at,
			status, error_code, effect_id, source, reply_to_id, attachment_count
		FROM messages
		WHERE chat_guid = ? AND created_at < ? AND tombstone = 0
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, chatGUID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// ListMessagesAfter returns visible messages newer than afterTs, oldest
// first, bounded by limit.
func (db *DB) ListMessagesAfter(chatGUID string, afterTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, chat_guid, msg_id, sender, from_me, text, created_at, delivered_at, read_at,
			status, error_code, effect_id, source, reply_to_id, attachment_count
		FROM messages
		WHERE chat_guid = ? AND created_at > ? AND tombstone = 0
		ORDER BY created_at ASC, msg_id ASC
		LIMIT ?`, chatGUID, afterTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// CountMessages returns the number of visible messages in a chat.
func (db *DB) CountMessages(chatGUID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_guid = ? AND tombstone = 0`, chatGUID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatGUID, &m.MsgID, &m.Sender, &m.FromMe, &m.Text, &m.CreatedAt,
		&m.DeliveredAt, &m.ReadAt, &m.Status, &m.ErrorCode, &m.EffectID, &m.Source,
		&m.ReplyToID, &m.AttachmentCount)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
