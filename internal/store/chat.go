package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record. Last-message fields only move
// forward so an out-of-order history batch cannot regress the preview.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (guid, display_name, service, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			service = excluded.service,
			unread_count = excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.GUID, c.DisplayName, c.Service, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT guid, display_name, service, unread_count, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.GUID, &c.DisplayName, &c.Service, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by GUID, or nil when absent.
func (db *DB) GetChat(guid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT guid, display_name, service, unread_count, last_message_at, last_message_preview
		FROM chats WHERE guid = ?`, guid).
		Scan(&c.GUID, &c.DisplayName, &c.Service, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetChatIdentifiers replaces the merged-identifier set for a chat.
func (db *DB) SetChatIdentifiers(chatGUID string, guids []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chat_identifiers WHERE chat_guid = ?`, chatGUID); err != nil {
		return err
	}
	for _, g := range guids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO chat_identifiers (chat_guid, guid) VALUES (?, ?)`, chatGUID, g); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChatIdentifiers returns the merged-identifier set for a chat.
func (db *DB) ChatIdentifiers(chatGUID string) ([]string, error) {
	rows, err := db.Query(`SELECT guid FROM chat_identifiers WHERE chat_guid = ?`, chatGUID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var guids []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		guids = append(guids, g)
	}
	return guids, rows.Err()
}

// MarkChatRead clears the unread counter and stamps unread incoming
// messages as read.
func (db *DB) MarkChatRead(chatGUID string) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE guid = ?`, now, chatGUID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE messages SET read_at = ?, status = ?
		WHERE chat_guid = ? AND from_me = 0 AND read_at = 0 AND tombstone = 0`,
		now, StatusRead, chatGUID); err != nil {
		return err
	}
	return tx.Commit()
}
