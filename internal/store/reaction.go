package store

import "time"

// UpsertReaction records a reaction on a target message (idempotent per
// chat, target, sender and kind).
func (db *DB) UpsertReaction(r *Reaction) error {
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO reactions (chat_guid, target_msg_id, sender, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_guid, target_msg_id, sender, kind) DO NOTHING`,
		r.ChatGUID, r.TargetMsgID, r.Sender, r.Kind, createdAt)
	return err
}

// RemoveReaction deletes a reaction.
func (db *DB) RemoveReaction(chatGUID, targetMsgID, sender, kind string) error {
	_, err := db.Exec(`
		DELETE FROM reactions WHERE chat_guid = ? AND target_msg_id = ? AND sender = ? AND kind = ?`,
		chatGUID, targetMsgID, sender, kind)
	return err
}

// ListReactions returns reactions for a target message.
func (db *DB) ListReactions(chatGUID, targetMsgID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT id, chat_guid, target_msg_id, sender, kind, created_at
		FROM reactions WHERE chat_guid = ? AND target_msg_id = ? ORDER BY created_at ASC`,
		chatGUID, targetMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.ChatGUID, &r.TargetMsgID, &r.Sender, &r.Kind, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
