package store

// SearchMessages performs a full-text search on message bodies.
func (db *DB) SearchMessages(query string, chatGUID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.chat_guid, m.msg_id, m.sender, m.from_me, m.text, m.created_at,
		       m.delivered_at, m.read_at, m.status, m.error_code, m.effect_id, m.source,
		       m.reply_to_id, m.attachment_count,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ? AND m.tombstone = 0`

	args := []any{query}
	if chatGUID != "" {
		q += ` AND m.chat_guid = ?`
		args = append(args, chatGUID)
	}
	q += ` ORDER BY m.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(&m.ID, &m.ChatGUID, &m.MsgID, &m.Sender, &m.FromMe, &m.Text, &m.CreatedAt,
			&m.DeliveredAt, &m.ReadAt, &m.Status, &m.ErrorCode, &m.EffectID, &m.Source,
			&m.ReplyToID, &m.AttachmentCount, &r.Snippet); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
