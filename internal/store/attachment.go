package store

// AddAttachment records one attachment for a message.
func (db *DB) AddAttachment(a *Attachment) error {
	_, err := db.Exec(`
		INSERT INTO attachments (chat_guid, msg_id, idx, filename, mime_type, total_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_guid, msg_id, idx) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			total_bytes = excluded.total_bytes`,
		a.ChatGUID, a.MsgID, a.Index, a.Filename, a.MimeType, a.TotalBytes)
	return err
}

// ListAttachments returns the attachments of a message in index order.
func (db *DB) ListAttachments(chatGUID, msgID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, chat_guid, msg_id, idx, filename, mime_type, total_bytes
		FROM attachments WHERE chat_guid = ? AND msg_id = ? ORDER BY idx ASC`, chatGUID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ChatGUID, &a.MsgID, &a.Index, &a.Filename, &a.MimeType, &a.TotalBytes); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
