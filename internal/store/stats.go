package store

// Stats computes aggregate cache statistics on demand. Size is an
// estimate: message text plus recorded media file sizes.
func (db *DB) Stats() (*Stats, error) {
	var s Stats
	var msgSize int64
	err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(body) + LENGTH(media_url)), 0)
		FROM messages`).Scan(&s.MessageCount, &msgSize)
	if err != nil {
		return nil, err
	}

	var mediaSize int64
	err = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(file_size), 0)
		FROM media_metadata`).Scan(&s.MediaCount, &mediaSize)
	if err != nil {
		return nil, err
	}

	s.TotalSize = msgSize + mediaSize
	return &s, nil
}

// ListEvictionCandidates returns up to limit records across messages and
// media metadata, least recently accessed first.
func (db *DB) ListEvictionCandidates(limit int) ([]EvictionCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT kind, key, conversation_id, size, last_accessed FROM (
			SELECT 'message' AS kind, msg_id AS key, conversation_id, LENGTH(body) + LENGTH(media_url) AS size, last_accessed FROM messages
			UNION ALL
			SELECT 'media' AS kind, url AS key, '' AS conversation_id, file_size AS size, last_accessed FROM media_metadata
		)
		ORDER BY last_accessed ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EvictionCandidate
	for rows.Next() {
		var c EvictionCandidate
		if err := rows.Scan(&c.Kind, &c.Key, &c.ConversationID, &c.Size, &c.LastAccessed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
