package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on msg_id).
// cached_at never moves backwards and a zero MediaURLFetchedAt does not
// clobber a previously recorded fetch time.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	cachedAt := m.CachedAt
	if cachedAt == 0 {
		cachedAt = now
	}
	lastAccessed := m.LastAccessed
	if lastAccessed == 0 {
		lastAccessed = now
	}
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, conversation_id, direction, message_type, body, status, media_url, media_url_fetched_at, server_ts, cached_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			direction = excluded.direction,
			message_type = excluded.message_type,
			body = excluded.body,
			status = excluded.status,
			media_url = excluded.media_url,
			media_url_fetched_at = CASE WHEN excluded.media_url_fetched_at > 0 THEN excluded.media_url_fetched_at ELSE messages.media_url_fetched_at END,
			server_ts = excluded.server_ts,
			cached_at = MAX(messages.cached_at, excluded.cached_at),
			last_accessed = excluded.last_accessed`,
		m.MsgID, m.ConversationID, m.Direction, m.MessageType, m.Body, m.Status, m.MediaURL, m.MediaURLFetchedAt, m.ServerTS, cachedAt, lastAccessed)
	return err
}

const messageColumns = "msg_id, conversation_id, direction, message_type, body, status, media_url, media_url_fetched_at, server_ts, cached_at, last_accessed"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.MsgID, &m.ConversationID, &m.Direction, &m.MessageType, &m.Body, &m.Status, &m.MediaURL, &m.MediaURLFetchedAt, &m.ServerTS, &m.CachedAt, &m.LastAccessed)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns a single message by id, nil when absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	row := db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE msg_id = ?", msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListPage returns one page of a conversation ordered newest-first,
// using the (conversation_id, server_ts) index. Page numbers start at 1.
func (db *DB) ListPage(conversationID string, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY server_ts DESC
		LIMIT ? OFFSET ?`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// TouchMessages bumps last_accessed for the given ids.
func (db *DB) TouchMessages(msgIDs []string, now int64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(msgIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, now)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	_, err := db.Exec("UPDATE messages SET last_accessed = ? WHERE msg_id IN ("+placeholders+")", args...)
	return err
}

// SetMessageMediaURL replaces a message's media URL and stamps the
// fetch time. Used when a fresh, non-expired URL was obtained.
func (db *DB) SetMessageMediaURL(msgID, mediaURL string, fetchedAt int64) error {
	res, err := db.Exec("UPDATE messages SET media_url = ?, media_url_fetched_at = ? WHERE msg_id = ?",
		mediaURL, fetchedAt, msgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s not found", msgID)
	}
	return nil
}

// DeleteMessage removes a message by id.
func (db *DB) DeleteMessage(msgID string) error {
	_, err := db.Exec("DELETE FROM messages WHERE msg_id = ?", msgID)
	return err
}

// DeleteConversationMessages removes every message of a conversation and
// reports how many were removed.
func (db *DB) DeleteConversationMessages(conversationID string) (int64, error) {
	res, err := db.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
