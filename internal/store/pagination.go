package store

import (
	"database/sql"
	"strings"
	"time"
)

// UpsertPagination inserts or updates the marker for one exact
// (conversation, page, limit) window. cached_at never moves backwards.
func (db *DB) UpsertPagination(p *PaginationRecord) error {
	cachedAt := p.CachedAt
	if cachedAt == 0 {
		cachedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO pagination (conversation_id, page, page_limit, total, has_more, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, page, page_limit) DO UPDATE SET
			total = excluded.total,
			has_more = excluded.has_more,
			cached_at = MAX(pagination.cached_at, excluded.cached_at)`,
		p.ConversationID, p.Page, p.Limit, p.Total, p.HasMore, cachedAt)
	return err
}

// GetPagination returns the marker for one exact window, nil when absent.
// Windows with a different limit are independent keys.
func (db *DB) GetPagination(conversationID string, page, limit int) (*PaginationRecord, error) {
	var p PaginationRecord
	err := db.QueryRow(`
		SELECT conversation_id, page, page_limit, total, has_more, cached_at
		FROM pagination
		WHERE conversation_id = ? AND page = ? AND page_limit = ?`,
		conversationID, page, limit).
		Scan(&p.ConversationID, &p.Page, &p.Limit, &p.Total, &p.HasMore, &p.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePagination removes the marker for one exact window.
func (db *DB) DeletePagination(conversationID string, page, limit int) error {
	_, err := db.Exec("DELETE FROM pagination WHERE conversation_id = ? AND page = ? AND page_limit = ?",
		conversationID, page, limit)
	return err
}

// DeleteConversationPagination removes every marker for a conversation.
func (db *DB) DeleteConversationPagination(conversationID string) (int64, error) {
	res, err := db.Exec("DELETE FROM pagination WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOrphanPagination removes markers for the given conversations
// when they no longer have any cached messages, so a later read reports
// "not cached" instead of trusting a marker with no content behind it.
// Scoped to the conversations an eviction pass actually touched:
// markers for legitimately empty windows elsewhere are left alone.
func (db *DB) DeleteOrphanPagination(conversationIDs []string) (int64, error) {
	if len(conversationIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(conversationIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		args = append(args, id)
	}
	res, err := db.Exec(`
		DELETE FROM pagination
		WHERE conversation_id IN (`+placeholders+`)
		AND conversation_id NOT IN (SELECT DISTINCT conversation_id FROM messages)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
