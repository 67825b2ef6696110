package store

import (
	"database/sql"
	"time"
)

// UpsertMediaMetadata inserts or updates media metadata keyed by its
// query-stripped URL. cached_at never moves backwards.
func (db *DB) UpsertMediaMetadata(md *MediaMetadata) error {
	now := time.Now().UnixMilli()
	cachedAt := md.CachedAt
	if cachedAt == 0 {
		cachedAt = now
	}
	lastAccessed := md.LastAccessed
	if lastAccessed == 0 {
		lastAccessed = now
	}
	_, err := db.Exec(`
		INSERT INTO media_metadata (url, media_type, file_name, file_size, mime_type, thumbnail_url, duration_ms, width, height, cached_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			media_type = excluded.media_type,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			thumbnail_url = excluded.thumbnail_url,
			duration_ms = excluded.duration_ms,
			width = excluded.width,
			height = excluded.height,
			cached_at = MAX(media_metadata.cached_at, excluded.cached_at),
			last_accessed = excluded.last_accessed`,
		md.URL, md.MediaType, md.FileName, md.FileSize, md.MimeType, md.ThumbnailURL, md.DurationMS, md.Width, md.Height, cachedAt, lastAccessed)
	return err
}

// GetMediaMetadata returns media metadata by URL, nil when absent.
func (db *DB) GetMediaMetadata(url string) (*MediaMetadata, error) {
	var md MediaMetadata
	err := db.QueryRow(`
		SELECT url, media_type, file_name, file_size, mime_type, thumbnail_url, duration_ms, width, height, cached_at, last_accessed
		FROM media_metadata WHERE url = ?`, url).
		Scan(&md.URL, &md.MediaType, &md.FileName, &md.FileSize, &md.MimeType, &md.ThumbnailURL, &md.DurationMS, &md.Width, &md.Height, &md.CachedAt, &md.LastAccessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &md, nil
}

// TouchMediaMetadata bumps last_accessed for one URL.
func (db *DB) TouchMediaMetadata(url string, now int64) error {
	_, err := db.Exec("UPDATE media_metadata SET last_accessed = ? WHERE url = ?", now, url)
	return err
}

// DeleteMediaMetadata removes media metadata by URL.
func (db *DB) DeleteMediaMetadata(url string) error {
	_, err := db.Exec("DELETE FROM media_metadata WHERE url = ?", url)
	return err
}
