package store

// Message is a cached snapshot of one conversation message.
// MediaURLFetchedAt records when the (expiring) media URL was last
// obtained from the server; zero means never. CachedAt and LastAccessed
// are cache bookkeeping, not server state.
type Message struct {
	MsgID             string
	ConversationID    string
	Direction         string // inbound, outbound
	MessageType       string // text, image, video, audio, document
	Body              string
	Status            string
	MediaURL          string
	MediaURLFetchedAt int64 // unix ms, 0 = never fetched
	ServerTS          int64 // unix ms
	CachedAt          int64 // unix ms
	LastAccessed      int64 // unix ms
}

// MediaMetadata describes a media asset keyed by its query-stripped URL,
// independent of any particular message referencing it.
type MediaMetadata struct {
	URL          string
	MediaType    string // image, video, audio, document
	FileName     string
	FileSize     int64
	MimeType     string
	ThumbnailURL string
	DurationMS   int64
	Width        int
	Height       int
	CachedAt     int64
	LastAccessed int64
}

// PaginationRecord asserts what one exact (conversation, page, limit)
// window looked like as of CachedAt.
type PaginationRecord struct {
	ConversationID string
	Page           int
	Limit          int
	Total          int
	HasMore        bool
	CachedAt       int64
}

// Stats is an aggregate view over the cache, computed on demand.
type Stats struct {
	MessageCount int
	MediaCount   int
	TotalSize    int64 // approximate bytes
}

// EvictionCandidate is one record in the oldest-accessed-first eviction
// scan, tagged with its collection. ConversationID is set for messages
// only; pagination pruning after an eviction pass is scoped by it.
type EvictionCandidate struct {
	Kind           string // "message" or "media"
	Key            string // msg_id or url
	ConversationID string // empty for media
	Size           int64
	LastAccessed   int64
}
