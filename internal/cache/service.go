package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brunodmn/inboxcache/internal/store"
)

// MediaFreshnessWindow is how long a fetched media URL is trusted before
// it is assumed expired server-side. Independent of the page freshness
// window, which is configured.
const MediaFreshnessWindow = 24 * time.Hour

// OpenFunc opens and prepares the underlying store. It runs at most
// once per Service regardless of how many callers race on Init.
type OpenFunc func() (*store.DB, error)

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateReady
	stateFailed
	stateClosed
)

// Service is the sole owner of the persistent store. All reads and
// mutations of cached messages, media metadata and pagination markers go
// through it; nothing else touches the store's schema.
type Service struct {
	open    OpenFunc
	maxSize int64
	logger  *zap.Logger

	mu      sync.Mutex
	state   initState
	done    chan struct{} // closed when the in-flight init settles
	db      *store.DB
	initErr error

	now func() time.Time // injectable clock for tests
}

// New creates a Service. maxSize is the cleanup threshold in bytes.
// The store is not opened until Init.
func New(open OpenFunc, maxSize int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		open:    open,
		maxSize: maxSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Init opens the store exactly once. Concurrent callers share the one
// in-flight attempt; its outcome, success or failure, is memoized for
// the lifetime of the Service so a broken store is not retried in a
// loop and every caller sees the same error.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateReady:
		s.mu.Unlock()
		return nil
	case stateFailed:
		err := s.initErr
		s.mu.Unlock()
		return err
	case stateClosed:
		s.mu.Unlock()
		return storageErr("init", errClosed)
	case stateInitializing:
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
			return s.initOutcome()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// First caller: perform the real setup.
	s.state = stateInitializing
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	db, err := s.open()

	s.mu.Lock()
	if err != nil {
		s.state = stateFailed
		s.initErr = storageErr("init", err)
		s.logger.Error("cache init failed, degrading to network-only", zap.Error(err))
	} else {
		s.state = stateReady
		s.db = db
	}
	close(done)
	outcome := s.initErr
	s.mu.Unlock()
	return outcome
}

func (s *Service) initOutcome() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// ready returns the store handle. ErrNotInitialized before a successful
// Init; a StorageError after Close so late callers fail instead of
// dereferencing a released handle.
func (s *Service) ready() (*store.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateReady:
		return s.db, nil
	case stateClosed:
		return nil, storageErr("closed", errClosed)
	default:
		return nil, ErrNotInitialized
	}
}

// Close releases the underlying store and retires the Service: every
// later operation, including Init, gets a StorageError. Background
// tasks that outlive shutdown hit that error instead of a nil handle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Page is the result of a cached page read. Found=false is a plain
// miss, not an error.
type Page struct {
	Messages        []store.Message
	HasMore         bool
	Total           int
	StaleMediaCount int

	// PageCachedAt is the pagination marker's write time; OldestCachedAt
	// is the oldest message snapshot in the window (0 when empty).
	// Staleness policy belongs to the loader, which reads both.
	PageCachedAt   int64
	OldestCachedAt int64
	Found          bool
}

// GetCachedMessages reads the exact (conversation, page, limit) window.
// A missing pagination marker is a miss; messages referencing media
// whose URL fetch is missing or older than MediaFreshnessWindow are
// counted in StaleMediaCount. Returned messages get their last_accessed
// bumped for eviction ranking.
func (s *Service) GetCachedMessages(conversationID string, page, limit int) (*Page, error) {
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	marker, err := db.GetPagination(conversationID, page, limit)
	if err != nil {
		// A marker that cannot be read is dropped and treated as a miss.
		_ = db.DeletePagination(conversationID, page, limit)
		s.logger.Warn("dropped unreadable pagination marker",
			zap.String("conversation_id", conversationID), zap.Int("page", page), zap.Error(err))
		return &Page{}, nil
	}
	if marker == nil {
		return &Page{}, nil
	}

	msgs, err := db.ListPage(conversationID, page, limit)
	if err != nil {
		return nil, storageErr("list page", err)
	}

	nowMs := s.now().UnixMilli()
	result := &Page{
		Messages:     msgs,
		HasMore:      marker.HasMore,
		Total:        marker.Total,
		PageCachedAt: marker.CachedAt,
		Found:        true,
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MsgID)
		if result.OldestCachedAt == 0 || m.CachedAt < result.OldestCachedAt {
			result.OldestCachedAt = m.CachedAt
		}
		if m.MediaURL != "" && mediaURLStale(m.MediaURLFetchedAt, nowMs) {
			result.StaleMediaCount++
		}
	}

	if err := db.TouchMessages(ids, nowMs); err != nil {
		s.logger.Warn("failed to touch messages", zap.Error(err))
	}

	return result, nil
}

func mediaURLStale(fetchedAt, nowMs int64) bool {
	if fetchedAt == 0 {
		return true
	}
	return nowMs-fetchedAt >= MediaFreshnessWindow.Milliseconds()
}

// HasCachedMessages reports whether the exact window has a pagination
// marker. Used by prefetch to skip redundant network calls.
func (s *Service) HasCachedMessages(conversationID string, page, limit int) (bool, error) {
	db, err := s.ready()
	if err != nil {
		return false, err
	}
	marker, err := db.GetPagination(conversationID, page, limit)
	if err != nil {
		return false, storageErr("get pagination", err)
	}
	return marker != nil, nil
}

// CacheMessages upserts a batch of messages into the conversation,
// keyed by message id (last write wins).
func (s *Service) CacheMessages(conversationID string, msgs []store.Message) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	for i := range msgs {
		m := msgs[i]
		m.ConversationID = conversationID
		if m.CachedAt == 0 {
			m.CachedAt = nowMs
		}
		if m.LastAccessed == 0 {
			m.LastAccessed = nowMs
		}
		if err := db.UpsertMessage(&m); err != nil {
			return storageErr("cache messages", err)
		}
	}
	return nil
}

// PaginationInput describes one fetched window.
type PaginationInput struct {
	Page    int
	Limit   int
	Total   int
	HasMore bool
}

// CachePagination upserts the pagination marker for one window.
func (s *Service) CachePagination(conversationID string, in PaginationInput) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	return storageErr("cache pagination", db.UpsertPagination(&store.PaginationRecord{
		ConversationID: conversationID,
		Page:           in.Page,
		Limit:          in.Limit,
		Total:          in.Total,
		HasMore:        in.HasMore,
		CachedAt:       s.now().UnixMilli(),
	}))
}

// AddMessage upserts a single message, used for live-event coherence.
func (s *Service) AddMessage(m *store.Message) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	return storageErr("add message", db.UpsertMessage(m))
}

// MessageUpdate is a partial update; nil fields are left untouched.
type MessageUpdate struct {
	Body     *string
	Status   *string
	MediaURL *string
}

// UpdateMessage applies a partial update to one message. Updating a
// message that is not cached is a no-op: the cache only mirrors what it
// has seen.
func (s *Service) UpdateMessage(msgID string, upd MessageUpdate) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	m, err := db.GetMessage(msgID)
	if err != nil {
		return storageErr("get message", err)
	}
	if m == nil {
		return nil
	}
	if upd.Body != nil {
		m.Body = *upd.Body
	}
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	if upd.MediaURL != nil {
		m.MediaURL = *upd.MediaURL
	}
	return storageErr("update message", db.UpsertMessage(m))
}

// RemoveMessage deletes a single message.
func (s *Service) RemoveMessage(msgID string) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	return storageErr("remove message", db.DeleteMessage(msgID))
}

// InvalidateConversation removes every cached message and pagination
// marker for one conversation, leaving all other conversations intact.
func (s *Service) InvalidateConversation(conversationID string) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	if _, err := db.DeleteConversationMessages(conversationID); err != nil {
		return storageErr("invalidate messages", err)
	}
	if _, err := db.DeleteConversationPagination(conversationID); err != nil {
		return storageErr("invalidate pagination", err)
	}
	return nil
}

// NormalizeMediaURL strips the query string and fragment so the same
// asset served with rotating signatures maps to one key.
func NormalizeMediaURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// CacheMediaMetadata stores metadata for one asset keyed by its
// query-stripped URL.
func (s *Service) CacheMediaMetadata(url string, md store.MediaMetadata) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	md.URL = NormalizeMediaURL(url)
	return storageErr("cache media metadata", db.UpsertMediaMetadata(&md))
}

// GetCachedMediaMetadata returns metadata for one asset, nil on miss.
func (s *Service) GetCachedMediaMetadata(url string) (*store.MediaMetadata, error) {
	db, err := s.ready()
	if err != nil {
		return nil, err
	}
	key := NormalizeMediaURL(url)
	md, err := db.GetMediaMetadata(key)
	if err != nil {
		return nil, storageErr("get media metadata", err)
	}
	if md != nil {
		if err := db.TouchMediaMetadata(key, s.now().UnixMilli()); err != nil {
			s.logger.Warn("failed to touch media metadata", zap.Error(err))
		}
	}
	return md, nil
}

// RefreshMediaURL replaces a message's media URL with a freshly obtained
// one and stamps media_url_fetched_at, clearing its staleness.
func (s *Service) RefreshMediaURL(msgID, newURL string) error {
	db, err := s.ready()
	if err != nil {
		return err
	}
	return storageErr("refresh media url", db.SetMessageMediaURL(msgID, newURL, s.now().UnixMilli()))
}

// GetMessageMediaAge reports how long ago the message's media URL was
// fetched. ok=false when the message is unknown, has no media, or the
// URL was never fetched.
func (s *Service) GetMessageMediaAge(msgID string) (age time.Duration, ok bool, err error) {
	db, err := s.ready()
	if err != nil {
		return 0, false, err
	}
	m, err := db.GetMessage(msgID)
	if err != nil {
		return 0, false, storageErr("get message", err)
	}
	if m == nil || m.MediaURL == "" || m.MediaURLFetchedAt == 0 {
		return 0, false, nil
	}
	return time.Duration(s.now().UnixMilli()-m.MediaURLFetchedAt) * time.Millisecond, true, nil
}

// Stats computes aggregate cache statistics.
func (s *Service) Stats() (*store.Stats, error) {
	db, err := s.ready()
	if err != nil {
		return nil, err
	}
	stats, err := db.Stats()
	if err != nil {
		return nil, storageErr("stats", err)
	}
	return stats, nil
}
