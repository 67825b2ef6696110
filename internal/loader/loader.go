package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/brunodmn/inboxcache/internal/bus"
	"github.com/brunodmn/inboxcache/internal/cache"
	"github.com/brunodmn/inboxcache/internal/source"
	"github.com/brunodmn/inboxcache/internal/store"
)

// Source is the network collaborator the loader falls back to.
type Source interface {
	FetchMessages(ctx context.Context, conv source.Conversation, page, limit int) (*source.Page, error)
	DownloadMediaURL(ctx context.Context, messageID string) (string, error)
}

// Options control the cache-first read policy.
type Options struct {
	// Enabled toggles all cache involvement. When false every load is a
	// plain network fetch with no cache writes.
	Enabled bool

	// CacheFirst controls whether loads consult the cache before the
	// network. With it off the cache is still written through on fetch.
	CacheFirst bool

	// PrefetchEnabled controls background prefetch of the next page
	// after a fresh cache hit.
	PrefetchEnabled bool

	// FreshnessWindow is the maximum age of a cached page. A page whose
	// age reaches the window is stale and refetched.
	FreshnessWindow time.Duration
}

// Result is the uniform response shape for a page load, regardless of
// whether it came from the cache or the network.
type Result struct {
	Messages   []store.Message
	HasMore    bool
	Total      int
	FromCache  bool
	StaleMedia int
}

// Loader decides, per page request, whether to serve from the cache or
// the network, and keeps the cache warm with background prefetch and
// media URL refresh. The cache is an optimization here, never a
// dependency: any cache-path failure degrades to a network fetch.
type Loader struct {
	cache  *cache.Service
	source Source
	bus    *bus.Bus
	opts   Options
	logger *zap.Logger

	flight singleflight.Group
	bg     sync.WaitGroup

	now func() time.Time // injectable clock for tests
}

// New creates a Loader.
func New(c *cache.Service, src Source, b *bus.Bus, opts Options, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cache:  c,
		source: src,
		bus:    b,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// PageLoaded is published on the bus after every successful foreground
// load, carrying the served messages so listeners (media preload) can
// warm up without touching the read path.
type PageLoaded struct {
	ConversationID string
	Messages       []store.Message
}

// LoadMessages returns one page of a conversation, cache-first when
// enabled. Only a network failure with no usable cache surfaces an
// error; everything on the cache path degrades silently.
func (l *Loader) LoadMessages(ctx context.Context, conv source.Conversation, page, limit int) (*Result, error) {
	res, err := l.load(ctx, conv, page, limit)
	if err == nil && l.bus != nil && len(res.Messages) > 0 {
		l.bus.Publish(bus.Event{
			Kind:    "cache.page_loaded",
			Payload: &PageLoaded{ConversationID: conv.ID, Messages: res.Messages},
		})
	}
	return res, err
}

func (l *Loader) load(ctx context.Context, conv source.Conversation, page, limit int) (*Result, error) {
	if !l.opts.Enabled {
		return l.fetchFromNetwork(ctx, conv, page, limit, false)
	}

	if err := l.cache.Init(ctx); err != nil {
		// Store unavailable: network-only for the session. The failed
		// init is memoized, so this logs once per degraded load, not in
		// a retry loop against the store.
		l.logger.Warn("cache unavailable, loading from network", zap.Error(err))
		return l.fetchFromNetwork(ctx, conv, page, limit, false)
	}

	if l.opts.CacheFirst {
		if res, ok := l.tryCache(conv, page, limit); ok {
			return res, nil
		}
	}

	return l.fetchFromNetwork(ctx, conv, page, limit, true)
}

// tryCache attempts to serve the page from the cache. ok=false means
// miss, stale, or a swallowed cache error; the caller goes to the
// network in all three cases.
func (l *Loader) tryCache(conv source.Conversation, page, limit int) (*Result, bool) {
	p, err := l.cache.GetCachedMessages(conv.ID, page, limit)
	if err != nil {
		l.logger.Warn("cache read failed, falling back to network",
			zap.String("conversation_id", conv.ID), zap.Int("page", page), zap.Error(err))
		return nil, false
	}
	if !p.Found {
		return nil, false
	}

	// Page age is the oldest message snapshot in the window. An empty
	// page has no message to judge by, so the marker's own age decides:
	// an empty window is a definitive "no messages" answer.
	ageBase := p.OldestCachedAt
	if len(p.Messages) == 0 {
		ageBase = p.PageCachedAt
	}
	age := l.now().UnixMilli() - ageBase
	if age >= l.opts.FreshnessWindow.Milliseconds() {
		return nil, false
	}

	if p.HasMore && l.opts.PrefetchEnabled {
		l.spawn(func(ctx context.Context) {
			l.prefetch(ctx, conv, page+1, limit)
		})
	}
	if p.StaleMediaCount > 0 {
		msgs := p.Messages
		l.spawn(func(ctx context.Context) {
			l.refreshStaleMedia(ctx, msgs)
		})
	}

	return &Result{
		Messages:   p.Messages,
		HasMore:    p.HasMore,
		Total:      p.Total,
		FromCache:  true,
		StaleMedia: p.StaleMediaCount,
	}, true
}

// fetchFromNetwork fetches a page from the source, optionally writing
// it through to the cache. Concurrent fetches of the same window are
// collapsed into one request.
func (l *Loader) fetchFromNetwork(ctx context.Context, conv source.Conversation, page, limit int, writeCache bool) (*Result, error) {
	key := fmt.Sprintf("%s|%v|%d|%d", conv.ID, conv.Group, page, limit)
	v, err, _ := l.flight.Do(key, func() (any, error) {
		pg, err := l.source.FetchMessages(ctx, conv, page, limit)
		if err != nil {
			return nil, err
		}
		if writeCache {
			if err := l.cache.CacheMessages(conv.ID, pg.Messages); err != nil {
				l.logger.Warn("failed to cache fetched messages", zap.Error(err))
			} else if err := l.cache.CachePagination(conv.ID, cache.PaginationInput{
				Page: page, Limit: limit, Total: pg.Total, HasMore: pg.HasMore,
			}); err != nil {
				l.logger.Warn("failed to cache pagination", zap.Error(err))
			}
		}
		return pg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load page %d of %s: %w", page, conv.ID, err)
	}

	pg := v.(*source.Page)
	return &Result{
		Messages:  pg.Messages,
		HasMore:   pg.HasMore,
		Total:     pg.Total,
		FromCache: false,
	}, nil
}

// spawn runs a background task detached from the caller's context.
// Outcomes are reported via logs and bus events only; the foreground
// read path never waits on these.
func (l *Loader) spawn(fn func(ctx context.Context)) {
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// prefetch warms the cache with the next page unless it is already
// there. Failures are logged and dropped.
func (l *Loader) prefetch(ctx context.Context, conv source.Conversation, page, limit int) {
	cached, err := l.cache.HasCachedMessages(conv.ID, page, limit)
	if err != nil {
		l.logger.Warn("prefetch check failed", zap.Error(err))
		return
	}
	if cached {
		return
	}

	if _, err := l.fetchFromNetwork(ctx, conv, page, limit, true); err != nil {
		l.logger.Warn("prefetch failed",
			zap.String("conversation_id", conv.ID), zap.Int("page", page), zap.Error(err))
		return
	}

	if l.bus != nil {
		l.bus.Publish(bus.Event{
			Kind: "cache.prefetched",
			Payload: map[string]any{
				"conversation_id": conv.ID,
				"page":            page,
				"limit":           limit,
			},
		})
	}
}

// refreshStaleMedia obtains fresh media URLs for messages whose current
// URL is missing a fetch stamp or past the media freshness window.
func (l *Loader) refreshStaleMedia(ctx context.Context, msgs []store.Message) {
	nowMs := l.now().UnixMilli()
	refreshed := 0
	for _, m := range msgs {
		if m.MediaURL == "" {
			continue
		}
		if m.MediaURLFetchedAt != 0 && nowMs-m.MediaURLFetchedAt < cache.MediaFreshnessWindow.Milliseconds() {
			continue
		}

		fresh, err := l.source.DownloadMediaURL(ctx, m.MsgID)
		if err != nil {
			l.logger.Warn("media url refresh failed",
				zap.String("msg_id", m.MsgID), zap.Error(err))
			continue
		}
		if err := l.cache.RefreshMediaURL(m.MsgID, fresh); err != nil {
			l.logger.Warn("failed to store refreshed media url",
				zap.String("msg_id", m.MsgID), zap.Error(err))
			continue
		}
		refreshed++
	}

	if refreshed > 0 && l.bus != nil {
		l.bus.Publish(bus.Event{
			Kind:    "cache.media_refreshed",
			Payload: map[string]int{"count": refreshed},
		})
	}
}

// Close waits for in-flight background tasks to finish. Used on daemon
// shutdown; the read path never calls this.
func (l *Loader) Close() {
	l.bg.Wait()
}
