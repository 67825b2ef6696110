package preload

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brunodmn/inboxcache/internal/bus"
	"github.com/brunodmn/inboxcache/internal/cache"
	"github.com/brunodmn/inboxcache/internal/loader"
	"github.com/brunodmn/inboxcache/internal/store"
)

const maxConcurrent = 4

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "preload: unexpected status " + http.StatusText(e.code)
}

// Preloader eagerly warms the media cache for a batch of messages, e.g.
// when a conversation is opened, so subsequent renders are instant.
// A session-scoped set of base URLs prevents duplicate loads; it is not
// persisted and resets with the process.
type Preloader struct {
	cache  *cache.Service
	bus    *bus.Bus
	http   *http.Client
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	loaded map[string]struct{}
}

// New creates a Preloader.
func New(c *cache.Service, b *bus.Bus, timeout time.Duration, logger *zap.Logger) *Preloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preloader{
		cache:  c,
		bus:    b,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
		loaded: make(map[string]struct{}),
	}
}

// Start subscribes to page-load announcements on the bus and warms the
// media cache for each served page.
func (p *Preloader) Start(ctx context.Context) {
	if p.bus == nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	ch, unsub := p.bus.Subscribe("cache.page_loaded", 64)

	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				pl, ok := evt.Payload.(*loader.PageLoaded)
				if !ok {
					continue
				}
				p.PreloadBatch(ctx, pl.Messages)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the preload loop and waits for it to exit.
func (p *Preloader) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// PreloadBatch warms the cache for every image in the batch. Non-image
// messages are accepted and skipped; other media types may get their
// own strategies later, so callers pass the whole batch. Failures are
// logged and swallowed: a failed preload never blocks rendering.
func (p *Preloader) PreloadBatch(ctx context.Context, msgs []store.Message) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, m := range msgs {
		if m.MessageType != "image" || m.MediaURL == "" {
			continue
		}
		if !p.markLoaded(m.MediaURL) {
			continue
		}
		m := m
		g.Go(func() error {
			if err := p.preloadOne(ctx, m.MediaURL); err != nil {
				p.logger.Warn("media preload failed",
					zap.String("msg_id", m.MsgID), zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()
}

// markLoaded records the base URL in the session set. Returns false if
// it was already there.
func (p *Preloader) markLoaded(rawURL string) bool {
	key := cache.NormalizeMediaURL(rawURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loaded[key]; ok {
		return false
	}
	p.loaded[key] = struct{}{}
	return true
}

func (p *Preloader) preloadOne(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}

	// Drain so the connection is reusable; the body itself lands in the
	// OS/browser-layer cache, we only keep the metadata.
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}

	size := resp.ContentLength
	if size < 0 {
		size = n
	}

	return p.cache.CacheMediaMetadata(rawURL, store.MediaMetadata{
		MediaType: "image",
		FileName:  path.Base(strings.TrimSuffix(cache.NormalizeMediaURL(rawURL), "/")),
		FileSize:  size,
		MimeType:  resp.Header.Get("Content-Type"),
	})
}

// LoadedCount reports how many distinct base URLs were preloaded this
// session.
func (p *Preloader) LoadedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loaded)
}
