package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brunodmn/inboxcache/internal/bus"
	"github.com/brunodmn/inboxcache/internal/cache"
)

// Sweeper periodically checks whether the cache has grown past its size
// threshold and runs an eviction pass when it has. It also runs once at
// startup so a long-idle cache is trimmed before first use.
type Sweeper struct {
	cache    *cache.Service
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper.
func NewSweeper(c *cache.Service, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cache:    c,
		bus:      b,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sweep loop and waits for it to exit, so the store can
// be closed afterwards without racing an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.SweepOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce runs one threshold check and, when needed, one eviction
// pass. Errors are logged and dropped; the sweep must never surface a
// failure to anything in the foreground.
func (s *Sweeper) SweepOnce() {
	need, err := s.cache.NeedsCleanup()
	if err != nil {
		s.logger.Warn("cleanup check failed", zap.Error(err))
		return
	}
	if !need {
		return
	}

	result, err := s.cache.Cleanup()
	if err != nil {
		s.logger.Error("cache cleanup failed", zap.Error(err))
		return
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind: "cache.cleanup",
			Payload: map[string]any{
				"evicted_messages": result.EvictedMessages,
				"evicted_media":    result.EvictedMedia,
				"pruned_markers":   result.PrunedMarkers,
			},
		})
	}
}
