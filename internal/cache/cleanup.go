package cache

import (
	"go.uber.org/zap"
)

const evictBatchSize = 100

// CleanupResult reports what one eviction pass removed.
type CleanupResult struct {
	EvictedMessages int
	EvictedMedia    int
	PrunedMarkers   int64
}

// NeedsCleanup reports whether the cache has grown past its size
// threshold. Callers check this before invoking Cleanup so the full
// eviction pass only runs under pressure.
func (s *Service) NeedsCleanup() (bool, error) {
	stats, err := s.Stats()
	if err != nil {
		return false, err
	}
	return stats.TotalSize > s.maxSize, nil
}

// Cleanup evicts messages and media metadata in ascending last_accessed
// order until the estimated total size drops under the threshold, then
// prunes pagination markers left without any cached messages.
func (s *Service) Cleanup() (*CleanupResult, error) {
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	touched := make(map[string]struct{})
	for {
		stats, err := db.Stats()
		if err != nil {
			return result, storageErr("cleanup stats", err)
		}
		if stats.TotalSize <= s.maxSize {
			break
		}

		cands, err := db.ListEvictionCandidates(evictBatchSize)
		if err != nil {
			return result, storageErr("eviction scan", err)
		}
		if len(cands) == 0 {
			break
		}

		remaining := stats.TotalSize
		for _, c := range cands {
			switch c.Kind {
			case "message":
				if err := db.DeleteMessage(c.Key); err != nil {
					return result, storageErr("evict message", err)
				}
				result.EvictedMessages++
				touched[c.ConversationID] = struct{}{}
			case "media":
				if err := db.DeleteMediaMetadata(c.Key); err != nil {
					return result, storageErr("evict media", err)
				}
				result.EvictedMedia++
			}
			remaining -= c.Size
			if remaining <= s.maxSize {
				break
			}
		}
	}

	// Prune markers only for conversations this pass evicted from.
	// Empty-but-known windows elsewhere keep their markers.
	convs := make([]string, 0, len(touched))
	for id := range touched {
		convs = append(convs, id)
	}
	pruned, err := db.DeleteOrphanPagination(convs)
	if err != nil {
		return result, storageErr("prune pagination", err)
	}
	result.PrunedMarkers = pruned

	if result.EvictedMessages > 0 || result.EvictedMedia > 0 || pruned > 0 {
		s.logger.Info("cache cleanup",
			zap.Int("evicted_messages", result.EvictedMessages),
			zap.Int("evicted_media", result.EvictedMedia),
			zap.Int64("pruned_markers", pruned))
	}

	return result, nil
}
