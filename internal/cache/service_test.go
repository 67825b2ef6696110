package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunodmn/inboxcache/internal/store"
)

func testOpener(t *testing.T) OpenFunc {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	return func() (*store.DB, error) {
		db, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		if _, err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}
}

func testService(t *testing.T) *Service {
	t.Helper()
	s := New(testOpener(t), 50*1024*1024, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitCoalescing(t *testing.T) {
	var calls atomic.Int32
	inner := testOpener(t)
	opener := func() (*store.DB, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		return inner()
	}

	s := New(opener, 1<<20, nil)
	t.Cleanup(func() { _ = s.Close() })

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Init(context.Background())
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("opener called %d times, want 1", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("Init[%d] error = %v", i, err)
		}
	}
}

func TestInitFailureMemoized(t *testing.T) {
	var calls atomic.Int32
	opener := func() (*store.DB, error) {
		calls.Add(1)
		return nil, errors.New("store blocked")
	}

	s := New(opener, 1<<20, nil)

	err1 := s.Init(context.Background())
	err2 := s.Init(context.Background())
	if err1 == nil || err2 == nil {
		t.Fatal("Init should fail")
	}
	var storageErr *StorageError
	if !errors.As(err1, &storageErr) {
		t.Errorf("expected StorageError, got %T: %v", err1, err1)
	}
	// The failed setup is memoized, not retried.
	if got := calls.Load(); got != 1 {
		t.Errorf("opener called %d times, want 1", got)
	}
}

func TestOpsAfterCloseFail(t *testing.T) {
	s := New(testOpener(t), 1<<20, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// A late caller, e.g. a sweep racing shutdown, must get an error,
	// not a nil store handle.
	var se *StorageError
	if _, err := s.Stats(); err == nil {
		t.Fatal("Stats after Close should fail")
	} else if !errors.As(err, &se) {
		t.Errorf("Stats error = %T: %v, want StorageError", err, err)
	}
	if _, err := s.GetCachedMessages("42", 1, 25); err == nil {
		t.Error("GetCachedMessages after Close should fail")
	}
	if err := s.CacheMessages("42", nil); err == nil {
		t.Error("CacheMessages after Close should fail")
	}
	if _, err := s.Cleanup(); err == nil {
		t.Error("Cleanup after Close should fail")
	}
	if err := s.Init(context.Background()); err == nil {
		t.Error("Init after Close should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestOpsBeforeInit(t *testing.T) {
	s := New(testOpener(t), 1<<20, nil)

	if _, err := s.GetCachedMessages("42", 1, 25); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetCachedMessages error = %v, want ErrNotInitialized", err)
	}
	if err := s.CacheMessages("42", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CacheMessages error = %v, want ErrNotInitialized", err)
	}
}

func cachePage(t *testing.T, s *Service, conv string, page, limit, total int, hasMore bool, msgs []store.Message) {
	t.Helper()
	if err := s.CacheMessages(conv, msgs); err != nil {
		t.Fatal(err)
	}
	if err := s.CachePagination(conv, PaginationInput{Page: page, Limit: limit, Total: total, HasMore: hasMore}); err != nil {
		t.Fatal(err)
	}
}

func TestGetCachedMessagesMissAndHit(t *testing.T) {
	s := testService(t)

	// Miss before anything is cached.
	p, err := s.GetCachedMessages("42", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if p.Found {
		t.Error("expected miss on empty cache")
	}

	cachePage(t, s, "42", 1, 25, 140, true, []store.Message{
		{MsgID: "m1", Body: "one", ServerTS: 2000},
		{MsgID: "m2", Body: "two", ServerTS: 1000},
	})

	p, err = s.GetCachedMessages("42", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Found {
		t.Fatal("expected hit")
	}
	if len(p.Messages) != 2 || p.Total != 140 || !p.HasMore {
		t.Errorf("page = %+v", p)
	}
	if p.Messages[0].MsgID != "m1" {
		t.Errorf("ordering: first = %s, want m1 (newest)", p.Messages[0].MsgID)
	}
	if p.OldestCachedAt == 0 {
		t.Error("OldestCachedAt not set")
	}
}

func TestPaginationIsolation(t *testing.T) {
	s := testService(t)

	cachePage(t, s, "42", 1, 20, 140, true, []store.Message{
		{MsgID: "m1", ServerTS: 1000},
	})

	// Same page with a different limit is an independent window.
	p, err := s.GetCachedMessages("42", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if p.Found {
		t.Error("limit 25 window should be a miss when only limit 20 is cached")
	}
}

func TestStaleMediaCountAndRefresh(t *testing.T) {
	s := testService(t)

	nowMs := time.Now().UnixMilli()
	cachePage(t, s, "42", 1, 25, 3, false, []store.Message{
		{MsgID: "fresh", MediaURL: "https://cdn/a.jpg", MediaURLFetchedAt: nowMs - time.Hour.Milliseconds(), ServerTS: 3000},
		{MsgID: "stale", MediaURL: "https://cdn/b.jpg", MediaURLFetchedAt: nowMs - 25*time.Hour.Milliseconds(), ServerTS: 2000},
		{MsgID: "never", MediaURL: "https://cdn/c.jpg", ServerTS: 1000},
	})

	p, err := s.GetCachedMessages("42", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if p.StaleMediaCount != 2 {
		t.Errorf("StaleMediaCount = %d, want 2 (stale + never)", p.StaleMediaCount)
	}

	if err := s.RefreshMediaURL("stale", "https://cdn/b.jpg?sig=new"); err != nil {
		t.Fatal(err)
	}
	if err := s.RefreshMediaURL("never", "https://cdn/c.jpg?sig=new"); err != nil {
		t.Fatal(err)
	}

	p, err = s.GetCachedMessages("42", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if p.StaleMediaCount != 0 {
		t.Errorf("StaleMediaCount after refresh = %d, want 0", p.StaleMediaCount)
	}
}

func TestGetMessageMediaAge(t *testing.T) {
	s := testService(t)

	fetchedAt := time.Now().Add(-2 * time.Hour).UnixMilli()
	cachePage(t, s, "42", 1, 25, 1, false, []store.Message{
		{MsgID: "m1", MediaURL: "https://cdn/a.jpg", MediaURLFetchedAt: fetchedAt, ServerTS: 1000},
		{MsgID: "m2", Body: "no media", ServerTS: 900},
	})

	age, ok, err := s.GetMessageMediaAge("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected ok for message with fetched media")
	}
	if age < 2*time.Hour-time.Minute || age > 2*time.Hour+time.Minute {
		t.Errorf("age = %v, want ~2h", age)
	}

	_, ok, err = s.GetMessageMediaAge("m2")
	if err != nil || ok {
		t.Errorf("message without media: ok=%v err=%v, want false/nil", ok, err)
	}
	_, ok, err = s.GetMessageMediaAge("missing")
	if err != nil || ok {
		t.Errorf("missing message: ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestUpdateMessagePartial(t *testing.T) {
	s := testService(t)

	cachePage(t, s, "42", 1, 25, 1, false, []store.Message{
		{MsgID: "m1", Body: "original", Status: "delivered", ServerTS: 1000},
	})

	newBody := "edited"
	if err := s.UpdateMessage("m1", MessageUpdate{Body: &newBody}); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetCachedMessages("42", 1, 25)
	if p.Messages[0].Body != "edited" {
		t.Errorf("body = %q, want edited", p.Messages[0].Body)
	}
	if p.Messages[0].Status != "delivered" {
		t.Errorf("status = %q, want delivered (untouched)", p.Messages[0].Status)
	}

	// Updating an uncached message is a no-op, not an error.
	if err := s.UpdateMessage("missing", MessageUpdate{Body: &newBody}); err != nil {
		t.Errorf("UpdateMessage(missing) error = %v", err)
	}
}

func TestInvalidateConversationScope(t *testing.T) {
	s := testService(t)

	cachePage(t, s, "A", 1, 25, 1, false, []store.Message{{MsgID: "a1", ServerTS: 1000}})
	cachePage(t, s, "B", 1, 25, 1, false, []store.Message{{MsgID: "b1", ServerTS: 1000}})

	if err := s.InvalidateConversation("A"); err != nil {
		t.Fatal(err)
	}

	pa, _ := s.GetCachedMessages("A", 1, 25)
	if pa.Found {
		t.Error("conversation A should be fully invalidated")
	}

	pb, _ := s.GetCachedMessages("B", 1, 25)
	if !pb.Found || len(pb.Messages) != 1 {
		t.Error("conversation B must be left intact")
	}
}

func TestAddAndRemoveMessage(t *testing.T) {
	s := testService(t)

	cachePage(t, s, "42", 1, 25, 1, false, []store.Message{{MsgID: "m1", ServerTS: 1000}})

	if err := s.AddMessage(&store.Message{MsgID: "m2", ConversationID: "42", Body: "live", ServerTS: 2000}); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetCachedMessages("42", 1, 25)
	if len(p.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(p.Messages))
	}

	if err := s.RemoveMessage("m2"); err != nil {
		t.Fatal(err)
	}
	p, _ = s.GetCachedMessages("42", 1, 25)
	if len(p.Messages) != 1 {
		t.Errorf("got %d messages after remove, want 1", len(p.Messages))
	}
}

func TestMediaMetadataNormalization(t *testing.T) {
	s := testService(t)

	if err := s.CacheMediaMetadata("https://cdn/img.jpg?sig=abc&exp=1", store.MediaMetadata{
		MediaType: "image", MimeType: "image/jpeg", FileSize: 1024,
	}); err != nil {
		t.Fatal(err)
	}

	// The same asset with a different signature resolves to one record.
	md, err := s.GetCachedMediaMetadata("https://cdn/img.jpg?sig=xyz")
	if err != nil {
		t.Fatal(err)
	}
	if md == nil || md.FileSize != 1024 {
		t.Errorf("got %+v, want deduplicated record", md)
	}
	if md.URL != "https://cdn/img.jpg" {
		t.Errorf("stored url = %q, want query-stripped", md.URL)
	}
}

func TestCleanupEvictsOldestFirst(t *testing.T) {
	opener := testOpener(t)
	s := New(opener, 40, nil) // tiny threshold to force eviction
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Two conversations, "old" accessed long ago.
	if err := s.CacheMessages("old", []store.Message{
		{MsgID: "o1", Body: "0123456789012345678901234567890123456789", ServerTS: 1000, LastAccessed: 100},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.CachePagination("old", PaginationInput{Page: 1, Limit: 25, Total: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheMessages("fresh", []store.Message{
		{MsgID: "f1", Body: "short", ServerTS: 2000, LastAccessed: 9_999_999_999_999},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.CachePagination("fresh", PaginationInput{Page: 1, Limit: 25, Total: 1}); err != nil {
		t.Fatal(err)
	}

	need, err := s.NeedsCleanup()
	if err != nil {
		t.Fatal(err)
	}
	if !need {
		t.Fatal("NeedsCleanup = false, want true over threshold")
	}

	result, err := s.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if result.EvictedMessages == 0 {
		t.Error("nothing evicted")
	}

	// The oldest-accessed conversation goes first, and its now-orphaned
	// pagination marker goes with it.
	pOld, _ := s.GetCachedMessages("old", 1, 25)
	if pOld.Found {
		t.Error("old conversation should have been evicted with its marker")
	}
	pFresh, _ := s.GetCachedMessages("fresh", 1, 25)
	if !pFresh.Found {
		t.Error("fresh conversation should survive cleanup")
	}

	need, err = s.NeedsCleanup()
	if err != nil {
		t.Fatal(err)
	}
	if need {
		t.Error("NeedsCleanup still true after cleanup")
	}
}

func TestCleanupKeepsEmptyPageMarkers(t *testing.T) {
	s := New(testOpener(t), 40, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// A known-empty conversation: marker only, no messages.
	if err := s.CachePagination("empty", PaginationInput{Page: 1, Limit: 25, Total: 0, HasMore: false}); err != nil {
		t.Fatal(err)
	}

	// Another conversation pushes the cache over the threshold.
	if err := s.CacheMessages("big", []store.Message{
		{MsgID: "b1", Body: "012345678901234567890123456789012345678901234567890123456789", ServerTS: 1000, LastAccessed: 100},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.CachePagination("big", PaginationInput{Page: 1, Limit: 25, Total: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Cleanup(); err != nil {
		t.Fatal(err)
	}

	// Pruning is scoped to conversations the pass evicted from; the
	// empty-but-known window keeps its marker and stays a cache hit.
	pEmpty, err := s.GetCachedMessages("empty", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if !pEmpty.Found {
		t.Error("empty-page marker was wrongly pruned by cleanup")
	}

	pBig, _ := s.GetCachedMessages("big", 1, 25)
	if pBig.Found {
		t.Error("evicted conversation should have lost its marker")
	}
}

func TestEmptyPageWithMarkerIsAHit(t *testing.T) {
	s := testService(t)

	// A conversation known to have no messages: valid, cacheable state.
	if err := s.CachePagination("empty", PaginationInput{Page: 1, Limit: 25, Total: 0, HasMore: false}); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetCachedMessages("empty", 1, 25)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Found {
		t.Fatal("empty page with marker should be a hit")
	}
	if len(p.Messages) != 0 || p.HasMore {
		t.Errorf("page = %+v, want empty/no-more", p)
	}
	if p.OldestCachedAt != 0 {
		t.Errorf("OldestCachedAt = %d, want 0 for empty page", p.OldestCachedAt)
	}
	if p.PageCachedAt == 0 {
		t.Error("PageCachedAt not set")
	}
}
