package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenFromConfig("", filepath.Join(t.TempDir(), "store_test.db"), "sqlite")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestSubmitWrite_VersionsIncrease(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	doc, err := st.SubmitWrite(ctx, "acc-1", "settings", 0, []byte(`{"limit":30}`), "dev-a")
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}

	doc, err = st.SubmitWrite(ctx, "acc-1", "settings", 1, []byte(`{"limit":45}`), "dev-b")
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
	if doc.UpdatedByDevice != "dev-b" {
		t.Errorf("updated_by_device = %q", doc.UpdatedByDevice)
	}

	events, err := st.EventsAfter(ctx, "acc-1", 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for i, event := range events {
		if event.Version != int64(i+1) {
			t.Errorf("event %d version = %d", i, event.Version)
		}
	}
}

func TestSubmitWrite_StaleBaseConflicts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.SubmitWrite(ctx, "acc-1", "doc", 0, []byte(`v1`), "dev-a"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.SubmitWrite(ctx, "acc-1", "doc", 1, []byte(`v2`), "dev-a"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := st.SubmitWrite(ctx, "acc-1", "doc", 1, []byte(`stale`), "dev-b")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.CurrentVersion != 2 {
		t.Errorf("current version = %d, want 2", conflict.CurrentVersion)
	}
	if string(conflict.CurrentPayload) != "v2" {
		t.Errorf("current payload = %q", conflict.CurrentPayload)
	}

	// the losing write changed nothing
	doc, err := st.GetDocument(ctx, "acc-1", "doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 2 || string(doc.Payload) != "v2" {
		t.Errorf("doc = v%d %q after lost race", doc.Version, doc.Payload)
	}
}

func TestSubmitWrite_ConcurrentSameBase(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.SubmitWrite(ctx, "acc-1", "doc", 0, []byte(`seed`), "dev-0"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	conflicted := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.SubmitWrite(ctx, "acc-1", "doc", 1, []byte{byte('a' + i)}, "dev-x")
			mu.Lock()
			defer mu.Unlock()
			var conflict *ConflictError
			switch {
			case err == nil:
				committed++
			case errors.As(err, &conflict):
				conflicted++
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if committed != 1 {
		t.Errorf("committed = %d, want exactly 1", committed)
	}
	if conflicted != writers-1 {
		t.Errorf("conflicted = %d, want %d", conflicted, writers-1)
	}
	doc, _ := st.GetDocument(ctx, "acc-1", "doc")
	if doc.Version != 2 {
		t.Errorf("final version = %d, want 2", doc.Version)
	}
}

func TestForceWrite_LastWriterWins(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := st.ForceWrite(ctx, "acc-1", "doc", []byte(`newer`), now, "dev-a"); err != nil {
		t.Fatalf("force: %v", err)
	}

	// an older timestamp loses silently
	doc, err := st.ForceWrite(ctx, "acc-1", "doc", []byte(`older`), now.Add(-time.Minute), "dev-b")
	if err != nil {
		t.Fatalf("force older: %v", err)
	}
	if string(doc.Payload) != "newer" {
		t.Errorf("older timestamp overwrote newer state")
	}

	// a newer timestamp wins and bumps the version
	doc, err = st.ForceWrite(ctx, "acc-1", "doc", []byte(`newest`), now.Add(time.Minute), "dev-b")
	if err != nil {
		t.Fatalf("force newer: %v", err)
	}
	if string(doc.Payload) != "newest" || doc.Version != 2 {
		t.Errorf("doc = v%d %q, want v2 newest", doc.Version, doc.Payload)
	}
}

func TestReplayNewerThan(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	st.SubmitWrite(ctx, "acc-1", "alpha", 0, []byte(`a1`), "dev-a")
	st.SubmitWrite(ctx, "acc-1", "alpha", 1, []byte(`a2`), "dev-a")
	st.SubmitWrite(ctx, "acc-1", "beta", 0, []byte(`b1`), "dev-a")

	docs, err := st.ReplayNewerThan(ctx, "acc-1", map[string]int64{"alpha": 2, "beta": 0})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(docs) != 1 || docs[0].DocID != "beta" {
		t.Fatalf("replay = %+v, want just beta", docs)
	}

	// no watermarks replays everything
	docs, _ = st.ReplayNewerThan(ctx, "acc-1", nil)
	if len(docs) != 2 {
		t.Errorf("full replay = %d docs, want 2", len(docs))
	}
}

func TestWatermarks_OnlyMoveForward(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.SetWatermark(ctx, "acc-1", "dev-a", "doc", 5); err != nil {
		t.Fatalf("set: %v", err)
	}
	// a late, lower ack must not regress the watermark
	if err := st.SetWatermark(ctx, "acc-1", "dev-a", "doc", 3); err != nil {
		t.Fatalf("set lower: %v", err)
	}
	watermarks, err := st.GetWatermarks(ctx, "acc-1", "dev-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if watermarks["doc"] != 5 {
		t.Errorf("watermark = %d, want 5", watermarks["doc"])
	}
}

func TestSweepEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	st.SubmitWrite(ctx, "acc-1", "doc", 0, []byte(`v1`), "dev-a")

	// nothing is old enough yet
	n, err := st.SweepEvents(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("swept %d rows, want 0", n)
	}

	// zero retention sweeps everything written before now
	time.Sleep(10 * time.Millisecond)
	n, err = st.SweepEvents(ctx, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}
	doc, err := st.GetDocument(ctx, "acc-1", "doc")
	if err != nil || doc.Version != 1 {
		t.Errorf("latest state lost by sweep: %v %+v", err, doc)
	}
}
