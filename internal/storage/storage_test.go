package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"automation/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestViewQueueOrderAndDelete(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	// appended out of timestamp order on purpose
	idLate, err := s.AppendView(model.ViewRecord{View: "Cart", Timestamp: base.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("AppendView: %v", err)
	}
	idEarly, err := s.AppendView(model.ViewRecord{View: "Home", Metadata: map[string]any{"tab": "deals"}, Timestamp: base})
	if err != nil {
		t.Fatalf("AppendView: %v", err)
	}
	if idEarly <= idLate {
		t.Fatalf("ids must increase: %d then %d", idLate, idEarly)
	}

	views, err := s.ListViews(0)
	if err != nil {
		t.Fatalf("ListViews: %v", err)
	}
	if len(views) != 2 || views[0].View != "Home" || views[1].View != "Cart" {
		t.Fatalf("unexpected order: %+v", views)
	}
	if views[0].Metadata["tab"] != "deals" || views[1].Metadata != nil {
		t.Fatalf("metadata mismatch: %+v", views)
	}
	if !views[0].Timestamp.Equal(base) {
		t.Fatalf("timestamp = %v", views[0].Timestamp)
	}

	if err := s.DeleteViews(nil); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
	if err := s.DeleteViews([]int64{idEarly}); err != nil {
		t.Fatalf("DeleteViews: %v", err)
	}
	views, _ = s.ListViews(0)
	if len(views) != 1 || views[0].ID != idLate {
		t.Fatalf("expected only %d left, got %+v", idLate, views)
	}
}

func TestEventQueue(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := s.AppendEvent(model.EventRecord{Event: "purchase", Name: "Purchase", Metadata: map[string]any{"qty": 2}, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(model.EventRecord{Event: "open", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	events, err := s.ListEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Name != "Purchase" || events[0].Metadata["qty"] != float64(2) {
		t.Fatalf("first event: %+v", events[0])
	}
	if events[1].Name != "" || events[1].Metadata != nil {
		t.Fatalf("second event should have no name/metadata: %+v", events[1])
	}
	v, e, err := s.PendingCounts()
	if err != nil || v != 0 || e != 2 {
		t.Fatalf("PendingCounts = %d,%d,%v", v, e, err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := openTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendView(model.ViewRecord{View: "v", Timestamp: time.Now()}); err != nil {
				t.Errorf("AppendView: %v", err)
			}
		}()
	}
	wg.Wait()
	views, err := s.ListViews(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 20 {
		t.Fatalf("got %d views, want 20", len(views))
	}
}

func TestDeleteLargeBacklog(t *testing.T) {
	s := openTestStore(t)
	const n = 40000
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO view (view, timestamp) VALUES (?, ?)`)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := stmt.Exec("Home", int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	views, err := s.ListViews(0)
	if err != nil || len(views) != n {
		t.Fatalf("ListViews: %d %v", len(views), err)
	}
	page, _ := s.ListViews(500)
	if len(page) != 500 || page[0].ID != views[0].ID {
		t.Fatalf("first page: %d records", len(page))
	}

	ids := make([]int64, len(views))
	for i, v := range views {
		ids[i] = v.ID
	}
	if err := s.DeleteViews(ids); err != nil {
		t.Fatalf("DeleteViews: %v", err)
	}
	if v, _, _ := s.PendingCounts(); v != 0 {
		t.Fatalf("%d views left", v)
	}
}

func TestScheduledPushLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	sp := model.ScheduledPush{
		MessageID: 7,
		Push:      model.PushMessage{ID: "p7", Title: "Still there?", Body: "Your cart misses you"},
		DeliverAt: now.Add(48 * time.Hour),
		CreatedAt: now,
	}
	if err := s.SchedulePush(sp); err != nil {
		t.Fatalf("SchedulePush: %v", err)
	}
	if ok, err := s.HasScheduledPush(7); err != nil || !ok {
		t.Fatalf("HasScheduledPush = %v, %v", ok, err)
	}
	due, err := s.DuePushes(now.Add(24 * time.Hour))
	if err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %v %v", due, err)
	}
	due, err = s.DuePushes(now.Add(48 * time.Hour))
	if err != nil || len(due) != 1 || due[0].Push.Title != "Still there?" {
		t.Fatalf("DuePushes: %+v %v", due, err)
	}
	removed, err := s.DeleteScheduledPush(7)
	if err != nil || !removed {
		t.Fatalf("DeleteScheduledPush = %v, %v", removed, err)
	}
	if removed, _ := s.DeleteScheduledPush(7); removed {
		t.Fatalf("second delete should report nothing removed")
	}
}

func TestPushShownAndLog(t *testing.T) {
	s := openTestStore(t)
	if ok, _ := s.PushShown(1); ok {
		t.Fatalf("not shown yet")
	}
	if err := s.MarkPushShown(1, "p1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.PushShown(1); !ok {
		t.Fatalf("should be shown")
	}
	if err := s.UnmarkPushShown(1); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.PushShown(1); ok {
		t.Fatalf("should be cleared")
	}

	if err := s.LogPushDelivery(model.PushDelivery{MessageID: 1, PushID: "p1", Backend: "log", Status: model.DeliverySent}); err != nil {
		t.Fatal(err)
	}
	if err := s.LogPushDelivery(model.PushDelivery{MessageID: 2, Status: model.DeliveryFailed, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	all, err := s.PushDeliveriesAfter(0, 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("PushDeliveriesAfter: %v %v", all, err)
	}
	rest, _ := s.PushDeliveriesAfter(all[0].ID, 10)
	if len(rest) != 1 || rest[0].Error != "boom" {
		t.Fatalf("tail: %+v", rest)
	}
}
