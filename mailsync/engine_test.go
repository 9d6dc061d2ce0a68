package mailsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

func buildEngine(t *testing.T, client Client) (*Engine, *models.EmailConnection) {
	t.Helper()
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	engine := NewEngine(db, map[string]Client{models.ProviderGmail: client}, Options{
		BatchSize:  2,
		Lookback:   30 * 24 * time.Hour,
		MaxRetries: 2,
	})
	engine.sleep = func(time.Duration) {}
	return engine, conn
}

func TestFirstSyncIsFull(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fake := &fakeClient{lists: []fakeList{{
		changes: &ChangeList{
			Messages: []RawMessage{
				rawMsg("m1", "t1", base),
				rawMsg("m2", "t1", base.Add(time.Hour)),
				rawMsg("m3", "t2", base.Add(2*time.Hour)),
			},
			NextCursor: "cursor-1",
		},
	}}}

	engine, conn := buildEngine(t, fake)
	res := engine.SyncConnection(context.Background(), conn)

	if res.Failed() {
		t.Fatalf("sync failed: %v", res.Errors)
	}
	if res.SyncType != SyncFull {
		t.Errorf("SyncType = %q, want full", res.SyncType)
	}
	if res.Synced != 3 {
		t.Errorf("Synced = %d, want 3", res.Synced)
	}
	if fake.cursors[0] != "" {
		t.Errorf("first sync must not pass a cursor, got %q", fake.cursors[0])
	}

	state, err := DecodeSyncState(conn.SyncState)
	if err != nil {
		t.Fatalf("state decode failed: %v", err)
	}
	if state.Cursor != "cursor-1" {
		t.Errorf("cursor = %q, want cursor-1", state.Cursor)
	}
	if !state.FullSyncCompleted {
		t.Error("full sync not marked completed")
	}
}

func TestSecondSyncIsIncremental(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fake := &fakeClient{lists: []fakeList{
		{changes: &ChangeList{
			Messages:   []RawMessage{rawMsg("m1", "t1", base)},
			NextCursor: "cursor-1",
		}},
		{changes: &ChangeList{
			Messages:   []RawMessage{rawMsg("m2", "t1", base.Add(time.Hour))},
			NextCursor: "cursor-2",
		}},
	}}

	engine, conn := buildEngine(t, fake)
	if res := engine.SyncConnection(context.Background(), conn); res.Failed() {
		t.Fatalf("first sync failed: %v", res.Errors)
	}

	res := engine.SyncConnection(context.Background(), conn)
	if res.Failed() {
		t.Fatalf("second sync failed: %v", res.Errors)
	}
	if res.SyncType != SyncIncremental {
		t.Errorf("SyncType = %q, want incremental", res.SyncType)
	}
	if got := fake.cursors[1]; got != "cursor-1" {
		t.Errorf("incremental pass used cursor %q, want cursor-1", got)
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}
}

func TestOverlappingDeliveryIsIdempotent(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	msgs := []RawMessage{
		rawMsg("m1", "t1", base),
		rawMsg("m2", "t1", base.Add(time.Hour)),
	}
	fake := &fakeClient{lists: []fakeList{
		{changes: &ChangeList{Messages: msgs, NextCursor: "cursor-1"}},
		// Same window re-delivered, as after a crash before cursor advance.
		{changes: &ChangeList{Messages: msgs, NextCursor: "cursor-1"}},
	}}

	engine, conn := buildEngine(t, fake)
	first := engine.SyncConnection(context.Background(), conn)
	second := engine.SyncConnection(context.Background(), conn)

	if first.Synced != 2 {
		t.Errorf("first pass Synced = %d, want 2", first.Synced)
	}
	if second.Synced != 0 {
		t.Errorf("re-delivered pass Synced = %d, want 0", second.Synced)
	}
	if second.Skipped != 2 {
		t.Errorf("re-delivered pass Skipped = %d, want 2", second.Skipped)
	}

	var count int64
	if err := engine.db.Model(&models.EmailMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("message rows = %d, want 2", count)
	}
}

func TestInvalidCursorFallsBackToFull(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fake := &fakeClient{lists: []fakeList{
		{changes: &ChangeList{CursorInvalid: true}},
		{changes: &ChangeList{
			Messages:   []RawMessage{rawMsg("m1", "t1", base)},
			NextCursor: "cursor-2",
		}},
	}}

	engine, conn := buildEngine(t, fake)
	seedState := &SyncState{Cursor: "expired-cursor", FullSyncCompleted: true}
	doc, _ := seedState.Encode()
	if err := engine.db.Model(conn).Update("sync_state", doc).Error; err != nil {
		t.Fatalf("seed state failed: %v", err)
	}
	conn.SyncState = doc

	res := engine.SyncConnection(context.Background(), conn)
	if res.Failed() {
		t.Fatalf("sync failed: %v", res.Errors)
	}
	if res.SyncType != SyncFull {
		t.Errorf("SyncType = %q, want full after cursor invalidation", res.SyncType)
	}
	if len(fake.cursors) != 2 || fake.cursors[0] != "expired-cursor" || fake.cursors[1] != "" {
		t.Errorf("cursor sequence = %v, want [expired-cursor, \"\"]", fake.cursors)
	}

	state, _ := DecodeSyncState(conn.SyncState)
	if state.Cursor != "cursor-2" {
		t.Errorf("cursor = %q, want cursor-2", state.Cursor)
	}
}

func TestBatchFailureKeepsCommittedBatchesAndCursor(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fake := &fakeClient{lists: []fakeList{{
		changes: &ChangeList{
			Messages: []RawMessage{
				rawMsg("m1", "t1", base),
				rawMsg("m2", "t1", base.Add(time.Hour)),
				rawMsg("m3", "t2", base.Add(2*time.Hour)),
				rawMsg("m4", "t2", base.Add(3*time.Hour)),
			},
			NextCursor: "cursor-1",
		},
	}}}

	engine, conn := buildEngine(t, fake)

	// Make the second batch fail at the store layer: m3 cannot be inserted.
	if err := engine.db.Exec(`CREATE TRIGGER reject_m3 BEFORE INSERT ON email_messages
		WHEN NEW.external_message_id = 'm3'
		BEGIN SELECT RAISE(ABORT, 'storage failure'); END`).Error; err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	res := engine.SyncConnection(context.Background(), conn)
	if !res.Failed() {
		t.Fatal("expected failed result")
	}
	if res.Synced != 2 {
		t.Errorf("Synced = %d, want 2 from the committed batch", res.Synced)
	}

	// Batch one stays committed, batch two is rolled back whole.
	var count int64
	if err := engine.db.Model(&models.EmailMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("message rows = %d, want 2", count)
	}

	var stored models.EmailConnection
	if err := engine.db.First(&stored, conn.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	state, err := DecodeSyncState(stored.SyncState)
	if err != nil {
		t.Fatalf("state decode failed: %v", err)
	}
	if state.Cursor != "" {
		t.Errorf("failed pass advanced cursor to %q", state.Cursor)
	}
	if state.FullSyncCompleted {
		t.Error("failed pass marked full sync completed")
	}
	if state.LastError == nil {
		t.Error("LastError not recorded")
	}
}

func TestTransientFetchErrorIsRetried(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	fake := &fakeClient{lists: []fakeList{
		{err: Transient(context.DeadlineExceeded)},
		{changes: &ChangeList{
			Messages:   []RawMessage{rawMsg("m1", "t1", base)},
			NextCursor: "cursor-1",
		}},
	}}

	engine, conn := buildEngine(t, fake)
	res := engine.SyncConnection(context.Background(), conn)

	if res.Failed() {
		t.Fatalf("sync should recover from a transient failure: %v", res.Errors)
	}
	if fake.calls != 2 {
		t.Errorf("ListChanges called %d times, want 2", fake.calls)
	}
}

func TestReauthFailureMarksConnectionRevoked(t *testing.T) {
	fake := &fakeClient{lists: []fakeList{{err: ErrReauthRequired}}}

	engine, conn := buildEngine(t, fake)
	seedState := &SyncState{Cursor: "cursor-1", FullSyncCompleted: true}
	doc, _ := seedState.Encode()
	if err := engine.db.Model(conn).Update("sync_state", doc).Error; err != nil {
		t.Fatalf("seed state failed: %v", err)
	}
	conn.SyncState = doc

	var notified *models.EmailConnection
	engine.OnReauth(func(c *models.EmailConnection) { notified = c })

	res := engine.SyncConnection(context.Background(), conn)
	if !res.Failed() {
		t.Fatal("expected failed result")
	}
	if fake.calls != 1 {
		t.Errorf("dead grant retried %d times, want 1 call", fake.calls)
	}
	if notified == nil || notified.ID != conn.ID {
		t.Error("reauth handler not invoked")
	}

	var stored models.EmailConnection
	if err := engine.db.First(&stored, conn.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Status != models.ConnectionStatusRevoked {
		t.Errorf("status = %q, want revoked", stored.Status)
	}

	state, _ := DecodeSyncState(stored.SyncState)
	if state.Cursor != "cursor-1" {
		t.Errorf("failure moved cursor to %q", state.Cursor)
	}
	if state.LastError == nil {
		t.Error("LastError not recorded")
	}
}

func TestRevokedConnectionIsSkipped(t *testing.T) {
	fake := &fakeClient{lists: []fakeList{{changes: &ChangeList{}}}}

	engine, conn := buildEngine(t, fake)
	if err := engine.db.Model(conn).Update("status", models.ConnectionStatusRevoked).Error; err != nil {
		t.Fatalf("seed status failed: %v", err)
	}
	conn.Status = models.ConnectionStatusRevoked

	res := engine.SyncConnection(context.Background(), conn)
	if !res.Failed() {
		t.Fatal("revoked connection should not sync")
	}
	if fake.calls != 0 {
		t.Errorf("revoked connection still hit the provider %d times", fake.calls)
	}
}

func TestConcurrentSyncOnOneConnectionIsExcluded(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	release := make(chan struct{})
	fake := &blockingClient{
		release: release,
		started: make(chan struct{}),
		msg:     rawMsg("m1", "t1", base),
	}

	engine, conn := buildEngine(t, fake)

	var wg sync.WaitGroup
	wg.Add(1)
	var first *Result
	go func() {
		defer wg.Done()
		first = engine.SyncConnection(context.Background(), conn)
	}()

	<-fake.started
	second := engine.SyncConnection(context.Background(), conn)
	close(release)
	wg.Wait()

	if first.Failed() {
		t.Fatalf("first pass failed: %v", first.Errors)
	}
	if !second.Failed() {
		t.Error("overlapping pass should have been rejected")
	}
}

// blockingClient parks ListChanges until released, to hold the
// per-connection lock across a second call.
type blockingClient struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
	msg     RawMessage
}

func (b *blockingClient) ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*ChangeList, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return &ChangeList{Messages: []RawMessage{b.msg}, NextCursor: "cursor-1"}, nil
}

func (b *blockingClient) GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*RawMessage, error) {
	return nil, ErrNotFound
}

func (b *blockingClient) MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error {
	return nil
}
