package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	// A second pooled conn would see a different in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedConnection(t *testing.T, db *gorm.DB, email, status string) *models.EmailConnection {
	t.Helper()

	user := models.User{Email: email, PasswordHash: "x", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	conn := models.EmailConnection{
		UserID:        user.ID,
		Provider:      models.ProviderGmail,
		ProviderEmail: email,
		Status:        status,
	}
	if err := db.Create(&conn).Error; err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
	return &conn
}

// recordingClient notes which connections were listed.
type recordingClient struct {
	mu     sync.Mutex
	listed []uint
}

func (r *recordingClient) ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*mailsync.ChangeList, error) {
	r.mu.Lock()
	r.listed = append(r.listed, conn.ID)
	r.mu.Unlock()
	return &mailsync.ChangeList{NextCursor: "cursor-1"}, nil
}

func (r *recordingClient) GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*mailsync.RawMessage, error) {
	return nil, mailsync.ErrNotFound
}

func (r *recordingClient) MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error {
	return nil
}

func buildWorker(t *testing.T, db *gorm.DB, client mailsync.Client) *SyncWorker {
	t.Helper()
	engine := mailsync.NewEngine(db, map[string]mailsync.Client{models.ProviderGmail: client}, mailsync.Options{})
	return NewSyncWorker(db, engine, log.New(log.Writer(), "SYNC-TEST: ", log.LstdFlags), time.Minute, 2)
}

func TestRunAllSyncsOnlyActiveConnections(t *testing.T) {
	db := openTestDB(t)
	active := seedConnection(t, db, "active@example.com", models.ConnectionStatusActive)
	revoked := seedConnection(t, db, "revoked@example.com", models.ConnectionStatusRevoked)

	client := &recordingClient{}
	sw := buildWorker(t, db, client)

	results := sw.RunAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Failed() {
		t.Fatalf("sync failed: %v", results[0].Errors)
	}
	if results[0].ConnectionID != active.ID {
		t.Errorf("synced connection %d, want %d", results[0].ConnectionID, active.ID)
	}
	for _, id := range client.listed {
		if id == revoked.ID {
			t.Error("revoked connection was listed")
		}
	}
}

func TestRunAllWithNoConnections(t *testing.T) {
	db := openTestDB(t)
	sw := buildWorker(t, db, &recordingClient{})

	if results := sw.RunAll(context.Background()); results != nil {
		t.Errorf("expected nil results, got %d", len(results))
	}
}

// gatedClient parks ListChanges until released, to hold a pass in flight.
type gatedClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedClient) ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*mailsync.ChangeList, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return &mailsync.ChangeList{NextCursor: "cursor-1"}, nil
}

func (g *gatedClient) GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*mailsync.RawMessage, error) {
	return nil, mailsync.ErrNotFound
}

func (g *gatedClient) MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error {
	return nil
}

func TestStartDrainsInFlightPassOnCancel(t *testing.T) {
	db := openTestDB(t)
	seedConnection(t, db, "owner@example.com", models.ConnectionStatusActive)

	client := &gatedClient{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := mailsync.NewEngine(db, map[string]mailsync.Client{models.ProviderGmail: client}, mailsync.Options{})
	sw := NewSyncWorker(db, engine, log.New(log.Writer(), "SYNC-TEST: ", log.LstdFlags), 10*time.Millisecond, 2)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sw.Start(ctx)
	}()

	<-client.started
	cancel()

	// The pass is still parked inside ListChanges; Start must wait for it.
	select {
	case <-stopped:
		t.Fatal("Start returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(client.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the pass finished")
	}
}

func TestRunConnectionIsOwnerScoped(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, "owner@example.com", models.ConnectionStatusActive)

	client := &recordingClient{}
	sw := buildWorker(t, db, client)

	res, err := sw.RunConnection(context.Background(), conn.UserID, conn.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed() {
		t.Fatalf("sync failed: %v", res.Errors)
	}

	if _, err := sw.RunConnection(context.Background(), conn.UserID+1, conn.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("cross-user lookup error = %v, want record not found", err)
	}
}
