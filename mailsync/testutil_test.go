package mailsync

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

func seedConnection(t *testing.T, db *gorm.DB, provider string) *models.EmailConnection {
	t.Helper()

	user := models.User{Email: "owner@example.com", PasswordHash: "x", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	conn := models.EmailConnection{
		UserID:        user.ID,
		Provider:      provider,
		ProviderEmail: "owner@example.com",
		Status:        models.ConnectionStatusActive,
	}
	if err := db.Create(&conn).Error; err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
	return &conn
}

// fakeClient scripts ListChanges responses per call and records the cursors
// it was handed.
type fakeClient struct {
	lists   []fakeList
	calls   int
	cursors []string

	markRead    map[string]bool
	markReadErr error
}

type fakeList struct {
	changes *ChangeList
	err     error
}

func (f *fakeClient) ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*ChangeList, error) {
	f.cursors = append(f.cursors, cursor)
	idx := f.calls
	if idx >= len(f.lists) {
		idx = len(f.lists) - 1
	}
	f.calls++
	entry := f.lists[idx]
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.changes, nil
}

func (f *fakeClient) GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*RawMessage, error) {
	return nil, ErrNotFound
}

func (f *fakeClient) MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error {
	if f.markReadErr != nil {
		return f.markReadErr
	}
	if f.markRead == nil {
		f.markRead = make(map[string]bool)
	}
	f.markRead[externalID] = read
	return nil
}

func rawMsg(id, threadID string, sentAt time.Time) RawMessage {
	return RawMessage{
		ExternalID:      id,
		ThreadID:        threadID,
		Subject:         "Quarterly review",
		From:            "client@corp.example",
		FromName:        "Client",
		To:              []string{"owner@example.com"},
		SentAt:          sentAt,
		Snippet:         "Can we move the call?",
		Labels:          []string{"INBOX", "UNREAD"},
		IsUnread:        true,
		RemoteUpdatedAt: sentAt,
	}
}
