package mailsync

import (
	"strings"
	"testing"
	"time"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

func TestApplyCreatesThreadAndMessage(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	norm := NewNormalizer()

	raw := rawMsg("msg-1", "thread-1", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	out, err := norm.Apply(db, conn, &raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Created {
		t.Error("expected Created for a new message")
	}

	var thread models.EmailThread
	if err := db.First(&thread, out.ThreadID).Error; err != nil {
		t.Fatalf("thread not created: %v", err)
	}
	if thread.ExternalThreadID == nil || *thread.ExternalThreadID != "thread-1" {
		t.Errorf("external thread id = %v, want thread-1", thread.ExternalThreadID)
	}
	if thread.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", thread.MessageCount)
	}
	if thread.LastMessageAt == nil || !thread.LastMessageAt.Equal(raw.SentAt) {
		t.Errorf("LastMessageAt = %v, want %v", thread.LastMessageAt, raw.SentAt)
	}
	if !strings.Contains(thread.Participants, "client@corp.example") {
		t.Errorf("participants missing sender: %q", thread.Participants)
	}
	if !strings.Contains(thread.Participants, "owner@example.com") {
		t.Errorf("participants missing recipient: %q", thread.Participants)
	}
}

func TestApplyGroupsByExternalThreadID(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	norm := NewNormalizer()

	first := rawMsg("msg-1", "thread-1", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	second := rawMsg("msg-2", "thread-1", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))

	out1, err := norm.Apply(db, conn, &first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out2, err := norm.Apply(db, conn, &second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out1.ThreadID != out2.ThreadID {
		t.Errorf("messages with the same provider thread id landed in different threads: %d vs %d", out1.ThreadID, out2.ThreadID)
	}

	var thread models.EmailThread
	if err := db.First(&thread, out1.ThreadID).Error; err != nil {
		t.Fatalf("thread load failed: %v", err)
	}
	if thread.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", thread.MessageCount)
	}
	if thread.LastMessageAt == nil || !thread.LastMessageAt.Equal(second.SentAt) {
		t.Errorf("LastMessageAt = %v, want %v", thread.LastMessageAt, second.SentAt)
	}
}

func TestApplyGroupsByReplyHeaders(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderIMAP)
	norm := NewNormalizer()

	parent := rawMsg("abc@mail.example", "", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	out1, err := norm.Apply(db, conn, &parent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply := rawMsg("def@mail.example", "", time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC))
	reply.InReplyTo = "<abc@mail.example>"
	reply.References = "<abc@mail.example>"
	out2, err := norm.Apply(db, conn, &reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out1.ThreadID != out2.ThreadID {
		t.Errorf("reply did not join parent thread: %d vs %d", out1.ThreadID, out2.ThreadID)
	}
}

func TestApplyUnrelatedMessagesGetSeparateThreads(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderIMAP)
	norm := NewNormalizer()

	a := rawMsg("a@mail.example", "", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	b := rawMsg("b@mail.example", "", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))

	outA, err := norm.Apply(db, conn, &a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outB, err := norm.Apply(db, conn, &b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outA.ThreadID == outB.ThreadID {
		t.Error("unrelated messages must not share a thread")
	}
}

func TestApplyDeduplicatesByExternalID(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	norm := NewNormalizer()

	raw := rawMsg("msg-1", "thread-1", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	if _, err := norm.Apply(db, conn, &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same message delivered again, as an overlapping pass would.
	dup := rawMsg("msg-1", "thread-1", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	out, err := norm.Apply(db, conn, &dup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Created {
		t.Error("duplicate delivery must not create a second row")
	}
	if out.Updated {
		t.Error("identical duplicate should be a pure skip")
	}

	var count int64
	if err := db.Model(&models.EmailMessage{}).
		Where("user_id = ? AND external_message_id = ?", conn.UserID, "msg-1").
		Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}

	var thread models.EmailThread
	if err := db.First(&thread, out.ThreadID).Error; err != nil {
		t.Fatalf("thread load failed: %v", err)
	}
	if thread.MessageCount != 1 {
		t.Errorf("duplicate delivery inflated MessageCount to %d", thread.MessageCount)
	}
}

func TestApplyBackfillsThreadIDOnHeaderMatch(t *testing.T) {
	db := openTestDB(t)
	conn := seedConnection(t, db, models.ProviderGmail)
	norm := NewNormalizer()

	// Parent arrived without a provider grouping key.
	parent := rawMsg("abc@mail.example", "", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	out1, err := norm.Apply(db, conn, &parent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply := rawMsg("def@mail.example", "thread-9", time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC))
	reply.InReplyTo = "<abc@mail.example>"
	out2, err := norm.Apply(db, conn, &reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out1.ThreadID != out2.ThreadID {
		t.Fatalf("reply did not join parent thread")
	}

	var thread models.EmailThread
	if err := db.First(&thread, out1.ThreadID).Error; err != nil {
		t.Fatalf("thread load failed: %v", err)
	}
	if thread.ExternalThreadID == nil || *thread.ExternalThreadID != "thread-9" {
		t.Errorf("provider thread id not backfilled: %v", thread.ExternalThreadID)
	}
}
