package mailsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

// Outcome reports what one normalization did. Exactly one of Created /
// Updated is set, or neither for a pure duplicate skip.
type Outcome struct {
	Created  bool
	Updated  bool // read/label state refreshed on an existing row
	ThreadID uint
}

// Normalizer maps raw remote messages into the local Thread/Message schema.
// It owns the two core invariants: one non-deleted thread per
// (user, externalThreadId), and one non-deleted message per
// (user, externalMessageId).
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Apply normalizes one raw message inside tx. Delivering the same raw
// message twice, in the same pass or different passes, never inserts a
// second row: the dedup check runs before any write.
func (n *Normalizer) Apply(tx *gorm.DB, conn *models.EmailConnection, raw *RawMessage) (*Outcome, error) {
	var existing models.EmailMessage
	err := tx.Where("user_id = ? AND external_message_id = ?", conn.UserID, raw.ExternalID).
		First(&existing).Error
	if err == nil {
		updated, err := applyRemoteFlags(tx, &existing, raw)
		if err != nil {
			return nil, err
		}
		return &Outcome{Updated: updated, ThreadID: existing.ThreadID}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}

	thread, err := n.resolveThread(tx, conn, raw)
	if err != nil {
		return nil, err
	}

	msg := models.EmailMessage{
		UserID:            conn.UserID,
		ThreadID:          thread.ID,
		ExternalMessageID: raw.ExternalID,
		FromEmail:         strings.ToLower(raw.From),
		FromName:          raw.FromName,
		ToEmails:          strings.Join(raw.To, ","),
		SentAt:            raw.SentAt,
		IsInbound:         !strings.EqualFold(raw.From, conn.ProviderEmail),
		IsRead:            !raw.IsUnread,
		HasAttachments:    raw.HasAttachments,
		Snippet:           raw.Snippet,
		Labels:            strings.Join(raw.Labels, ","),
		InReplyTo:         raw.InReplyTo,
		References:        raw.References,
	}
	if err := tx.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := n.refreshThread(tx, thread, raw); err != nil {
		return nil, err
	}
	return &Outcome{Created: true, ThreadID: thread.ID}, nil
}

// resolveThread finds or creates the owning thread. Resolution order:
// provider thread id, then reply-chain headers, then a fresh thread.
func (n *Normalizer) resolveThread(tx *gorm.DB, conn *models.EmailConnection, raw *RawMessage) (*models.EmailThread, error) {
	if raw.ThreadID != "" {
		var thread models.EmailThread
		err := tx.Where("user_id = ? AND external_thread_id = ?", conn.UserID, raw.ThreadID).
			First(&thread).Error
		if err == nil {
			return &thread, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("thread lookup failed: %w", err)
		}
	}

	if thread, err := n.threadFromHeaders(tx, conn.UserID, raw); err != nil {
		return nil, err
	} else if thread != nil {
		// Backfill the provider grouping key so later messages in this
		// conversation resolve by id directly.
		if raw.ThreadID != "" && thread.ExternalThreadID == nil {
			if err := tx.Model(thread).Update("external_thread_id", raw.ThreadID).Error; err != nil {
				return nil, fmt.Errorf("failed to backfill thread id: %w", err)
			}
		}
		return thread, nil
	}

	thread := models.EmailThread{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Subject:      raw.Subject,
		Status:       models.ThreadStatusOpen,
	}
	if raw.ThreadID != "" {
		tid := raw.ThreadID
		thread.ExternalThreadID = &tid
	}
	if err := tx.Create(&thread).Error; err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return &thread, nil
}

// threadFromHeaders attaches replies to a known message's thread via
// In-Reply-To / References when the provider gave no grouping key match.
func (n *Normalizer) threadFromHeaders(tx *gorm.DB, userID uint, raw *RawMessage) (*models.EmailThread, error) {
	candidates := referenceIDs(raw)
	if len(candidates) == 0 {
		return nil, nil
	}

	var parent models.EmailMessage
	err := tx.Where("user_id = ? AND external_message_id IN ?", userID, candidates).
		Order("sent_at DESC").
		First(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reference lookup failed: %w", err)
	}

	var thread models.EmailThread
	if err := tx.First(&thread, parent.ThreadID).Error; err != nil {
		return nil, fmt.Errorf("parent thread load failed: %w", err)
	}
	return &thread, nil
}

// refreshThread recomputes the cached aggregates from actual rows, so a
// skipped duplicate can never double-count, and merges participants.
func (n *Normalizer) refreshThread(tx *gorm.DB, thread *models.EmailThread, raw *RawMessage) error {
	var count int64
	if err := tx.Model(&models.EmailMessage{}).
		Where("thread_id = ?", thread.ID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count thread messages: %w", err)
	}

	var last *time.Time
	var newest []models.EmailMessage
	if err := tx.Model(&models.EmailMessage{}).
		Where("thread_id = ?", thread.ID).
		Order("sent_at DESC").
		Limit(1).
		Find(&newest).Error; err != nil {
		return fmt.Errorf("failed to compute last message time: %w", err)
	}
	if len(newest) > 0 {
		last = &newest[0].SentAt
	}

	participants := thread.ParticipantSet()
	participants = append(participants, raw.From)
	participants = append(participants, raw.To...)
	participants = append(participants, raw.Cc...)
	thread.Participants = strings.Join(participants, ",")
	thread.MessageCount = int(count)
	thread.LastMessageAt = last
	if thread.Subject == "" {
		thread.Subject = raw.Subject
	}

	if err := tx.Save(thread).Error; err != nil {
		return fmt.Errorf("failed to refresh thread: %w", err)
	}
	return nil
}

// referenceIDs extracts candidate parent message ids from the threading
// headers, most specific first.
func referenceIDs(raw *RawMessage) []string {
	var ids []string
	if v := strings.Trim(raw.InReplyTo, "<> "); v != "" {
		ids = append(ids, v)
	}
	for _, ref := range strings.Fields(raw.References) {
		if v := strings.Trim(ref, "<> "); v != "" {
			ids = append(ids, v)
		}
	}
	return ids
}
