package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Thread status values
const (
	ThreadStatusOpen     = "open"
	ThreadStatusResolved = "resolved"
	ThreadStatusArchived = "archived"
)

// EmailThread represents a synced conversation.
// Invariant: at most one non-deleted thread per (user, external_thread_id),
// and MessageCount always equals the count of non-deleted messages.
type EmailThread struct {
	gorm.Model
	UserID       uint `gorm:"not null;index" json:"user_id"`
	ConnectionID uint `gorm:"not null;index" json:"connection_id"`

	ExternalThreadID *string `gorm:"index" json:"external_thread_id"` // nil for provider-less threads
	Subject          string  `json:"subject"`

	// Comma-separated set of participant addresses; ordering carries no meaning
	Participants string `gorm:"type:text" json:"participants"`

	MessageCount  int        `gorm:"default:0" json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at"`

	Status string `gorm:"not null;default:'open'" json:"status"`

	// Links owned by collaborating features, never written by sync
	LeadID    *uint `gorm:"index" json:"lead_id,omitempty"`
	ProjectID *uint `gorm:"index" json:"project_id,omitempty"`
	ClientID  *uint `gorm:"index" json:"client_id,omitempty"`

	// Relations
	Messages []EmailMessage `gorm:"foreignKey:ThreadID" json:"messages,omitempty"`
}

// ParticipantSet returns the participant addresses as a slice.
func (t *EmailThread) ParticipantSet() []string {
	if t.Participants == "" {
		return nil
	}
	return strings.Split(t.Participants, ",")
}

// EmailMessage represents one remote message.
// Invariant: ExternalMessageID is unique among non-deleted messages for a
// given user; it is the sole dedup key for overlapping sync passes.
type EmailMessage struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	ThreadID uint `gorm:"not null;index" json:"thread_id"`

	ExternalMessageID string `gorm:"not null;index:idx_messages_user_external" json:"external_message_id"`

	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`
	ToEmails  string `json:"to_emails"`

	SentAt         time.Time `gorm:"not null;index" json:"sent_at"`
	IsInbound      bool      `gorm:"default:true" json:"is_inbound"`
	IsRead         bool      `gorm:"default:false" json:"is_read"`
	HasAttachments bool      `gorm:"default:false" json:"has_attachments"`

	Snippet string `gorm:"type:text" json:"snippet"`
	Labels  string `json:"labels"` // comma-separated provider labels

	// Threading headers kept verbatim for reply-chain resolution
	InReplyTo  string `gorm:"index" json:"in_reply_to"`
	References string `gorm:"type:text" json:"references"`

	// Relations
	Thread EmailThread `json:"-"`
}

// LabelSet returns the provider labels as a slice.
func (m *EmailMessage) LabelSet() []string {
	if m.Labels == "" {
		return nil
	}
	return strings.Split(m.Labels, ",")
}

// BeforeSave normalizes the participant list so set comparison is stable.
func (t *EmailThread) BeforeSave(tx *gorm.DB) error {
	parts := t.ParticipantSet()
	for i := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(parts[i]))
	}
	t.Participants = strings.Join(dedupStrings(parts), ",")
	return nil
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
