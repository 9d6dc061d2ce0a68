package models

import (
	"time"

	"gorm.io/gorm"
)

// Connection status values
const (
	ConnectionStatusActive        = "active"
	ConnectionStatusExpired       = "expired"
	ConnectionStatusRevoked       = "revoked"
	ConnectionStatusPendingReauth = "pending_reauth"
)

// Provider types
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// EmailConnection represents a linked external mailbox for a user.
// At most one non-deleted active connection exists per (user, provider);
// that connection is the default send/receive identity.
type EmailConnection struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Provider      string `gorm:"not null;index" json:"provider"` // gmail, imap
	ProviderEmail string `gorm:"not null" json:"provider_email"`

	// ========= OAuth Configuration =========
	AccessToken  string    `json:"-"` // Encrypted in application layer
	RefreshToken string    `json:"-"` // Encrypted in application layer
	TokenExpiry  time.Time `json:"token_expiry"`
	Scopes       string    `json:"scopes"` // space-separated granted scopes

	// ========= IMAP Configuration (non-OAuth providers) =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status =========
	Status string `gorm:"not null;default:'active';index" json:"status"`

	// Provider-specific checkpoint state stored as an opaque JSON document.
	// Consumers must tolerate unknown keys (see mailsync.SyncState).
	SyncState string `gorm:"type:text" json:"-"`

	// Relations
	User User `json:"-"`
}

// Sanitize strips credential material before the connection is serialized
// out of the API.
func (c *EmailConnection) Sanitize() {
	c.AccessToken = ""
	c.RefreshToken = ""
	c.IMAPPassword = ""
	c.SyncState = ""
}

// IsUsable reports whether the connection can be synced at all.
func (c *EmailConnection) IsUsable() bool {
	return c.Status == ConnectionStatusActive
}
