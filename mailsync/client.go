package mailsync

import (
	"context"
	"time"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

// RawMessage is a provider message stripped down to what normalization
// needs. Inline/CID attachment references in bodies stay opaque here;
// resolving them is a read-path concern of the viewing feature, not of sync.
type RawMessage struct {
	ExternalID string // provider message id, the dedup key
	ThreadID   string // provider grouping key, may be empty

	Subject  string
	From     string // bare address
	FromName string
	To       []string
	Cc       []string

	SentAt  time.Time
	Snippet string

	Labels         []string
	IsUnread       bool
	HasAttachments bool

	// Threading headers for reply-chain resolution when ThreadID is empty
	InReplyTo  string
	References string

	// RemoteUpdatedAt is the freshest timestamp the provider exposes for
	// this message's flag state. Used for the newest-write-wins check when
	// reconciling read state; stale remote flags never clobber newer local
	// writes.
	RemoteUpdatedAt time.Time
}

// ChangeList is the fully drained result of one logical "changes" call.
// Pagination is the client's problem: the engine never observes partial
// pages as separate sync passes.
type ChangeList struct {
	Messages      []RawMessage
	NextCursor    string
	CursorInvalid bool
}

// Client issues list/get/modify calls against one remote mail API and
// translates transport failures into the package's typed errors:
// *RateLimitedError, ErrReauthRequired, ErrNotFound, *TransientError.
// Clients never interpret message content.
type Client interface {
	// ListChanges drains all pages of changes since cursor. An empty cursor
	// requests a full listing bounded by the lookback window. A cursor the
	// provider no longer honors yields CursorInvalid=true, not an error.
	ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*ChangeList, error)

	// GetMessage fetches a single message by provider id.
	GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*RawMessage, error)

	// MarkRead mirrors a local read/unread change onto the remote mailbox.
	MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error
}
