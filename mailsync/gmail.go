package mailsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

const (
	gmailPageSize     = 100
	gmailRateRetries  = 3
	gmailDefaultDelay = 5 * time.Second
)

// GmailClient talks to the Gmail API. The cursor is Gmail's history id: an
// opaque, monotonically advancing token. A history id the API no longer
// honors (404) is reported as CursorInvalid so the engine falls back to a
// full sync.
type GmailClient struct {
	vault *TokenVault
	sleep func(time.Duration)
}

func NewGmailClient(vault *TokenVault) *GmailClient {
	return &GmailClient{vault: vault, sleep: time.Sleep}
}

func (g *GmailClient) service(ctx context.Context, conn *models.EmailConnection) (*gmail.Service, error) {
	access, err := g.vault.AccessToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to create gmail service: %w", err))
	}
	return svc, nil
}

func (g *GmailClient) ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*ChangeList, error) {
	svc, err := g.service(ctx, conn)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return g.fullList(ctx, svc, lookback)
	}
	return g.incrementalList(ctx, svc, cursor)
}

// fullList walks the message list bounded by the lookback window and takes
// the profile's current history id as the next cursor.
func (g *GmailClient) fullList(ctx context.Context, svc *gmail.Service, lookback time.Duration) (*ChangeList, error) {
	query := ""
	if lookback > 0 {
		since := time.Now().Add(-lookback)
		query = "after:" + since.Format("2006/01/02")
	}

	var ids []string
	pageToken := ""
	for {
		call := svc.Users.Messages.List("me").
			IncludeSpamTrash(false).
			MaxResults(gmailPageSize).
			Context(ctx)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := gmailDo(ctx, g.sleep, func() (*gmail.ListMessagesResponse, error) { return call.Do() })
		if err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	messages, err := g.fetchAll(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	list := &ChangeList{Messages: messages}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err == nil && profile.HistoryId != 0 {
		list.NextCursor = strconv.FormatUint(profile.HistoryId, 10)
	}
	return list, nil
}

// incrementalList drains the history feed since the stored cursor. Both new
// messages and label changes (read state lives in labels) surface the
// affected message for refetch.
func (g *GmailClient) incrementalList(ctx context.Context, svc *gmail.Service, cursor string) (*ChangeList, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		// Cursor from another provider or corrupted storage: recoverable
		// by full sync, same as an expired history id.
		return &ChangeList{CursorInvalid: true}, nil
	}

	latest := startID
	seen := make(map[string]struct{})
	var ids []string
	collect := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	pageToken := ""
	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startID).
			MaxResults(gmailPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := gmailDo(ctx, g.sleep, func() (*gmail.ListHistoryResponse, error) { return call.Do() })
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// History id too old to replay.
				return &ChangeList{CursorInvalid: true}, nil
			}
			return nil, err
		}

		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				collect(rec.Message.Id)
			}
			for _, rec := range h.LabelsAdded {
				collect(rec.Message.Id)
			}
			for _, rec := range h.LabelsRemoved {
				collect(rec.Message.Id)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	messages, err := g.fetchAll(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	// History entries are changes observed now, not backfill: stamp them with
	// the observation time so a label flip can supersede an older local row.
	// Full listings keep the message date, which lets local writes made while
	// the remote was unreachable survive the next pass.
	now := time.Now().UTC()
	for i := range messages {
		messages[i].RemoteUpdatedAt = now
	}
	return &ChangeList{Messages: messages, NextCursor: strconv.FormatUint(latest, 10)}, nil
}

func (g *GmailClient) fetchAll(ctx context.Context, svc *gmail.Service, ids []string) ([]RawMessage, error) {
	messages := make([]RawMessage, 0, len(ids))
	for _, id := range ids {
		id := id
		meta, err := gmailDo(ctx, g.sleep, func() (*gmail.Message, error) {
			return svc.Users.Messages.Get("me", id).Format("metadata").Context(ctx).Do()
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted remotely between list and get
			}
			return nil, err
		}
		messages = append(messages, normalizeGmailMessage(meta))
	}
	return messages, nil
}

func (g *GmailClient) GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*RawMessage, error) {
	svc, err := g.service(ctx, conn)
	if err != nil {
		return nil, err
	}
	meta, err := svc.Users.Messages.Get("me", externalID).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleErr(err)
	}
	raw := normalizeGmailMessage(meta)
	return &raw, nil
}

func (g *GmailClient) MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error {
	svc, err := g.service(ctx, conn)
	if err != nil {
		return err
	}
	req := &gmail.ModifyMessageRequest{}
	if read {
		req.RemoveLabelIds = []string{"UNREAD"}
	} else {
		req.AddLabelIds = []string{"UNREAD"}
	}
	if _, err := svc.Users.Messages.Modify("me", externalID, req).Context(ctx).Do(); err != nil {
		return classifyGoogleErr(err)
	}
	return nil
}

// gmailDo runs one API call, absorbing rate-limit responses by sleeping per
// the provider hint and retrying the same page, so pagination progress is
// never discarded. Retries are capped; exhaustion surfaces the rate limit.
func gmailDo[T any](ctx context.Context, sleep func(time.Duration), call func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		out, err := call()
		if err == nil {
			return out, nil
		}
		cerr := classifyGoogleErr(err)
		var rl *RateLimitedError
		if !errors.As(cerr, &rl) || attempt >= gmailRateRetries {
			return zero, cerr
		}
		delay := rl.RetryAfter
		if delay <= 0 {
			delay = gmailDefaultDelay << uint(attempt)
		}
		select {
		case <-ctx.Done():
			return zero, Transient(ctx.Err())
		default:
		}
		sleep(delay)
	}
}

func normalizeGmailMessage(m *gmail.Message) RawMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	fromEmail, fromName := splitAddress(headers["from"])
	sentAt := time.UnixMilli(m.InternalDate).UTC()

	raw := RawMessage{
		ExternalID:      m.Id,
		ThreadID:        m.ThreadId,
		Subject:         headers["subject"],
		From:            fromEmail,
		FromName:        fromName,
		To:              splitAddressList(headers["to"]),
		Cc:              splitAddressList(headers["cc"]),
		SentAt:          sentAt,
		Snippet:         m.Snippet,
		Labels:          m.LabelIds,
		InReplyTo:       strings.TrimSpace(headers["in-reply-to"]),
		References:      strings.TrimSpace(headers["references"]),
		RemoteUpdatedAt: sentAt,
	}
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			raw.IsUnread = true
		}
	}
	raw.HasAttachments = gmailHasAttachments(m.Payload)
	return raw
}

func gmailHasAttachments(p *gmail.MessagePart) bool {
	if p == nil {
		return false
	}
	if p.Filename != "" {
		return true
	}
	for _, part := range p.Parts {
		if gmailHasAttachments(part) {
			return true
		}
	}
	return false
}

func splitAddress(header string) (email, name string) {
	addr, err := mail.ParseAddress(header)
	if err != nil {
		return strings.TrimSpace(header), ""
	}
	return addr.Address, addr.Name
}

func splitAddressList(header string) []string {
	if header == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		var out []string
		for _, part := range strings.Split(header, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// classifyGoogleErr maps googleapi failures onto the package taxonomy.
func classifyGoogleErr(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return Transient(err)
	}
	switch gerr.Code {
	case http.StatusUnauthorized:
		return ErrReauthRequired
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: googleRetryAfter(gerr)}
	case http.StatusForbidden:
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return &RateLimitedError{RetryAfter: googleRetryAfter(gerr)}
			}
		}
		return ErrReauthRequired
	}
	return Transient(err)
}

func googleRetryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return 0
	}
	if v := gerr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
