package mailsync

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

const imapSnippetLen = 200

// IMAPClient syncs plain IMAP mailboxes. The cursor is
// "<uidvalidity>:<last seen uid>"; a UIDVALIDITY change on the mailbox
// invalidates stored UIDs, which is reported as CursorInvalid.
//
// IMAP without extensions has no change feed, so incremental passes only
// observe new messages; flag changes on old mail converge on the next full
// resync.
type IMAPClient struct{}

func NewIMAPClient() *IMAPClient {
	return &IMAPClient{}
}

func (ic *IMAPClient) dial(conn *models.EmailConnection) (*client.Client, error) {
	password, err := utils.Decrypt(conn.IMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", conn.IMAPHost, conn.IMAPPort)
	var c *client.Client

	switch strings.ToUpper(conn.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, &tls.Config{ServerName: conn.IMAPHost})
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: conn.IMAPHost})
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to connect to IMAP server: %w", err))
	}

	if err := c.Login(conn.IMAPUsername, password); err != nil {
		c.Logout()
		// IMAP has no refresh flow: a rejected login is a dead credential.
		return nil, ErrReauthRequired
	}
	return c, nil
}

func (ic *IMAPClient) mailbox(conn *models.EmailConnection) string {
	if conn.IMAPMailbox != "" {
		return conn.IMAPMailbox
	}
	return "INBOX"
}

// Verify checks the stored credentials by logging in and selecting the
// configured mailbox. Used when a connection is first created.
func (ic *IMAPClient) Verify(ctx context.Context, conn *models.EmailConnection) error {
	c, err := ic.dial(conn)
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(ic.mailbox(conn), true); err != nil {
		return Transient(fmt.Errorf("failed to select mailbox: %w", err))
	}
	return nil
}

func (ic *IMAPClient) ListChanges(ctx context.Context, conn *models.EmailConnection, cursor string, lookback time.Duration) (*ChangeList, error) {
	c, err := ic.dial(conn)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mbox, err := c.Select(ic.mailbox(conn), true)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to select mailbox: %w", err))
	}

	var lastUID uint32
	if cursor != "" {
		validity, uid, parseErr := parseIMAPCursor(cursor)
		if parseErr != nil || validity != mbox.UidValidity {
			return &ChangeList{CursorInvalid: true}, nil
		}
		lastUID = uid
	}

	criteria := imap.NewSearchCriteria()
	if cursor == "" {
		if lookback > 0 {
			criteria.Since = time.Now().Add(-lookback)
		}
	} else {
		seqset := new(imap.SeqSet)
		seqset.AddRange(lastUID+1, 0) // 0 means "*"
		criteria.Uid = seqset
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to search messages: %w", err))
	}

	maxUID := lastUID
	var messages []RawMessage
	if len(uids) > 0 {
		messages, maxUID, err = ic.fetchUIDs(c, uids, lastUID)
		if err != nil {
			return nil, err
		}
	}

	return &ChangeList{
		Messages:   messages,
		NextCursor: fmt.Sprintf("%d:%d", mbox.UidValidity, maxUID),
	}, nil
}

func (ic *IMAPClient) fetchUIDs(c *client.Client, uids []uint32, floor uint32) ([]RawMessage, uint32, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	maxUID := floor
	var messages []RawMessage
	for msg := range ch {
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
		raw, err := normalizeIMAPMessage(msg, section)
		if err != nil {
			continue // unparseable message, skip rather than wedge the pass
		}
		messages = append(messages, raw)
	}
	if err := <-done; err != nil {
		return nil, floor, Transient(fmt.Errorf("error during fetch: %w", err))
	}
	return messages, maxUID, nil
}

func (ic *IMAPClient) GetMessage(ctx context.Context, conn *models.EmailConnection, externalID string) (*RawMessage, error) {
	c, err := ic.dial(conn)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select(ic.mailbox(conn), true); err != nil {
		return nil, Transient(fmt.Errorf("failed to select mailbox: %w", err))
	}

	uids, err := ic.findByMessageID(c, externalID)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, ErrNotFound
	}

	messages, _, err := ic.fetchUIDs(c, uids[:1], 0)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return &messages[0], nil
}

func (ic *IMAPClient) MarkRead(ctx context.Context, conn *models.EmailConnection, externalID string, read bool) error {
	c, err := ic.dial(conn)
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(ic.mailbox(conn), false); err != nil {
		return Transient(fmt.Errorf("failed to select mailbox: %w", err))
	}

	uids, err := ic.findByMessageID(c, externalID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return ErrNotFound
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	op := imap.FormatFlagsOp(imap.AddFlags, true)
	if !read {
		op = imap.FormatFlagsOp(imap.RemoveFlags, true)
	}
	if err := c.UidStore(seqset, op, []interface{}{imap.SeenFlag}, nil); err != nil {
		return Transient(fmt.Errorf("failed to store flags: %w", err))
	}
	return nil
}

func (ic *IMAPClient) findByMessageID(c *client.Client, messageID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Set("Message-Id", messageID)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to search by message id: %w", err))
	}
	return uids, nil
}

func parseIMAPCursor(cursor string) (validity, uid uint32, err error) {
	if _, err = fmt.Sscanf(cursor, "%d:%d", &validity, &uid); err != nil {
		return 0, 0, fmt.Errorf("malformed IMAP cursor %q", cursor)
	}
	return validity, uid, nil
}

func normalizeIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (RawMessage, error) {
	if msg.Envelope == nil {
		return RawMessage{}, fmt.Errorf("message %d has no envelope", msg.SeqNum)
	}

	raw := RawMessage{
		Subject:         msg.Envelope.Subject,
		SentAt:          msg.Envelope.Date.UTC(),
		RemoteUpdatedAt: msg.Envelope.Date.UTC(),
		InReplyTo:       msg.Envelope.InReplyTo,
	}

	raw.ExternalID = strings.Trim(msg.Envelope.MessageId, "<> ")
	if raw.ExternalID == "" {
		raw.ExternalID = fmt.Sprintf("uid-%d", msg.Uid)
	}

	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		raw.From = from.Address()
		raw.FromName = from.PersonalName
	}
	for _, addr := range msg.Envelope.To {
		raw.To = append(raw.To, addr.Address())
	}
	for _, addr := range msg.Envelope.Cc {
		raw.Cc = append(raw.Cc, addr.Address())
	}

	raw.IsUnread = true
	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			raw.IsUnread = false
		}
	}

	if literal := msg.GetBody(section); literal != nil {
		fillFromMIME(&raw, literal)
	}
	return raw, nil
}

// fillFromMIME extracts the References header, a plain-text snippet and an
// attachment flag from the raw message body. Failures here degrade to the
// envelope-only view rather than failing the message.
func fillFromMIME(raw *RawMessage, literal imap.Literal) {
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return
	}
	raw.References = strings.TrimSpace(mr.Header.Get("References"))
	if v := strings.TrimSpace(mr.Header.Get("In-Reply-To")); v != "" && raw.InReplyTo == "" {
		raw.InReplyTo = v
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if raw.Snippet == "" && strings.Contains(contentType, "text/plain") {
				b, err := io.ReadAll(io.LimitReader(p.Body, imapSnippetLen*4))
				if err == nil {
					raw.Snippet = makeSnippet(string(b))
				}
			}
		case *mail.AttachmentHeader:
			raw.HasAttachments = true
		}
	}
}

func makeSnippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if len(s) > imapSnippetLen {
		s = s[:imapSnippetLen]
	}
	return s
}
