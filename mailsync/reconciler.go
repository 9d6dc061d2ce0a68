package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

// Reconciler keeps read/label state consistent between the local store and
// the remote mailbox. Local writes commit first and survive remote outages;
// the remote mirror is best effort and converges on later sync passes.
type Reconciler struct {
	db      *gorm.DB
	clients map[string]Client
	log     *logrus.Entry
}

func NewReconciler(db *gorm.DB, clients map[string]Client) *Reconciler {
	return &Reconciler{
		db:      db,
		clients: clients,
		log:     logrus.WithField("component", "reconciler"),
	}
}

// MarkThreadRead flips the read state of every message in the thread. The
// local write always lands; the remote mirror may fail per message without
// rolling anything back. A dead credential is reported as ErrReauthRequired
// after the local change has been applied, so the caller can prompt for
// reconnection.
func (r *Reconciler) MarkThreadRead(ctx context.Context, userID, threadID uint, read bool) error {
	var thread models.EmailThread
	err := r.db.Where("user_id = ?", userID).First(&thread, threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}

	if err := r.db.Model(&models.EmailMessage{}).
		Where("thread_id = ? AND is_read <> ?", thread.ID, read).
		Update("is_read", read).Error; err != nil {
		return fmt.Errorf("failed to update read state: %w", err)
	}

	return r.mirrorThreadRead(ctx, &thread, read)
}

func (r *Reconciler) mirrorThreadRead(ctx context.Context, thread *models.EmailThread, read bool) error {
	var conn models.EmailConnection
	err := r.db.First(&conn, thread.ConnectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // connection removed, nothing to mirror to
	}
	if err != nil {
		return fmt.Errorf("failed to load connection: %w", err)
	}
	if !conn.IsUsable() {
		return ErrReauthRequired
	}

	client, ok := r.clients[conn.Provider]
	if !ok {
		return nil
	}

	var msgs []models.EmailMessage
	if err := r.db.Where("thread_id = ?", thread.ID).Find(&msgs).Error; err != nil {
		return fmt.Errorf("failed to load thread messages: %w", err)
	}

	var reauth bool
	for _, msg := range msgs {
		if err := client.MarkRead(ctx, &conn, msg.ExternalMessageID, read); err != nil {
			if errors.Is(err, ErrReauthRequired) {
				reauth = true
				break
			}
			// Skip and let the next sync pass converge.
			r.log.WithFields(logrus.Fields{
				"connection_id": conn.ID,
				"message_id":    msg.ID,
			}).WithError(err).Warn("Failed to mirror read state to remote")
		}
	}
	if reauth {
		return ErrReauthRequired
	}
	return nil
}

// applyRemoteFlags folds remote read/label state into an existing row under
// the most-recent-write-wins rule: remote state observed at or before the
// row's last local write never overwrites it.
func applyRemoteFlags(tx *gorm.DB, msg *models.EmailMessage, raw *RawMessage) (bool, error) {
	if !raw.RemoteUpdatedAt.After(msg.UpdatedAt) {
		return false, nil
	}

	updates := map[string]interface{}{}
	if read := !raw.IsUnread; msg.IsRead != read {
		updates["is_read"] = read
	}
	if labels := strings.Join(raw.Labels, ","); msg.Labels != labels {
		updates["labels"] = labels
	}
	if len(updates) == 0 {
		return false, nil
	}

	if err := tx.Model(msg).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("failed to apply remote flags: %w", err)
	}
	return true, nil
}
