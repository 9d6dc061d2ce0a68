package mailsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

// Sync pass types.
const (
	SyncFull        = "full"
	SyncIncremental = "incremental"
)

const defaultBackoff = 2 * time.Second

// Options tune one Engine. Zero values fall back to safe defaults.
type Options struct {
	BatchSize  int           // messages committed per transaction
	Lookback   time.Duration // history window for full syncs
	MaxRetries int           // retry budget for retryable fetch failures
}

func (o *Options) fill() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Lookback <= 0 {
		o.Lookback = 90 * 24 * time.Hour
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

// Result summarizes one sync pass over one connection.
type Result struct {
	ConnectionID  uint     `json:"connection_id"`
	UserID        uint     `json:"user_id"`
	Provider      string   `json:"provider"`
	SyncType      string   `json:"sync_type"`
	Synced        int      `json:"synced"`
	Skipped       int      `json:"skipped"`
	LabelsUpdated int      `json:"labels_updated"`
	Errors        []string `json:"errors,omitempty"`
}

func (r *Result) Failed() bool { return len(r.Errors) > 0 }

// ReauthHandler is notified when a pass discovers a dead grant, after the
// connection has been marked revoked.
type ReauthHandler func(conn *models.EmailConnection)

// Engine runs sync passes: decide strategy, fetch, normalize and commit in
// batches, then advance the cursor. The cursor only moves after every batch
// of the pass has committed, so a crash mid-pass costs re-fetching, never
// data. Overlapping passes on one connection are excluded by an in-process
// per-connection lock.
type Engine struct {
	db      *gorm.DB
	clients map[string]Client
	norm    *Normalizer
	opts    Options
	log     *logrus.Entry

	onReauth ReauthHandler
	onResult func(*Result)
	sleep    func(time.Duration)

	mu      sync.Mutex
	running map[uint]bool
}

func NewEngine(db *gorm.DB, clients map[string]Client, opts Options) *Engine {
	opts.fill()
	return &Engine{
		db:      db,
		clients: clients,
		norm:    NewNormalizer(),
		opts:    opts,
		log:     logrus.WithField("component", "sync-engine"),
		sleep:   time.Sleep,
		running: make(map[uint]bool),
	}
}

// OnReauth registers a callback for revoked grants (reconnect emails, UI
// notifications). Must be set before the engine starts syncing.
func (e *Engine) OnReauth(h ReauthHandler) { e.onReauth = h }

// OnResult registers an observer invoked after every finished pass, success
// or failure. Used to push live updates to connected clients.
func (e *Engine) OnResult(h func(*Result)) { e.onResult = h }

func (e *Engine) report(res *Result) *Result {
	if e.onResult != nil {
		e.onResult(res)
	}
	return res
}

// ResetState clears the checkpoint so the next pass runs a full sync.
// Existing messages are untouched; normalization dedup makes the re-listing
// idempotent.
func (e *Engine) ResetState(conn *models.EmailConnection) error {
	if err := e.db.Model(conn).Update("sync_state", "").Error; err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	conn.SyncState = ""
	return nil
}

// SyncConnection runs one pass. It never panics outward and always returns a
// Result; failures are reported in Result.Errors with state recorded on the
// connection.
func (e *Engine) SyncConnection(ctx context.Context, conn *models.EmailConnection) *Result {
	res := &Result{ConnectionID: conn.ID, UserID: conn.UserID, Provider: conn.Provider}

	if !e.acquire(conn.ID) {
		res.Errors = append(res.Errors, "sync already in progress for this connection")
		return e.report(res)
	}
	defer e.release(conn.ID)

	if !conn.IsUsable() {
		res.Errors = append(res.Errors, fmt.Sprintf("connection is %s, skipping", conn.Status))
		return e.report(res)
	}

	client, ok := e.clients[conn.Provider]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("no sync client for provider %q", conn.Provider))
		return e.report(res)
	}

	state, err := DecodeSyncState(conn.SyncState)
	if err != nil {
		// Corrupt checkpoint: recover by starting over rather than wedging
		// the connection forever.
		e.log.WithField("connection_id", conn.ID).WithError(err).Warn("Discarding unreadable sync state")
		state = &SyncState{}
	}

	cursor := state.Cursor
	res.SyncType = SyncIncremental
	if !state.FullSyncCompleted || cursor == "" {
		res.SyncType = SyncFull
		cursor = ""
	}

	e.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"sync_type":     res.SyncType,
	}).Info("Starting sync pass")

	changes, err := e.fetch(ctx, client, conn, cursor)
	if err != nil {
		return e.fail(conn, state, res, err)
	}
	if changes.CursorInvalid {
		// Expired or foreign cursor: fall back to a full listing in the same
		// pass. Dedup absorbs the overlap with already-synced messages.
		res.SyncType = SyncFull
		e.log.WithField("connection_id", conn.ID).Warn("Cursor no longer valid, falling back to full sync")
		changes, err = e.fetch(ctx, client, conn, "")
		if err != nil {
			return e.fail(conn, state, res, err)
		}
	}

	if err := e.commitBatches(conn, changes.Messages, res); err != nil {
		return e.fail(conn, state, res, err)
	}

	state.RecordSuccess(changes.NextCursor, res.Synced, time.Now().UTC())
	if err := e.persistState(conn, state); err != nil {
		return e.fail(conn, state, res, err)
	}

	e.log.WithFields(logrus.Fields{
		"connection_id":  conn.ID,
		"sync_type":      res.SyncType,
		"synced":         res.Synced,
		"skipped":        res.Skipped,
		"labels_updated": res.LabelsUpdated,
	}).Info("Sync pass complete")
	return e.report(res)
}

// fetch calls ListChanges with retry on retryable failures, honoring
// provider back-off hints and otherwise using jittered exponential delays.
func (e *Engine) fetch(ctx context.Context, client Client, conn *models.EmailConnection, cursor string) (*ChangeList, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay, ok := RetryDelay(lastErr)
			if !ok {
				delay = defaultBackoff << uint(attempt-1)
			}
			delay += time.Duration(rand.Int63n(int64(time.Second)))
			e.log.WithFields(logrus.Fields{
				"connection_id": conn.ID,
				"attempt":       attempt,
				"delay":         delay.String(),
			}).Warn("Retrying mailbox fetch")
			select {
			case <-ctx.Done():
				return nil, Transient(ctx.Err())
			default:
			}
			e.sleep(delay)
		}

		changes, err := client.ListChanges(ctx, conn, cursor, e.opts.Lookback)
		if err == nil {
			return changes, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// commitBatches normalizes messages in fixed-size transactions. Committed
// batches stay committed when a later batch fails; the held-back cursor
// makes the next pass re-deliver only the tail.
func (e *Engine) commitBatches(conn *models.EmailConnection, msgs []RawMessage, res *Result) error {
	for start := 0; start < len(msgs); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(msgs) {
			end = len(msgs)
		}

		var created, updated, skipped int
		err := e.db.Transaction(func(tx *gorm.DB) error {
			created, updated, skipped = 0, 0, 0
			for i := start; i < end; i++ {
				out, err := e.norm.Apply(tx, conn, &msgs[i])
				if err != nil {
					return fmt.Errorf("failed to normalize message %q: %w", msgs[i].ExternalID, err)
				}
				switch {
				case out.Created:
					created++
				case out.Updated:
					updated++
				default:
					skipped++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		res.Synced += created
		res.LabelsUpdated += updated
		res.Skipped += skipped
	}
	return nil
}

func (e *Engine) persistState(conn *models.EmailConnection, state *SyncState) error {
	doc, err := state.Encode()
	if err != nil {
		return err
	}
	if err := e.db.Model(conn).Update("sync_state", doc).Error; err != nil {
		return fmt.Errorf("failed to persist sync state: %w", err)
	}
	conn.SyncState = doc
	return nil
}

// fail records the error on the checkpoint (cursor untouched), handles dead
// grants and reports the pass as failed.
func (e *Engine) fail(conn *models.EmailConnection, state *SyncState, res *Result, err error) *Result {
	res.Errors = append(res.Errors, err.Error())

	if errors.Is(err, ErrReauthRequired) {
		if conn.Status == models.ConnectionStatusActive {
			if dbErr := e.db.Model(conn).Update("status", models.ConnectionStatusRevoked).Error; dbErr != nil {
				e.log.WithField("connection_id", conn.ID).WithError(dbErr).Error("Failed to mark connection revoked")
			} else {
				conn.Status = models.ConnectionStatusRevoked
			}
		}
		if e.onReauth != nil {
			e.onReauth(conn)
		}
	} else {
		sentry.CaptureException(err)
	}

	state.RecordFailure(err, time.Now().UTC())
	if persistErr := e.persistState(conn, state); persistErr != nil {
		e.log.WithField("connection_id", conn.ID).WithError(persistErr).Error("Failed to record sync failure")
	}

	e.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"sync_type":     res.SyncType,
	}).WithError(err).Error("Sync pass failed")
	return e.report(res)
}

func (e *Engine) acquire(connID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[connID] {
		return false
	}
	e.running[connID] = true
	return true
}

func (e *Engine) release(connID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, connID)
}
