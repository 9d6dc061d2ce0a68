package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
)

// SyncWorker drives periodic mailbox sync passes over every usable
// connection, fanning out to a bounded pool so one slow mailbox cannot
// starve the rest.
type SyncWorker struct {
	db       *gorm.DB
	engine   *mailsync.Engine
	logger   *log.Logger
	interval time.Duration
	workers  int
}

func NewSyncWorker(db *gorm.DB, engine *mailsync.Engine, logger *log.Logger, interval time.Duration, workers int) *SyncWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if workers <= 0 {
		workers = 4
	}
	return &SyncWorker{
		db:       db,
		engine:   engine,
		logger:   logger,
		interval: interval,
		workers:  workers,
	}
}

func (sw *SyncWorker) Start(ctx context.Context) {
	sw.logger.Println("Starting mailbox sync worker...")
	ticker := time.NewTicker(sw.interval)

	for {
		select {
		case <-ticker.C:
			sw.RunAll(ctx)
		case <-ctx.Done():
			sw.logger.Println("Stopping mailbox sync worker...")
			ticker.Stop()
			return
		}
	}
}

// RunAll syncs every active connection once and reports per-connection
// results. Shared by the ticker loop and the scheduled-job endpoint; a
// connection already being synced elsewhere reports a no-op failure rather
// than running twice.
func (sw *SyncWorker) RunAll(ctx context.Context) []*mailsync.Result {
	var conns []models.EmailConnection
	if err := sw.db.Where("status = ?", models.ConnectionStatusActive).Find(&conns).Error; err != nil {
		sw.logger.Printf("Failed to list connections: %v", err)
		return nil
	}
	if len(conns) == 0 {
		return nil
	}

	sw.logger.Printf("Syncing %d connection(s)...", len(conns))

	results := make([]*mailsync.Result, len(conns))
	sem := make(chan struct{}, sw.workers)
	var wg sync.WaitGroup

	for i := range conns {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = sw.engine.SyncConnection(ctx, &conns[i])
		}(i)
	}
	wg.Wait()

	var failed int
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	sw.logger.Printf("Sync run finished: %d ok, %d failed", len(results)-failed, failed)
	return results
}

// RunConnection syncs a single connection by id, scoped to its owner.
func (sw *SyncWorker) RunConnection(ctx context.Context, userID, connID uint) (*mailsync.Result, error) {
	var conn models.EmailConnection
	if err := sw.db.Where("user_id = ?", userID).First(&conn, connID).Error; err != nil {
		return nil, err
	}
	return sw.engine.SyncConnection(ctx, &conn), nil
}
