package controller

import (
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"

	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
)

// SyncHub fans sync results out to connected websocket clients, keyed by
// user. Slow or gone clients are dropped rather than blocking publishers.
type SyncHub struct {
	mu   sync.Mutex
	subs map[uint]map[chan *mailsync.Result]struct{}
}

func NewSyncHub() *SyncHub {
	return &SyncHub{
		subs: make(map[uint]map[chan *mailsync.Result]struct{}),
	}
}

// Publish delivers a result to every subscriber of the owning user.
func (h *SyncHub) Publish(res *mailsync.Result) {
	if res == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[res.UserID] {
		select {
		case ch <- res:
		default:
			// Subscriber is not keeping up; skip this update.
		}
	}
}

func (h *SyncHub) subscribe(userID uint) chan *mailsync.Result {
	ch := make(chan *mailsync.Result, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan *mailsync.Result]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	return ch
}

func (h *SyncHub) unsubscribe(userID uint, ch chan *mailsync.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subs[userID]; set != nil {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, userID)
		}
	}
}

// HandleSyncWS streams sync pass results to the authenticated user until the
// socket closes.
func (h *SyncHub) HandleSyncWS(c *websocket.Conn) {
	defer c.Close()

	userID, ok := c.Locals("userID").(uint)
	if !ok {
		log.Printf("Sync WS connection without user context")
		return
	}

	ch := h.subscribe(userID)
	defer h.unsubscribe(userID, ch)

	// Reader goroutine: its exit means the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case res := <-ch:
			if err := c.WriteJSON(res); err != nil {
				log.Printf("Error writing sync update: %v", err)
				return
			}
		case <-done:
			return
		}
	}
}
