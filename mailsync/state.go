package mailsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncState is the per-connection checkpoint document persisted as JSON on
// the EmailConnection row. The cursor is an opaque provider token; its only
// contract is "pass it back to get changes since this point". Unknown keys
// are preserved across decode/encode so provider-specific fields can be
// added without schema churn.
type SyncState struct {
	Cursor            string     `json:"cursor,omitempty"`
	FullSyncCompleted bool       `json:"fullSyncCompleted"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	LastSyncCount     int        `json:"lastSyncCount,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`

	extra map[string]json.RawMessage
}

var knownStateKeys = map[string]struct{}{
	"cursor":            {},
	"fullSyncCompleted": {},
	"lastSyncedAt":      {},
	"lastSyncCount":     {},
	"lastError":         {},
}

// DecodeSyncState parses the stored document. An empty or missing document
// yields a zero state (first sync). Legacy/unknown keys are retained.
func DecodeSyncState(raw string) (*SyncState, error) {
	state := &SyncState{}
	if raw == "" {
		return state, nil
	}

	if err := json.Unmarshal([]byte(raw), state); err != nil {
		return nil, fmt.Errorf("failed to decode sync state: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode sync state document: %w", err)
	}
	for key, val := range doc {
		if _, ok := knownStateKeys[key]; ok {
			continue
		}
		if state.extra == nil {
			state.extra = make(map[string]json.RawMessage)
		}
		state.extra[key] = val
	}

	return state, nil
}

// Encode serializes the state, merging retained unknown keys back in.
func (s *SyncState) Encode() (string, error) {
	known, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode sync state: %w", err)
	}
	if len(s.extra) == 0 {
		return string(known), nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(known, &doc); err != nil {
		return "", fmt.Errorf("failed to merge sync state: %w", err)
	}
	for key, val := range s.extra {
		doc[key] = val
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode sync state: %w", err)
	}
	return string(merged), nil
}

// RecordSuccess updates the checkpoint after a fully committed pass.
func (s *SyncState) RecordSuccess(cursor string, count int, at time.Time) {
	if cursor != "" {
		s.Cursor = cursor
	}
	s.FullSyncCompleted = true
	s.LastSyncedAt = &at
	s.LastSyncCount = count
	s.LastError = nil
}

// RecordFailure notes the error without touching the cursor, so a retry
// resumes from the last safe point.
func (s *SyncState) RecordFailure(err error, at time.Time) {
	msg := err.Error()
	s.LastError = &msg
	s.LastSyncedAt = &at
}
