// Package session tracks per-conversation activity and decides session expiry.
//
// Expiry is activity-based (sliding window): every inbound message resets the
// clock, so a conversation goes cold after a period of silence rather than at
// a fixed interval from its start.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// record is the activity-tracking state for one conversation.
type record struct {
	startTime    time.Time
	lastActivity time.Time
}

// Tracker maintains per-conversation sessions keyed by conversation id.
// State is held in process memory only and is intentionally lost on restart.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*record
	timeout  time.Duration
	nowFunc  func() time.Time // injectable for tests
}

// NewTracker creates a Tracker with the given inactivity timeout.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		sessions: make(map[string]*record),
		timeout:  timeout,
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFunc = fn
}

// Timeout returns the configured inactivity timeout.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// UpdateActivity records activity for the conversation, creating the session
// on first sight. Never fails.
func (t *Tracker) UpdateActivity(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFunc()
	if s, ok := t.sessions[conversationID]; ok {
		s.lastActivity = now
		return
	}
	t.sessions[conversationID] = &record{startTime: now, lastActivity: now}
	slog.Debug("session.Tracker: session created", "conversationID", conversationID)
}

// IsExpired reports whether the session has been idle for at least the
// configured timeout. A conversation with no session is not expired.
func (t *Tracker) IsExpired(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return false
	}
	return t.nowFunc().Sub(s.lastActivity) >= t.timeout
}

// Reset deletes the session if present. No-op when absent.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[conversationID]; ok {
		delete(t.sessions, conversationID)
		slog.Debug("session.Tracker: session reset", "conversationID", conversationID)
	}
}

// AgeMillis returns the elapsed milliseconds since the session started.
// The second return is false when no session exists.
func (t *Tracker) AgeMillis(conversationID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return 0, false
	}
	age := t.nowFunc().Sub(s.startTime).Milliseconds()
	if age < 0 {
		age = 0
	}
	return age, true
}

// TimeUntilExpirationMillis returns the milliseconds remaining before the
// session expires, floored at 0 once expired. The second return is false when
// no session exists.
func (t *Tracker) TimeUntilExpirationMillis(conversationID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return 0, false
	}
	remaining := t.timeout - t.nowFunc().Sub(s.lastActivity)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Milliseconds(), true
}

// StartTime returns the instant of first activity for the session.
func (t *Tracker) StartTime(conversationID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return time.Time{}, false
	}
	return s.startTime, true
}

// LastActivity returns the instant of most recent activity for the session.
func (t *Tracker) LastActivity(conversationID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return time.Time{}, false
	}
	return s.lastActivity, true
}
