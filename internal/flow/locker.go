package flow

import (
	"context"
	"sync"
)

// ConversationLocker serializes reply generation per conversation id so
// concurrent webhook deliveries for the same sender cannot interleave their
// history reads and appends.
type ConversationLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewConversationLocker creates an empty locker.
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{locks: make(map[string]chan struct{})}
}

// Lock acquires the lock for the conversation id, waiting until it becomes
// available or the context is cancelled.
func (l *ConversationLocker) Lock(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	ch, ok := l.locks[conversationID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[conversationID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock for the conversation id. Unlocking an id that was
// never locked is a no-op.
func (l *ConversationLocker) Unlock(conversationID string) {
	l.mu.Lock()
	ch, ok := l.locks[conversationID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}
