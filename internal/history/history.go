// Package history provides the per-conversation bounded message log with
// token-aware trimming.
//
// The store is a pure data structure: it never consults the session tracker.
// Deciding when an expired session forces a reset is owned by the reply
// pipeline, which keeps that orchestration in one place.
package history

import (
	"log/slog"
	"sync"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/tokens"
)

// Store holds the ordered turn sequence for each conversation id. Every
// conversation begins with exactly one system turn carrying the assistant's
// instruction prompt; that turn is never removed by trimming.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]models.ChatTurn
	systemPrompt  string
	counter       tokens.Counter
	tokenLimit    int
}

// NewStore creates a Store. The system prompt seeds every new conversation;
// tokenLimit bounds the token count a stored sequence may reach before Trim
// drops old turns.
func NewStore(systemPrompt string, counter tokens.Counter, tokenLimit int) *Store {
	return &Store{
		conversations: make(map[string][]models.ChatTurn),
		systemPrompt:  systemPrompt,
		counter:       counter,
		tokenLimit:    tokenLimit,
	}
}

// TokenLimit returns the configured token ceiling.
func (s *Store) TokenLimit() int { return s.tokenLimit }

// Counter returns the token counter the store trims with.
func (s *Store) Counter() tokens.Counter { return s.counter }

// Messages returns a copy of the conversation's turn sequence, lazily
// initializing it with the system prompt turn. Repeated calls without
// intervening mutation return identical sequences.
func (s *Store) Messages(conversationID string) []models.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.initLocked(conversationID)
	out := make([]models.ChatTurn, len(turns))
	copy(out, turns)
	return out
}

// Peek returns a copy of the conversation's turn sequence without creating
// it, reporting whether the conversation exists. Read-only callers use this
// so probing an arbitrary id never allocates state.
func (s *Store) Peek(conversationID string) ([]models.ChatTurn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns, ok := s.conversations[conversationID]
	if !ok {
		return nil, false
	}
	out := make([]models.ChatTurn, len(turns))
	copy(out, turns)
	return out, true
}

// Append adds a turn to the conversation, lazily initializing it first.
func (s *Store) Append(conversationID string, turn models.ChatTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.initLocked(conversationID)
	s.conversations[conversationID] = append(turns, turn)
}

// Trim drops the oldest non-system turns from the stored sequence, one at a
// time, until the token count fits the limit or only the system turn remains.
// Returns whether any trimming occurred.
func (s *Store) Trim(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.initLocked(conversationID)
	trimmed, changed := TrimTurns(turns, s.counter, s.tokenLimit)
	if changed {
		s.conversations[conversationID] = trimmed
		slog.Debug("history.Store: trimmed conversation",
			"conversationID", conversationID,
			"turns", len(trimmed),
			"tokens", s.counter.CountTurns(trimmed))
	}
	return changed
}

// Reset restores the conversation to just the system prompt turn.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = []models.ChatTurn{models.SystemTurn(s.systemPrompt)}
	slog.Debug("history.Store: conversation reset", "conversationID", conversationID)
}

// CountTokens counts tokens for an arbitrary turn sequence using the store's
// configured counter.
func (s *Store) CountTokens(turns []models.ChatTurn) int {
	return s.counter.CountTurns(turns)
}

// initLocked returns the stored sequence, creating it with the system turn if
// absent. Caller must hold the lock.
func (s *Store) initLocked(conversationID string) []models.ChatTurn {
	if turns, ok := s.conversations[conversationID]; ok {
		return turns
	}
	turns := []models.ChatTurn{models.SystemTurn(s.systemPrompt)}
	s.conversations[conversationID] = turns
	return turns
}

// TrimTurns removes the oldest non-system turns from the sequence until the
// counter reports it within the limit, or nothing but system turns remain.
// The leading system turn is never a trim candidate. Returns the (possibly
// reduced) sequence and whether anything was removed.
func TrimTurns(turns []models.ChatTurn, counter tokens.Counter, tokenLimit int) ([]models.ChatTurn, bool) {
	changed := false
	for counter.CountTurns(turns) > tokenLimit {
		idx := -1
		for i, t := range turns {
			if t.Role != models.RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		turns = append(turns[:idx:idx], turns[idx+1:]...)
		changed = true
	}
	return turns, changed
}
