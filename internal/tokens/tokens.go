// Package tokens provides model-aware token counting for chat turns.
//
// Counting is deterministic for a given model: the same turn sequence always
// yields the same count, which the history store and reply pipeline rely on
// for trimming and budget decisions.
package tokens

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// Per-turn framing overhead in tokens. Chat completion requests wrap every
// message in role and separator tokens; 4 matches the OpenAI chat format.
const turnOverhead = 4

// Counter counts tokens for text and turn sequences.
type Counter interface {
	// CountText returns the token count of a plain string.
	CountText(text string) int

	// CountTurns returns the token count of a turn sequence, including
	// per-turn framing overhead. Multi-part bodies count as the sum of
	// their parts; empty content counts only the framing overhead.
	CountTurns(turns []models.ChatTurn) int
}

// TiktokenCounter implements Counter using the tiktoken BPE vocabulary for a
// configured model.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTiktokenCounter creates a counter for the given model identifier.
// Unknown models fall back to the cl100k_base encoding.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Debug("tokens.NewTiktokenCounter: unknown model, falling back to cl100k_base", "model", model, "error", err)
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback encoding: %w", err)
		}
	}
	return &TiktokenCounter{encoding: enc, model: model}, nil
}

// Model returns the model identifier the counter was configured for.
func (c *TiktokenCounter) Model() string { return c.model }

// CountText returns the token count of a plain string.
func (c *TiktokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountTurns returns the token count of a turn sequence.
func (c *TiktokenCounter) CountTurns(turns []models.ChatTurn) int {
	total := 0
	for _, turn := range turns {
		total += turnOverhead
		if len(turn.Parts) > 0 {
			for _, part := range turn.Parts {
				total += c.CountText(part.Text)
			}
			continue
		}
		total += c.CountText(turn.Content)
	}
	return total
}
