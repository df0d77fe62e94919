// Package flow orchestrates reply generation: it records conversation turns,
// retrieves knowledge, fits the outgoing request into the token budget, and
// invokes the chat completion backend.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/history"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/tokens"
)

// Degradation tiers tried in order; the first request that fits the token
// budget wins. Relevance is front-loaded in ranked retrieval results, so a
// prefix of the snippet list keeps the most useful information.
var degradationTiers = []int{3, 1}

// HistoryStore is the conversation history collaborator.
type HistoryStore interface {
	Messages(conversationID string) []models.ChatTurn
	Append(conversationID string, turn models.ChatTurn)
	Trim(conversationID string) bool
	Reset(conversationID string)
	CountTokens(turns []models.ChatTurn) int
	Counter() tokens.Counter
	TokenLimit() int
}

// SessionTracker is the session activity collaborator.
type SessionTracker interface {
	UpdateActivity(conversationID string)
	IsExpired(conversationID string) bool
	Reset(conversationID string)
}

// KnowledgeRetriever builds knowledge contexts and reduces them to smaller
// tiers. A nil context means "proceed without knowledge".
type KnowledgeRetriever interface {
	BuildContext(ctx context.Context, conversationID, userMessage string) *models.KnowledgeContext
	Tier(kc *models.KnowledgeContext, n int) *models.KnowledgeContext
}

// Completer is the chat completion collaborator.
type Completer interface {
	Complete(ctx context.Context, turns []models.ChatTurn) (string, error)
}

// Normalizer adjusts a raw reply against the knowledge entries it was
// grounded on, e.g. resolving placeholder references to real source links.
type Normalizer interface {
	Normalize(reply string, entries []models.KnowledgeEntry) string
}

// ReplyPipeline generates assistant replies for inbound user messages.
// All collaborators are injected; the pipeline never constructs its own.
type ReplyPipeline struct {
	histories  HistoryStore
	sessions   SessionTracker
	retriever  KnowledgeRetriever
	completer  Completer
	normalizer Normalizer
	locker     *ConversationLocker

	factualKeywords []string
	fallbackReply   string
}

// Config holds the pipeline's behavioral configuration.
type Config struct {
	// FactualKeywords classify a message as a factual query when any of them
	// appears as a case-insensitive substring.
	FactualKeywords []string
	// FallbackReply is returned verbatim for factual queries that have no
	// knowledge grounding.
	FallbackReply string
}

// NewReplyPipeline creates a ReplyPipeline. The retriever and normalizer may
// be nil; histories, sessions, and completer are required.
func NewReplyPipeline(histories HistoryStore, sessions SessionTracker, retriever KnowledgeRetriever, completer Completer, normalizer Normalizer, cfg Config) (*ReplyPipeline, error) {
	if histories == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session tracker is required")
	}
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	return &ReplyPipeline{
		histories:       histories,
		sessions:        sessions,
		retriever:       retriever,
		completer:       completer,
		normalizer:      normalizer,
		locker:          NewConversationLocker(),
		factualKeywords: cfg.FactualKeywords,
		fallbackReply:   cfg.FallbackReply,
	}, nil
}

// GenerateReply runs the full reply pipeline for one inbound message. Calls
// for the same conversation id are serialized; calls for different ids run
// independently.
func (p *ReplyPipeline) GenerateReply(ctx context.Context, conversationID, message string) (*models.ReplyResult, error) {
	if err := p.locker.Lock(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer p.locker.Unlock(conversationID)

	result, err := p.generateLocked(ctx, conversationID, message)
	if err != nil {
		slog.Error("ReplyPipeline.GenerateReply: failed",
			"conversationID", conversationID, "messageLength", len(message), "error", err)
		return nil, err
	}
	return result, nil
}

func (p *ReplyPipeline) generateLocked(ctx context.Context, conversationID, message string) (*models.ReplyResult, error) {
	start := time.Now()

	// A conversation whose session went cold starts over from the system
	// prompt before the new turn is recorded.
	if p.sessions.IsExpired(conversationID) {
		slog.Info("ReplyPipeline.GenerateReply: session expired, resetting conversation",
			"conversationID", conversationID)
		p.histories.Reset(conversationID)
		p.sessions.Reset(conversationID)
	}
	p.sessions.UpdateActivity(conversationID)

	userTurn := models.UserTurn(message)
	p.histories.Append(conversationID, userTurn)
	p.histories.Trim(conversationID)

	var kc *models.KnowledgeContext
	if p.retriever != nil {
		kc = p.retriever.BuildContext(ctx, conversationID, message)
	}

	factual := p.isFactualQuery(message)
	if factual && (kc == nil || len(kc.Snippets) == 0) {
		slog.Info("ReplyPipeline.GenerateReply: factual query without knowledge, using fallback",
			"conversationID", conversationID)
		return p.fallbackResult(userTurn), nil
	}

	conversation := p.histories.Messages(conversationID)
	request, applied, degraded := p.fitKnowledge(conversationID, conversation, kc)

	request, trimmed := history.TrimTurns(request, p.histories.Counter(), p.histories.TokenLimit())
	if trimmed {
		slog.Warn("ReplyPipeline.GenerateReply: trimmed oversized request",
			"conversationID", conversationID, "turns", len(request))
	}

	usage := p.tokenBreakdown(request, applied)
	slog.Debug("ReplyPipeline.GenerateReply: token breakdown",
		"conversationID", conversationID,
		"requestTokens", usage.RequestTokens,
		"knowledgeTokens", usage.KnowledgeTokens,
		"userTokens", usage.UserTokens,
		"conversationTokens", usage.ConversationTokens)

	// Fallback must reflect what was actually sent: a context that failed to
	// fit and was dropped counts the same as no context at all.
	appliedChunks := 0
	if applied != nil {
		appliedChunks = len(applied.Snippets)
	}
	if factual && appliedChunks == 0 {
		slog.Info("ReplyPipeline.GenerateReply: knowledge dropped for factual query, using fallback",
			"conversationID", conversationID)
		return p.fallbackResult(userTurn), nil
	}

	reply, err := p.completer.Complete(ctx, request)
	if err != nil {
		return nil, err
	}
	if reply == "" {
		return nil, models.ErrEmptyCompletion
	}

	if p.normalizer != nil {
		var entries []models.KnowledgeEntry
		if applied != nil {
			entries = applied.Entries
		}
		reply = p.normalizer.Normalize(reply, entries)
	}

	p.histories.Append(conversationID, models.AssistantTurn(reply))
	p.histories.Trim(conversationID)

	usage.DurationMillis = time.Since(start).Milliseconds()
	return &models.ReplyResult{
		Reply:            reply,
		Usage:            usage,
		KnowledgeApplied: appliedChunks > 0,
		AppliedChunks:    appliedChunks,
		Degraded:         degraded,
	}, nil
}

// fitKnowledge inserts the knowledge context message immediately before the
// final user turn, degrading 5→3→1→0 snippets until the request fits the
// token budget. Returns the final request, the applied context (nil if
// dropped), and whether degradation occurred.
func (p *ReplyPipeline) fitKnowledge(conversationID string, conversation []models.ChatTurn, kc *models.KnowledgeContext) ([]models.ChatTurn, *models.KnowledgeContext, bool) {
	if kc == nil || len(kc.Snippets) == 0 {
		return conversation, nil, false
	}
	limit := p.histories.TokenLimit()

	candidate := insertBeforeLast(conversation, models.SystemTurn(kc.Message))
	if p.histories.CountTokens(candidate) <= limit {
		return candidate, kc, false
	}

	available := len(kc.Snippets)
	for _, tier := range degradationTiers {
		if available <= tier {
			continue
		}
		reduced := p.retriever.Tier(kc, tier)
		if reduced == nil {
			continue
		}
		candidate = insertBeforeLast(conversation, models.SystemTurn(reduced.Message))
		if p.histories.CountTokens(candidate) <= limit {
			slog.Info("ReplyPipeline.fitKnowledge: degraded knowledge context",
				"conversationID", conversationID, "from", available, "to", tier)
			return candidate, reduced, true
		}
	}

	slog.Warn("ReplyPipeline.fitKnowledge: dropped all knowledge context",
		"conversationID", conversationID, "snippets", available)
	return conversation, nil, true
}

// tokenBreakdown splits the request's token count into knowledge, user, and
// conversation portions. The user portion is the final turn only.
func (p *ReplyPipeline) tokenBreakdown(request []models.ChatTurn, applied *models.KnowledgeContext) models.TokenUsage {
	total := p.histories.CountTokens(request)

	knowledgeTokens := 0
	if applied != nil {
		knowledgeTokens = p.histories.CountTokens([]models.ChatTurn{models.SystemTurn(applied.Message)})
	}

	userTokens := 0
	if len(request) > 0 {
		userTokens = p.histories.CountTokens(request[len(request)-1:])
	}

	conversationTokens := total - knowledgeTokens - userTokens
	if conversationTokens < 0 {
		conversationTokens = 0
	}
	return models.TokenUsage{
		RequestTokens:      total,
		KnowledgeTokens:    knowledgeTokens,
		UserTokens:         userTokens,
		ConversationTokens: conversationTokens,
	}
}

// fallbackResult builds the fixed-reply result for ungrounded factual
// queries. No completion call is made; only user tokens are reported.
func (p *ReplyPipeline) fallbackResult(userTurn models.ChatTurn) *models.ReplyResult {
	return &models.ReplyResult{
		Reply:        p.fallbackReply,
		Usage:        models.TokenUsage{UserTokens: p.histories.CountTokens([]models.ChatTurn{userTurn})},
		UsedFallback: true,
	}
}

// isFactualQuery reports whether the message touches a factual topic that
// must only be answered from knowledge base content.
func (p *ReplyPipeline) isFactualQuery(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range p.factualKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// insertBeforeLast returns a copy of turns with extra inserted immediately
// before the final turn.
func insertBeforeLast(turns []models.ChatTurn, extra models.ChatTurn) []models.ChatTurn {
	out := make([]models.ChatTurn, 0, len(turns)+1)
	if len(turns) == 0 {
		return append(out, extra)
	}
	out = append(out, turns[:len(turns)-1]...)
	out = append(out, extra)
	return append(out, turns[len(turns)-1])
}
