package messaging

import (
	"context"
	"log/slog"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// ReplyGenerator produces an assistant reply for an inbound message.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, conversationID, message string) (*models.ReplyResult, error)
}

// ConversationExporter archives a conversation after a reply. Implementations
// must never fail the reply path; errors are logged and swallowed internally.
type ConversationExporter interface {
	SaveConversation(conversationID string)
}

// ReplyLoop consumes inbound messages from a Service and answers them through
// the reply pipeline. Each message is handled in its own goroutine; per
// conversation serialization is the pipeline's responsibility.
type ReplyLoop struct {
	service   Service
	generator ReplyGenerator
	exporter  ConversationExporter // optional
}

// NewReplyLoop creates a ReplyLoop. The exporter may be nil.
func NewReplyLoop(service Service, generator ReplyGenerator, exporter ConversationExporter) *ReplyLoop {
	return &ReplyLoop{service: service, generator: generator, exporter: exporter}
}

// Run processes inbound messages until the context is cancelled or the
// service's response channel is closed.
func (l *ReplyLoop) Run(ctx context.Context) {
	slog.Info("ReplyLoop.Run: started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("ReplyLoop.Run: stopping, context cancelled")
			return
		case response, ok := <-l.service.Responses():
			if !ok {
				slog.Info("ReplyLoop.Run: responses channel closed")
				return
			}
			go l.handle(ctx, response)
		}
	}
}

func (l *ReplyLoop) handle(ctx context.Context, response models.Response) {
	conversationID, err := l.service.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("ReplyLoop.handle: invalid sender, dropping message",
			"from", response.From, "error", err)
		return
	}

	result, err := l.generator.GenerateReply(ctx, conversationID, response.Body)
	if err != nil {
		slog.Error("ReplyLoop.handle: reply generation failed",
			"conversationID", conversationID, "error", err)
		return
	}

	if err := l.service.SendMessage(ctx, conversationID, result.Reply); err != nil {
		slog.Error("ReplyLoop.handle: send failed",
			"conversationID", conversationID, "error", err)
		return
	}
	slog.Info("ReplyLoop.handle: replied",
		"conversationID", conversationID,
		"knowledgeApplied", result.KnowledgeApplied,
		"appliedChunks", result.AppliedChunks,
		"usedFallback", result.UsedFallback,
		"requestTokens", result.Usage.RequestTokens,
		"durationMs", result.Usage.DurationMillis)

	if l.exporter != nil {
		l.exporter.SaveConversation(conversationID)
	}
}
