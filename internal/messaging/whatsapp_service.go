package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based client,
// receiving inbound messages over the live WhatsApp connection.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // full client, nil when constructed with a mock
	receipts  chan models.Receipt
	responses chan models.Response
	guard     *stopGuard
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		guard:     newStopGuard(),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// ValidateAndCanonicalizeRecipient strips non-digits from a phone number and
// requires at least 6 digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// Start registers the event handler when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no full client, skipping event handling")
		return nil
	}
	go s.handleEvents(ctx)
	return nil
}

// Stop marks the service stopped, waits for in-flight emits to drain, and
// closes the event channels.
func (s *WhatsAppService) Stop() error {
	if !s.guard.stop() {
		return nil
	}
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.guard.isStopped() {
		return ErrServiceStopped
	}
	if body == "" {
		return models.ErrEmptyMessage
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonicalTo, "error", err)
		return err
	}
	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})

	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents: stopping, context cancelled")
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Non-text messages (images, audio) are not routed to the pipeline.
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring non-text message",
			"from", evt.Info.Sender.String())
		return
	}

	s.safeEmitResponse(models.Response{
		From: e164(evt.Info.Sender.User),
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}

	s.safeEmitReceipt(models.Receipt{
		To:     e164(evt.MessageSource.Sender.User),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) safeEmitReceipt(receipt models.Receipt) {
	if !s.guard.begin() {
		return
	}
	defer s.guard.end()

	select {
	case s.receipts <- receipt:
	case <-s.guard.done:
		slog.Warn("WhatsAppService.safeEmitReceipt: service stopping, dropping receipt", "to", receipt.To)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.safeEmitReceipt: receipts channel blocked, dropping", "to", receipt.To)
	}
}

func (s *WhatsAppService) safeEmitResponse(response models.Response) {
	if !s.guard.begin() {
		slog.Warn("WhatsAppService.safeEmitResponse: dropping inbound message, service stopped", "from", response.From)
		return
	}
	defer s.guard.end()

	select {
	case s.responses <- response:
	case <-s.guard.done:
		slog.Warn("WhatsAppService.safeEmitResponse: service stopping, dropping response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.safeEmitResponse: responses channel blocked, dropping", "from", response.From)
	}
}

// e164 converts a bare JID user part to E.164 form.
func e164(user string) string {
	if strings.HasPrefix(user, "+") {
		return user
	}
	return "+" + user
}
