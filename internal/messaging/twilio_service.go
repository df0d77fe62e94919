package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/twiliowhatsapp"
)

// TwilioService implements Service on top of the Twilio WhatsApp API.
// Inbound messages arrive via the webhook handler, not a live connection.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	receipts  chan models.Receipt
	responses chan models.Response
	guard     *stopGuard
}

// NewTwilioService creates a TwilioService around the given sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		guard:     newStopGuard(),
	}
}

// ValidateAndCanonicalizeRecipient strips non-digits from a phone number and
// requires at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
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

	if recipient != canonical {
		slog.Debug("TwilioService.ValidateAndCanonicalizeRecipient: canonicalized",
			"original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio has no live connection to maintain.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped, waits for in-flight emits to drain, and
// closes the event channels.
func (s *TwilioService) Stop() error {
	if !s.guard.stop() {
		return nil
	}
	close(s.receipts)
	close(s.responses)
	slog.Info("TwilioService.Stop: stopped")
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.guard.isStopped() {
		return ErrServiceStopped
	}

	if body == "" {
		return models.ErrEmptyMessage
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}

	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		return err
	}
	slog.Debug("TwilioService.SendMessage: sent", "to", canonicalTo, "sid", sid)

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages fed by the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// WebhookHandler handles inbound Twilio webhook requests, emitting each
// message as a models.Response on the Responses channel. Requests missing a
// sender or body are rejected with 400 and never reach the pipeline.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing required fields",
			"hasFrom", from != "", "hasBody", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.WebhookHandler: inbound message", "from", from, "bodyLength", len(body))
	s.safeEmitResponse(models.Response{From: from, Body: body, Time: time.Now().Unix()})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	if !s.guard.begin() {
		return
	}
	defer s.guard.end()

	select {
	case s.receipts <- receipt:
	case <-s.guard.done:
		slog.Warn("TwilioService.safeEmitReceipt: service stopping, dropping receipt", "to", receipt.To)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.safeEmitReceipt: receipts channel blocked, dropping", "to", receipt.To)
	}
}

func (s *TwilioService) safeEmitResponse(response models.Response) {
	if !s.guard.begin() {
		slog.Warn("TwilioService.safeEmitResponse: dropping inbound response, service stopped", "from", response.From)
		return
	}
	defer s.guard.end()

	select {
	case s.responses <- response:
	case <-s.guard.done:
		slog.Warn("TwilioService.safeEmitResponse: service stopping, dropping response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.safeEmitResponse: responses channel blocked, dropping", "from", response.From)
	}
}
