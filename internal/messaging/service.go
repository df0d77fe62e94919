// Package messaging provides pluggable WhatsApp message transports and the
// loop that feeds inbound messages through the reply pipeline.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size for receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// stopGuard coordinates channel emits with Stop. Emits register through
// begin/end while the service runs; stop marks the guard stopped, wakes any
// emit blocked on done, and waits for registered emits to finish. Only after
// stop returns may the owner close its channels.
type stopGuard struct {
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	done    chan struct{}
}

func newStopGuard() *stopGuard {
	return &stopGuard{done: make(chan struct{})}
}

// begin registers an in-flight emit. It reports false once the guard is
// stopped; the caller must not touch the channels in that case.
func (g *stopGuard) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *stopGuard) end() { g.wg.Done() }

// stop marks the guard stopped and blocks until in-flight emits drain.
// It reports false when the guard was already stopped.
func (g *stopGuard) stop() bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	g.stopped = true
	close(g.done)
	g.mu.Unlock()
	g.wg.Wait()
	return true
}

func (g *stopGuard) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Service defines a pluggable message delivery abstraction. It supports
// sending messages and exposes channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier, returning the canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.Response
}
