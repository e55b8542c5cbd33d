// Package messaging abstracts the outbound/inbound message channels. A
// Service delivers replies and surfaces participant responses; the router
// feeds responses through the dedup filter into the conversation flow.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// Channel tuning shared by the service implementations.
const (
	// DefaultChannelBufferSize buffers receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable message channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns the canonical form used for sends.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of delivery receipt events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}

// canonicalizePhone reduces a recipient to bare digits and rejects anything
// too short to be a phone number.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
