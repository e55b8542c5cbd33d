package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST API. Inbound messages
// arrive through the HTTP webhook, which the API layer feeds into
// EmitResponse.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService wraps a Twilio sender as a messaging service.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp recipient to digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op: Twilio has no live connection to poll.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

// Stop closes the channels after in-flight emits drain.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.receipts)
		close(s.responses)
	}()
	return nil
}

// SendMessage sends through Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// EmitResponse pushes an inbound webhook message into the responses channel.
func (s *TwilioService) EmitResponse(response models.Response) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService.EmitResponse: dropping inbound response, service stopped", "from", response.From)
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("TwilioService.EmitResponse: response emitted", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.EmitResponse: responses channel blocked, dropping message", "from", response.From)
	}
}

func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}

// Receipts returns the channel of sent receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt { return s.receipts }

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.Response { return s.responses }
