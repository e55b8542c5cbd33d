package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/whatsapp"
)

// WhatsAppService implements Service over the whatsmeow direct client. It
// listens for message events and feeds them into the responses channel.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps a WhatsApp sender as a messaging service. With a
// full client it also registers for incoming events on Start.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp recipient to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
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

// Stop closes the channels.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends through the client and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	s.emit(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of delivery receipts.
func (s *WhatsAppService) Receipts() <-chan models.Receipt { return s.receipts }

// Responses returns the channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response { return s.responses }

func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents: stopping, context cancelled")
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	response := models.Response{
		From:      from,
		Body:      text,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}

	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService.handleIncomingMessage: forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.handleIncomingMessage: responses channel blocked, dropping message", "from", response.From)
	}
}

func (s *WhatsAppService) emit(receipt models.Receipt) {
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}
