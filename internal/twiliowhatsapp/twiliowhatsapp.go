// Package twiliowhatsapp wraps the Twilio REST API for the webhook-based
// WhatsApp channel.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/citabot/citabot/internal/models"
)

// Sender sends WhatsApp messages through Twilio. Satisfied by Client and by
// test mocks.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp sends.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client, falling back to the TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("twiliowhatsapp.NewClient: client configured", "from_set", cfg.FromWhats != "")
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// SendMessage sends a WhatsApp message through the Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("twiliowhatsapp.SendMessage: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("twiliowhatsapp.SendMessage: sent", "to", to)
	return nil
}

// MockClient records sends for tests.
type MockClient struct {
	SentMessages []SentMessage
}

// SentMessage is one recorded send.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty recording client.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
