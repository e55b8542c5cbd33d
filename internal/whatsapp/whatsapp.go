// Package whatsapp wraps the whatsmeow client for the direct WhatsApp channel.
// It handles device storage, the QR login flow and plain-text sends.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/store"
)

const (
	// DefaultSQLitePath is where the whatsmeow device database lives when no
	// DSN is configured.
	DefaultSQLitePath = "/var/lib/citabot/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends WhatsApp text messages. Satisfied by Client and by test mocks.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN  string
	QRPath string
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// NewClient opens the device store, connects and, when no session exists yet,
// runs the QR login flow before returning.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no DSN configured, using default SQLite path", "path", dbDSN)
	}
	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp device store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("whatsapp.NewClient: login required, starting QR flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			} else {
				slog.Debug("whatsapp.NewClient: login event", "event", evt.Event)
			}
		}
	} else {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a plain-text WhatsApp message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("whatsapp.SendMessage: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient exposes the underlying whatsmeow client for event registration.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the connection to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}
