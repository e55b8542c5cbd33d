package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Conversation is the slice of the flow orchestrator the handlers need.
type Conversation interface {
	ProcessMessage(ctx context.Context, sessionID, text string) (models.BotReply, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr       string
	CalendarID string
	Timezone   string
	Channels   []string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCalendarID records the calendar id shown in diagnostics.
func WithCalendarID(id string) Option {
	return func(o *Opts) { o.CalendarID = id }
}

// WithTimezone records the timezone shown in diagnostics.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// WithChannels records the active message channels shown in diagnostics.
func WithChannels(channels ...string) Option {
	return func(o *Opts) { o.Channels = channels }
}

// Server wires the HTTP endpoints to the conversation flow, the booking
// service and the session store.
type Server struct {
	flow     Conversation
	booking  *booking.Service
	store    store.Store
	whatsapp *messaging.TwilioService

	addr       string
	calendarID string
	timezone   string
	channels   []string

	httpServer *http.Server
}

// NewServer creates the API server. The messaging service may be nil when the
// WhatsApp webhook channel is disabled.
func NewServer(flow Conversation, booker *booking.Service, st store.Store, whatsappSvc *messaging.TwilioService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		flow:       flow,
		booking:    booker,
		store:      st,
		whatsapp:   whatsappSvc,
		addr:       cfg.Addr,
		calendarID: cfg.CalendarID,
		timezone:   cfg.Timezone,
		channels:   cfg.Channels,
	}
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.healthHandler)
	mux.HandleFunc("GET /_diag", s.diagHandler)
	mux.HandleFunc("POST /chat", s.chatHandler)
	mux.HandleFunc("POST /api/citas", s.createBookingHandler)
	mux.HandleFunc("DELETE /api/citas/{id}", s.cancelBookingHandler)
	mux.HandleFunc("PATCH /api/citas/{id}", s.rescheduleBookingHandler)
	mux.HandleFunc("GET /api/citas/{id}/ics", s.icsHandler)
	mux.HandleFunc("POST /api/clases/enroll", s.enrollHandler)
	mux.HandleFunc("POST /webhook/whatsapp", s.whatsappWebhookHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		slog.Info("Server.Run: API stopped")
		return nil
	}
}
