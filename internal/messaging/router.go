package messaging

import (
	"context"
	"log/slog"

	"github.com/citabot/citabot/internal/models"
)

// Deduplicator filters already-seen inbound message ids. The session store
// implements it.
type Deduplicator interface {
	SeenInbound(messageID string) (bool, error)
}

// Conversation is the slice of the flow orchestrator the router needs.
type Conversation interface {
	ProcessMessage(ctx context.Context, sessionID, text string) (models.BotReply, error)
}

// ResponseRouter drains a channel's inbound responses, drops duplicates and
// ships each reply back on the same channel.
type ResponseRouter struct {
	service Service
	dedup   Deduplicator
	flow    Conversation
}

// NewResponseRouter wires a channel service to the conversation flow.
func NewResponseRouter(service Service, dedup Deduplicator, flow Conversation) *ResponseRouter {
	return &ResponseRouter{service: service, dedup: dedup, flow: flow}
}

// Start launches the routing loop. It returns immediately; the loop runs
// until the context is cancelled or the responses channel closes.
func (r *ResponseRouter) Start(ctx context.Context) {
	go func() {
		slog.Info("ResponseRouter.Start: routing loop started")
		for {
			select {
			case <-ctx.Done():
				slog.Debug("ResponseRouter.Start: stopping, context cancelled")
				return
			case response, ok := <-r.service.Responses():
				if !ok {
					slog.Debug("ResponseRouter.Start: responses channel closed")
					return
				}
				r.handle(ctx, response)
			}
		}
	}()
}

func (r *ResponseRouter) handle(ctx context.Context, response models.Response) {
	seen, err := r.dedup.SeenInbound(response.MessageID)
	if err != nil {
		slog.Error("ResponseRouter.handle: dedup check failed", "error", err, "message_id", response.MessageID)
	}
	if seen {
		slog.Debug("ResponseRouter.handle: duplicate delivery absorbed", "from", response.From, "message_id", response.MessageID)
		return
	}

	reply, err := r.flow.ProcessMessage(ctx, response.From, response.Body)
	if err != nil {
		slog.Error("ResponseRouter.handle: flow failed", "error", err, "from", response.From)
	}
	if reply.Text == "" {
		return
	}
	if err := r.service.SendMessage(ctx, response.From, reply.Text); err != nil {
		slog.Error("ResponseRouter.handle: reply send failed", "error", err, "to", response.From)
	}
}
