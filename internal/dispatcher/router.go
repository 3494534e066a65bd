// Package dispatcher classifies inbound chat events and publishes them to the
// queue of the worker that handles their payload kind.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"filebot/internal/domain"
	"filebot/internal/metrics"
)

const (
	FileReceivedText  = "File received, processing..."
	FileNotQueuedText = "Sorry, the file could not be processed. Please send it again."
	UnsupportedText   = "Unsupported message type!"
)

// Router publishes classified events. It answers immediately for file
// uploads and for payloads no worker handles.
type Router struct {
	pub    domain.Publisher
	logger *slog.Logger
}

func NewRouter(pub domain.Publisher, logger *slog.Logger) *Router {
	return &Router{pub: pub, logger: logger}
}

// Route sends e to exactly one classification queue, or only to the answer
// queue when the payload is unsupported.
func (r *Router) Route(ctx context.Context, e *domain.InboundEvent) error {
	if e == nil {
		r.logger.Error("received update is nil")
		return domain.ErrMalformedInput
	}

	kind := e.Kind()
	switch kind {
	case domain.PayloadText:
		return r.publish(ctx, domain.QueueTextUpdate, e)
	case domain.PayloadDocument:
		return r.routeFile(ctx, domain.QueueDocumentUpdate, e)
	case domain.PayloadPhoto:
		return r.routeFile(ctx, domain.QueuePhotoUpdate, e)
	default:
		r.logger.Warn("unsupported message type", "event_id", e.ID, "user_id", e.UserID, "chat_id", e.ChatID)
		metrics.UpdatesUnsupported.Inc()
		return r.answer(ctx, e.ChatID, UnsupportedText)
	}
}

// routeFile queues the acknowledgment before the event, so it reaches the
// answer queue ahead of anything the engine replies. If the event cannot be
// queued the user is told to resend.
func (r *Router) routeFile(ctx context.Context, queue string, e *domain.InboundEvent) error {
	if err := r.answer(ctx, e.ChatID, FileReceivedText); err != nil {
		r.logger.Warn("file acknowledgment not queued", "event_id", e.ID, "chat_id", e.ChatID, "err", err)
	}
	if err := r.publish(ctx, queue, e); err != nil {
		if aerr := r.answer(ctx, e.ChatID, FileNotQueuedText); aerr != nil {
			r.logger.Error("failure answer not queued", "event_id", e.ID, "chat_id", e.ChatID, "err", aerr)
		}
		return err
	}
	return nil
}

func (r *Router) publish(ctx context.Context, queue string, e *domain.InboundEvent) error {
	if err := r.pub.Publish(ctx, queue, e); err != nil {
		return fmt.Errorf("route event %s: %w", e.ID, err)
	}
	metrics.UpdatesRouted(queue).Inc()
	r.logger.Debug("event routed", "event_id", e.ID, "queue", queue, "user_id", e.UserID)
	return nil
}

func (r *Router) answer(ctx context.Context, chatID int64, text string) error {
	if err := r.pub.Publish(ctx, domain.QueueAnswerMessage, domain.OutboundAnswer{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("enqueue answer for chat %d: %w", chatID, err)
	}
	return nil
}
