package node

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"filebot/internal/bus"
	"filebot/internal/domain"
)

// Run consumes the three update queues until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, broker *bus.Broker, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	for queue, handle := range map[string]func(context.Context, *domain.InboundEvent) error{
		domain.QueueTextUpdate:     e.HandleText,
		domain.QueueDocumentUpdate: e.HandleDocument,
		domain.QueuePhotoUpdate:    e.HandlePhoto,
	} {
		g.Go(func() error {
			return broker.Consume(ctx, queue, workers, eventHandler(handle, e.logger))
		})
	}
	return g.Wait()
}

func eventHandler(handle func(context.Context, *domain.InboundEvent) error, logger *slog.Logger) bus.Handler {
	return func(ctx context.Context, d bus.Delivery) error {
		var ev domain.InboundEvent
		if err := d.Decode(&ev); err != nil {
			logger.Error("dropping undecodable update", "queue", d.Queue, "delivery", d.ID, "err", err)
			return nil
		}
		return handle(ctx, &ev)
	}
}
