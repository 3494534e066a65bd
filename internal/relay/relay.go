// Package relay forwards queued answers to the chat platform.
package relay

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"filebot/internal/bus"
	"filebot/internal/domain"
	"filebot/internal/metrics"
)

// Relay delivers answers at most once: a failed send is logged and dropped.
type Relay struct {
	transport domain.Transport
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func New(transport domain.Transport, logger *slog.Logger) *Relay {
	return &Relay{transport: transport, logger: logger}
}

// WithRateLimit caps outgoing sends at perSecond across all workers.
func (r *Relay) WithRateLimit(perSecond float64, burst int) *Relay {
	if perSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
	return r
}

// Handle sends a to its chat. A nil answer is a no-op.
func (r *Relay) Handle(ctx context.Context, a *domain.OutboundAnswer) {
	if a == nil {
		return
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			metrics.AnswersFailed.Inc()
			r.logger.Warn("answer dropped while throttled", "chat_id", a.ChatID, "err", err)
			return
		}
	}
	if err := r.transport.Send(ctx, a.ChatID, a.Text); err != nil {
		metrics.AnswersFailed.Inc()
		r.logger.Error("answer dropped", "chat_id", a.ChatID, "err", err)
		return
	}
	metrics.AnswersSent.Inc()
}

// Run consumes the answer queue until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, broker *bus.Broker, workers int) error {
	return broker.Consume(ctx, domain.QueueAnswerMessage, workers, func(ctx context.Context, d bus.Delivery) error {
		var a *domain.OutboundAnswer
		if err := d.Decode(&a); err != nil {
			return err
		}
		r.Handle(ctx, a)
		return nil
	})
}
