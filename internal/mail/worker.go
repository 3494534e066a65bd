// Package mail sends account activation mails requested by the conversation engine.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"filebot/internal/bus"
	"filebot/internal/domain"
	"filebot/internal/metrics"
)

const (
	ActivationSubject  = "Account activation"
	activationIntro    = "To finish the registration follow the link:\n"
	tokenPlaceholder   = "{id}"
	defaultSendTimeout = 30 * time.Second
)

var ErrInvalidRequest = errors.New("invalid mail request")

// MailError reports a mail that could not be sent.
type MailError struct {
	To  string
	Err error
}

func (e *MailError) Error() string {
	return fmt.Sprintf("mail to %s: %v", e.To, e.Err)
}

func (e *MailError) Unwrap() error { return e.Err }

type WorkerConfig struct {
	ActivationURI string // must contain {id}
	Timeout       time.Duration
}

// Worker renders and sends activation mails. Failures are logged and the
// request is dropped.
type Worker struct {
	mailer domain.Mailer
	cfg    WorkerConfig
	logger *slog.Logger
}

func NewWorker(mailer domain.Mailer, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	return &Worker{mailer: mailer, cfg: cfg, logger: logger}
}

// RenderActivation returns the body of the activation mail for token.
func RenderActivation(activationURI, token string) string {
	return activationIntro + strings.ReplaceAll(activationURI, tokenPlaceholder, url.QueryEscape(token))
}

// Handle sends the activation mail for req.
func (w *Worker) Handle(ctx context.Context, req domain.MailRequest) error {
	if req.UserToken == "" || req.EmailTo == "" {
		return &MailError{To: req.EmailTo, Err: ErrInvalidRequest}
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	body := RenderActivation(w.cfg.ActivationURI, req.UserToken)
	if err := w.mailer.SendMail(ctx, req.EmailTo, ActivationSubject, body); err != nil {
		metrics.MailsFailed.Inc()
		return &MailError{To: req.EmailTo, Err: err}
	}

	metrics.MailsSent.Inc()
	w.logger.Info("activation mail sent", "to", req.EmailTo)
	return nil
}

// Run consumes the registration mail queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, broker *bus.Broker, workers int) error {
	return broker.Consume(ctx, domain.QueueRegistrationMail, workers, func(ctx context.Context, d bus.Delivery) error {
		var req domain.MailRequest
		if err := d.Decode(&req); err != nil {
			return err
		}
		if err := w.Handle(ctx, req); err != nil {
			w.logger.Error("activation mail dropped", "delivery", d.ID, "err", err)
		}
		return nil
	})
}
