// Package node runs the per-user conversation: registration by email and
// file uploads for registered users.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"filebot/internal/codec"
	"filebot/internal/domain"
	"filebot/internal/metrics"
)

const defaultMaxAttempts = 3

// FileIngestor stores uploaded files.
type FileIngestor interface {
	IngestDocument(ctx context.Context, doc *domain.FileRef) (domain.FileMetadata, error)
	IngestPhoto(ctx context.Context, sizes []domain.FileRef) (domain.FileMetadata, error)
}

// TokenEncoder mints public tokens for numeric ids within a purpose.
type TokenEncoder interface {
	Encode(purpose codec.Purpose, id uint64) string
}

type Config struct {
	LinkHost    string
	MaxAttempts int // optimistic update attempts per event
}

// Engine consumes classified events and answers through the publisher.
type Engine struct {
	users    domain.UserRepository
	rawLog   domain.RawLogRepository
	pub      domain.Publisher
	ingestor FileIngestor
	tokens   TokenEncoder
	validate *validator.Validate
	cfg      Config
	logger   *slog.Logger
}

func NewEngine(
	users domain.UserRepository,
	rawLog domain.RawLogRepository,
	pub domain.Publisher,
	ingestor FileIngestor,
	tokens TokenEncoder,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Engine{
		users:    users,
		rawLog:   rawLog,
		pub:      pub,
		ingestor: ingestor,
		tokens:   tokens,
		validate: validator.New(),
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleText runs one text input through the state table. The user record
// is written with a compare-and-set; on a conflict the record is reloaded
// and the input re-evaluated, so the mail request is published by the
// winning write only.
func (e *Engine) HandleText(ctx context.Context, ev *domain.InboundEvent) error {
	if ev == nil {
		return domain.ErrMalformedInput
	}
	e.logRaw(ctx, ev)

	user, err := e.users.FindOrCreate(ctx, domain.NewUserFromEvent(ev))
	if err != nil {
		e.answer(ctx, ev.ChatID, UnknownErrorText)
		return fmt.Errorf("load user %d: %w", ev.UserID, err)
	}

	cmd := ParseCommand(ev.Text)
	email := normalizeEmail(ev.Text)

	for attempt := 1; ; attempt++ {
		t, known := decide(user, cmd, email, e.validEmail)
		if !known {
			e.logger.Error("unknown user state", "user_id", user.ID, "state", user.State)
			e.answer(ctx, ev.ChatID, t.answer)
			return nil
		}

		if t.email != "" {
			taken, err := e.emailTaken(ctx, user.ID, t.email)
			if err != nil {
				e.answer(ctx, ev.ChatID, UnknownErrorText)
				return err
			}
			if taken {
				e.answer(ctx, ev.ChatID, EmailTakenText)
				return nil
			}
		}

		if !t.write {
			e.answer(ctx, ev.ChatID, t.answer)
			return nil
		}

		from := user.State
		next := *user
		next.State = t.next
		if t.email != "" {
			next.Email = &t.email
		}

		err := e.users.Update(ctx, &next)
		switch {
		case err == nil:
			metrics.Transitions(string(from), string(next.State)).Inc()
			e.logger.Info("user state changed", "user_id", next.ID, "from", from, "to", next.State)
			if t.mail {
				e.requestMail(ctx, &next)
			}
			e.answer(ctx, ev.ChatID, t.answer)
			return nil

		case errors.Is(err, domain.ErrEmailTaken):
			e.answer(ctx, ev.ChatID, EmailTakenText)
			return nil

		case errors.Is(err, domain.ErrVersionConflict):
			metrics.VersionConflicts.Inc()
			if attempt >= e.cfg.MaxAttempts {
				e.logger.Error("giving up after version conflicts", "user_id", user.ID, "attempts", attempt)
				e.answer(ctx, ev.ChatID, UnknownErrorText)
				return err
			}
			e.logger.Debug("version conflict, reloading user", "user_id", user.ID, "attempt", attempt)
			reloaded, err := e.users.FindByID(ctx, user.ID)
			if err != nil {
				e.answer(ctx, ev.ChatID, UnknownErrorText)
				return err
			}
			if reloaded == nil {
				e.answer(ctx, ev.ChatID, UnknownErrorText)
				return fmt.Errorf("reload user %d: %w", user.ID, domain.ErrNotFound)
			}
			user = reloaded

		default:
			e.answer(ctx, ev.ChatID, UnknownErrorText)
			return fmt.Errorf("update user %d: %w", user.ID, err)
		}
	}
}

// HandleDocument stores the document of a registered user and answers with its link.
func (e *Engine) HandleDocument(ctx context.Context, ev *domain.InboundEvent) error {
	if ev == nil {
		return domain.ErrMalformedInput
	}
	return e.handleFile(ctx, ev, domain.ResourceDocument, func() (domain.FileMetadata, error) {
		return e.ingestor.IngestDocument(ctx, ev.Document)
	})
}

// HandlePhoto stores the largest photo size of a registered user and answers with its link.
func (e *Engine) HandlePhoto(ctx context.Context, ev *domain.InboundEvent) error {
	if ev == nil {
		return domain.ErrMalformedInput
	}
	return e.handleFile(ctx, ev, domain.ResourcePhoto, func() (domain.FileMetadata, error) {
		return e.ingestor.IngestPhoto(ctx, ev.Photo)
	})
}

func (e *Engine) handleFile(ctx context.Context, ev *domain.InboundEvent, kind domain.ResourceType, ingest func() (domain.FileMetadata, error)) error {
	e.logRaw(ctx, ev)

	user, err := e.users.FindOrCreate(ctx, domain.NewUserFromEvent(ev))
	if err != nil {
		e.answer(ctx, ev.ChatID, UnknownErrorText)
		return fmt.Errorf("load user %d: %w", ev.UserID, err)
	}

	switch {
	case !user.Active:
		e.answer(ctx, ev.ChatID, PleaseRegisterText)
		return nil
	case user.State != domain.StateBasic:
		e.answer(ctx, ev.ChatID, MidCommandText)
		return nil
	}

	stored, failed := DocumentStoredText, DocumentFailedText
	if kind == domain.ResourcePhoto {
		stored, failed = PhotoStoredText, PhotoFailedText
	}

	meta, err := ingest()
	if err != nil {
		e.logger.Error("file ingestion failed", "user_id", user.ID, "kind", kind, "err", err)
		e.answer(ctx, ev.ChatID, failed)
		return nil
	}

	link := kind.Link(e.cfg.LinkHost, e.tokens.Encode(codec.ForResource(kind), meta.ID))
	e.answer(ctx, ev.ChatID, stored+link)
	return nil
}

func (e *Engine) emailTaken(ctx context.Context, userID uint64, email string) (bool, error) {
	owner, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		return false, fmt.Errorf("lookup email: %w", err)
	}
	return owner != nil && owner.ID != userID, nil
}

func (e *Engine) validEmail(s string) bool {
	return e.validate.Var(s, "required,email") == nil
}

func (e *Engine) requestMail(ctx context.Context, u *domain.UserRecord) {
	req := domain.MailRequest{UserToken: e.tokens.Encode(codec.PurposeUser, u.ID), EmailTo: *u.Email}
	if err := e.pub.Publish(ctx, domain.QueueRegistrationMail, req); err != nil {
		e.logger.Error("mail request not enqueued", "user_id", u.ID, "err", err)
	}
}

// logRaw appends the audit copy of ev. A failure is logged and processing continues.
func (e *Engine) logRaw(ctx context.Context, ev *domain.InboundEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encode raw event", "event_id", ev.ID, "err", err)
	}
	entry := domain.RawLogEntry{
		EventID: ev.ID,
		UserID:  ev.UserID,
		ChatID:  ev.ChatID,
		Kind:    ev.Kind(),
		Payload: payload,
	}
	if err := e.rawLog.Append(ctx, entry); err != nil {
		e.logger.Error("raw log append failed", "event_id", ev.ID, "err", err)
	}
}

func (e *Engine) answer(ctx context.Context, chatID int64, text string) {
	if err := e.pub.Publish(ctx, domain.QueueAnswerMessage, domain.OutboundAnswer{ChatID: chatID, Text: text}); err != nil {
		e.logger.Error("answer not enqueued", "chat_id", chatID, "err", err)
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
