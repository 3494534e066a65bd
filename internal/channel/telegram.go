package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"filebot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	defaultPollTimeout     = 30
	defaultMaxDownload     = 20 << 20
)

// Update modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// EventHandler receives every inbound message converted to a domain event.
type EventHandler func(ctx context.Context, e *domain.InboundEvent) error

// Telegram is the chat transport: it receives updates by long polling or
// webhook and implements domain.Transport for sending and file downloads.
type Telegram struct {
	cfg       TelegramConfig
	allowFrom []int64

	bot       *tgbotapi.BotAPI
	http      *http.Client
	fileURL   func(fileID string) (string, error)
	retryBase time.Duration
	logger    *slog.Logger
}

var _ domain.Transport = (*Telegram)(nil)

type TelegramConfig struct {
	Token         string
	Mode          string   // polling or webhook
	WebhookURL    string   // public URL registered with Telegram
	WebhookListen string   // local listen address for webhook mode
	AllowFrom     []string // user ids; empty allows everyone
	PollTimeout   int      // seconds
	MaxDownload   int64    // bytes read per file at most
	APIEndpoint   string   // override for tests and self-hosted Bot API servers
	Logger        *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePolling
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = defaultMaxDownload
	}
	return &Telegram{
		cfg:       cfg,
		allowFrom: allowed,
		http:      &http.Client{},
		retryBase: time.Second,
		logger:    cfg.Logger,
	}
}

// Connect authenticates the bot token.
func (t *Telegram) Connect() error {
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if t.cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.Token, t.cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	}
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.fileURL = bot.GetFileDirectURL
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return nil
}

// Start delivers updates to handle until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, handle EventHandler) error {
	if t.bot == nil {
		if err := t.Connect(); err != nil {
			return err
		}
	}
	if t.cfg.Mode == ModeWebhook {
		return t.serveWebhook(ctx, handle)
	}
	return t.poll(ctx, handle)
}

func (t *Telegram) poll(ctx context.Context, handle EventHandler) error {
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		t.logger.Warn("could not remove webhook before polling", "err", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, update, handle)
		}
	}
}

func (t *Telegram) serveWebhook(ctx context.Context, handle EventHandler) error {
	wh, err := tgbotapi.NewWebhook(t.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("telegram webhook url: %w", err)
	}
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("telegram set webhook: %w", err)
	}

	path := wh.URL.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, t.webhookHandler(ctx, handle))
	srv := &http.Server{
		Addr:              t.cfg.WebhookListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("telegram webhook listening", "addr", t.cfg.WebhookListen, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("telegram webhook server: %w", err)
	}
}

func (t *Telegram) webhookHandler(ctx context.Context, handle EventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		update, err := t.bot.HandleUpdate(r)
		if err != nil {
			t.logger.Warn("bad webhook update", "err", err)
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		t.dispatch(ctx, *update, handle)
		w.WriteHeader(http.StatusOK)
	}
}

func (t *Telegram) dispatch(ctx context.Context, update tgbotapi.Update, handle EventHandler) {
	ev := toInboundEvent(update)
	if ev == nil {
		t.logger.Debug("ignoring update without message", "update_id", update.UpdateID)
		return
	}
	if !t.isAllowed(ev.UserID) {
		t.logger.Warn("unauthorized telegram user", "user_id", ev.UserID, "username", ev.Username)
		return
	}
	if err := handle(ctx, ev); err != nil {
		t.logger.Error("update not routed", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
	}
}

// toInboundEvent converts a platform update. Updates without a message
// (edits, callbacks, channel posts) yield nil.
func toInboundEvent(update tgbotapi.Update) *domain.InboundEvent {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}

	ev := &domain.InboundEvent{
		ID:         uuid.NewString(),
		UserID:     msg.From.ID,
		ChatID:     msg.Chat.ID,
		Username:   msg.From.UserName,
		FirstName:  msg.From.FirstName,
		LastName:   msg.From.LastName,
		Text:       msg.Text,
		ReceivedAt: time.Now().UTC(),
	}
	if msg.Date > 0 {
		ev.ReceivedAt = time.Unix(int64(msg.Date), 0).UTC()
	}
	if d := msg.Document; d != nil {
		ev.Document = &domain.FileRef{
			FileID:       d.FileID,
			FileUniqueID: d.FileUniqueID,
			FileName:     d.FileName,
			MimeType:     d.MimeType,
			FileSize:     int64(d.FileSize),
		}
	}
	ev.Photo = lo.Map(msg.Photo, func(p tgbotapi.PhotoSize, _ int) domain.FileRef {
		return domain.FileRef{
			FileID:       p.FileID,
			FileUniqueID: p.FileUniqueID,
			FileSize:     int64(p.FileSize),
		}
	})
	return ev
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || lo.Contains(t.allowFrom, userID)
}

// Send delivers text, split into chunks below the platform limit.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				_, cutAt = utf8.DecodeRuneInString(text)
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendChunk retries only when the platform rate limits us; the message was
// not delivered in that case, so a retry cannot duplicate it.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err = t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}

		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusTooManyRequests {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}

		wait := time.Duration(apiErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Duration(attempt+1) * t.retryBase
		}
		t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("telegram send to %d after %d attempts: %w", chatID, telegramMaxSendRetries+1, err)
}

// FetchBytes resolves the file path and downloads the file once.
func (t *Telegram) FetchBytes(ctx context.Context, ref domain.FileRef) ([]byte, error) {
	if t.fileURL == nil {
		return nil, errors.New("telegram: not connected")
	}
	link, err := t.fileURL(ref.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", ref.FileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", ref.FileID, err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", ref.FileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: unexpected status %d", ref.FileID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", ref.FileID, err)
	}
	if int64(len(data)) > t.cfg.MaxDownload {
		return nil, fmt.Errorf("file %s exceeds %d bytes", ref.FileID, t.cfg.MaxDownload)
	}
	return data, nil
}
